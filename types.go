package driftline

import (
	"encoding/json"
	"errors"
)

// ============================================================================
// Errors
// ============================================================================

// Sentinel errors for the failure taxonomy. Remote failures that reach a sync
// component are converted into a plain string surfaced through state; these
// sentinels classify failures the SDK detects itself, before any network call.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrPermission = errors.New("permission denied")
)

// ============================================================================
// Wire envelope
// ============================================================================

// Result is the uniform response envelope returned by every Driftline API
// operation. A Success=false result is a recoverable error, never retried
// automatically by the SDK.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ErrorMessage returns the server error string, or a generic fallback.
func (r *Result) ErrorMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return "request failed"
}

// ============================================================================
// Domain types
// ============================================================================

// ChannelVisibility is either public or private.
type ChannelVisibility string

const (
	VisibilityPublic  ChannelVisibility = "public"
	VisibilityPrivate ChannelVisibility = "private"
)

// ChannelSummary mirrors a channel as the server describes it. MemberCount is
// a server-owned aggregate; the SDK never adjusts it locally.
type ChannelSummary struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Visibility  ChannelVisibility `json:"visibility"`
	CreatorID   string            `json:"creatorId"`
	MemberCount int               `json:"memberCount"`
	IsActive    bool              `json:"isActive"`
}

// MembershipRole is the member's role within a channel.
type MembershipRole string

const (
	RoleAdmin     MembershipRole = "admin"
	RoleModerator MembershipRole = "moderator"
	RoleMember    MembershipRole = "member"
)

// Membership describes a user's membership in a channel. The channel
// creator's membership can never be deactivated through Leave.
type Membership struct {
	ChannelID    string         `json:"channelId"`
	UserID       string         `json:"userId"`
	Role         MembershipRole `json:"role"`
	IsActive     bool           `json:"isActive"`
	LastActiveAt string         `json:"lastActiveAt,omitempty"`
}

// UserProjection is the sender info embedded in a message record.
type UserProjection struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// MessageRecord is a single message. Identity is the server-assigned ID;
// content is immutable after creation. Edits arrive as whole new records via
// re-fetch, never as in-place mutation.
type MessageRecord struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channelId"`
	SenderID  string         `json:"senderId"`
	Content   string         `json:"content"`
	ReplyToID string         `json:"replyToId,omitempty"`
	CreatedAt string         `json:"createdAt"`
	Sender    UserProjection `json:"sender"`
}

// UserChannel pairs a channel with the caller's membership and unread count.
// This is the element type of the user-channel scope.
type UserChannel struct {
	Channel     ChannelSummary `json:"channel"`
	Membership  Membership     `json:"membership"`
	UnreadCount int            `json:"unreadCount"`
}

// CreateChannelOptions is the payload for creating a channel.
type CreateChannelOptions struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Visibility  ChannelVisibility `json:"visibility"`
}

// SendMessageOptions carries the optional fields of a send.
type SendMessageOptions struct {
	ReplyToID string `json:"replyToId,omitempty"`
}
