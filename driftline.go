// Package driftline provides the official Go SDK for the Driftline channel API.
//
// It covers the channel REST API plus a client-resident sync layer that keeps
// local views of "my channels", "public channels", and the active channel's
// message stream consistent with the server while minimizing redundant
// network calls.
//
// Example:
//
//	client := driftline.NewClient("dl-token-...")
//
//	// Raw API
//	res, _ := client.Channels.ListPublic(ctx)
//
//	// Sync layer
//	store := driftline.NewMemoryStore()
//	cache := driftline.NewCacheController(store, nil)
//	lists := driftline.NewChannelListSync(client, cache, "user-123")
//	channels, cacheHit, _ := lists.FetchUserChannels(ctx, false)
package driftline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://api.driftline.chat",
}

const (
	DefaultBaseURL = "https://api.driftline.chat"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Driftline API client. Construct it once at application root
// and inject it into the sync components; it holds no per-request state.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client

	Channels *ChannelsClient
	Messages *MessagesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// NewClient creates a new Driftline client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Channels = &ChannelsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks service health.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/api/health", nil, nil)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Channels API
// ============================================================================

// ChannelsClient handles channel listing and membership operations.
type ChannelsClient struct{ client *Client }

// ListPublic returns all publicly visible channels.
func (ch *ChannelsClient) ListPublic(ctx context.Context) (*Result, error) {
	return ch.client.do(ctx, "GET", "/api/channels/public", nil, nil)
}

// ListMine returns the channels the given user belongs to.
func (ch *ChannelsClient) ListMine(ctx context.Context, userID string) (*Result, error) {
	return ch.client.do(ctx, "GET", "/api/users/"+userID+"/channels", nil, nil)
}

// Create creates a channel owned by userID.
func (ch *ChannelsClient) Create(ctx context.Context, opts *CreateChannelOptions, userID string) (*Result, error) {
	return ch.client.do(ctx, "POST", "/api/channels", opts, map[string]string{"userId": userID})
}

// Join adds userID to the channel. Membership fields are server-assigned.
func (ch *ChannelsClient) Join(ctx context.Context, channelID, userID string) (*Result, error) {
	return ch.client.do(ctx, "POST", "/api/channels/"+channelID+"/members",
		map[string]string{"userId": userID}, nil)
}

// Leave removes userID from the channel.
func (ch *ChannelsClient) Leave(ctx context.Context, channelID, userID string) (*Result, error) {
	return ch.client.do(ctx, "DELETE", "/api/channels/"+channelID+"/members/"+userID, nil, nil)
}

// ============================================================================
// Messages API
// ============================================================================

// MessagesClient handles message history and sends.
type MessagesClient struct{ client *Client }

// List returns up to limit records older than before (newest page when before
// is empty), in ascending chronological order.
func (m *MessagesClient) List(ctx context.Context, channelID string, limit int, before string) (*Result, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if before != "" {
		query["before"] = before
	}
	if len(query) == 0 {
		query = nil
	}
	return m.client.do(ctx, "GET", "/api/channels/"+channelID+"/messages", nil, query)
}

// Send posts a message. The server assigns the id, timestamp, and sender
// projection; the returned record is authoritative.
func (m *MessagesClient) Send(ctx context.Context, channelID, userID, content string, opts *SendMessageOptions) (*Result, error) {
	payload := map[string]interface{}{
		"userId":  userID,
		"content": content,
		// Client-generated key so the server can drop accidental resends.
		"clientKey": uuid.NewString(),
	}
	if opts != nil && opts.ReplyToID != "" {
		payload["replyToId"] = opts.ReplyToID
	}
	return m.client.do(ctx, "POST", "/api/channels/"+channelID+"/messages", payload, nil)
}

// MarkRead records messageID as the caller's read watermark for the channel.
func (m *MessagesClient) MarkRead(ctx context.Context, channelID, userID, messageID string) (*Result, error) {
	return m.client.do(ctx, "POST", "/api/channels/"+channelID+"/read",
		map[string]string{"userId": userID, "messageId": messageID}, nil)
}
