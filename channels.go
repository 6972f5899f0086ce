package driftline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ChannelListSnapshot is an immutable view of the synced channel lists.
// Presentation layers consume snapshots plus the Subscribe notification;
// they never reach into the sync component's internals.
type ChannelListSnapshot struct {
	UserChannels   []UserChannel
	PublicChannels []ChannelSummary
	UserState      ScopeState
	PublicState    ScopeState
	UserError      string
	PublicError    string
}

// ChannelListSync keeps the user-channel and public-channel lists consistent
// with the server, serving reads cache-first and applying optimistic
// mutations for create and leave. All reads and writes of persisted state go
// through the shared CacheController, so only one freshness state exists per
// scope no matter how many consumers fetch.
type ChannelListSync struct {
	client *Client
	cache  *CacheController
	userID string

	mu             sync.Mutex
	userChannels   []UserChannel
	publicChannels []ChannelSummary
	errs           map[Scope]string
	listeners      map[int]func()
	nextListener   int
	closed         bool
}

// NewChannelListSync creates the sync component for the given user. The
// cache controller is shared process-wide; the userID doubles as the
// user-channel scope's owner key.
func NewChannelListSync(client *Client, cache *CacheController, userID string) *ChannelListSync {
	return &ChannelListSync{
		client:    client,
		cache:     cache,
		userID:    userID,
		errs:      make(map[Scope]string),
		listeners: make(map[int]func()),
	}
}

// ownerKeyFor binds the user scope to the user; the public scope is shared.
func (s *ChannelListSync) ownerKeyFor(scope Scope) string {
	if scope == ScopeUserChannels {
		return s.userID
	}
	return ""
}

// Subscribe registers a change listener invoked after every state update.
// The returned function removes it.
func (s *ChannelListSync) Subscribe(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close marks the consumer inactive. In-flight background refreshes still
// settle at the cache level, but no longer mutate this component's state.
func (s *ChannelListSync) Close() {
	s.mu.Lock()
	s.closed = true
	s.listeners = make(map[int]func())
	s.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (s *ChannelListSync) Snapshot() ChannelListSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ChannelListSnapshot{
		UserChannels:   append([]UserChannel(nil), s.userChannels...),
		PublicChannels: append([]ChannelSummary(nil), s.publicChannels...),
		UserState:      s.cache.State(ScopeUserChannels),
		PublicState:    s.cache.State(ScopePublicChannels),
		UserError:      s.errs[ScopeUserChannels],
		PublicError:    s.errs[ScopePublicChannels],
	}
}

func (s *ChannelListSync) notify() {
	s.mu.Lock()
	handlers := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()
	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("driftline: channels: listener panic: %v", r)
				}
			}()
			fn()
		}()
	}
}

// ============================================================================
// Fetch
// ============================================================================

// FetchUserChannels returns the channels the user belongs to. cacheHit is
// true when the result was served from cache without a blocking network
// call; a stale-but-usable cache additionally schedules one background
// refresh, guarded so concurrent callers never stack refreshes.
func (s *ChannelListSync) FetchUserChannels(ctx context.Context, force bool) (channels []UserChannel, cacheHit bool, err error) {
	raw, cacheHit, err := s.fetchScope(ctx, ScopeUserChannels, force)
	if err != nil {
		return nil, false, err
	}
	s.applyUser(raw)
	s.mu.Lock()
	out := append([]UserChannel(nil), s.userChannels...)
	s.mu.Unlock()
	return out, cacheHit, nil
}

// FetchPublicChannels returns all public channels, cache-first.
func (s *ChannelListSync) FetchPublicChannels(ctx context.Context, force bool) (channels []ChannelSummary, cacheHit bool, err error) {
	raw, cacheHit, err := s.fetchScope(ctx, ScopePublicChannels, force)
	if err != nil {
		return nil, false, err
	}
	s.applyPublic(raw)
	s.mu.Lock()
	out := append([]ChannelSummary(nil), s.publicChannels...)
	s.mu.Unlock()
	return out, cacheHit, nil
}

func (s *ChannelListSync) fetchScope(ctx context.Context, scope Scope, force bool) ([]byte, bool, error) {
	ownerKey := s.ownerKeyFor(scope)

	if !force && s.cache.Usable(scope, ownerKey) {
		raw := s.cache.Read(scope)
		if s.cache.IsStale(scope) && s.cache.TryBeginRefresh(scope) {
			go s.backgroundRefresh(scope)
		}
		return raw, true, nil
	}

	// Hard miss or forced: blocking fetch.
	s.cache.MarkLoading(scope)
	s.notify()

	res, err := s.listScope(ctx, scope)
	if err != nil {
		s.fail(scope, err.Error())
		return nil, false, err
	}
	if !res.Success {
		s.fail(scope, res.ErrorMessage())
		return nil, false, fmt.Errorf("fetch %s: %s", scope, res.ErrorMessage())
	}

	s.cache.Commit(scope, ownerKey, res.Data)
	s.clearErr(scope)
	return res.Data, false, nil
}

func (s *ChannelListSync) listScope(ctx context.Context, scope Scope) (*Result, error) {
	if scope == ScopePublicChannels {
		return s.client.Channels.ListPublic(ctx)
	}
	return s.client.Channels.ListMine(ctx, s.userID)
}

// backgroundRefresh revalidates a stale scope. The cache-level result is
// applied unconditionally; consumer-local state only while this consumer is
// still active.
func (s *ChannelListSync) backgroundRefresh(scope Scope) {
	defer s.cache.EndRefresh(scope)

	timeout := s.client.httpClient.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := s.listScope(ctx, scope)
	if err != nil {
		log.Printf("driftline: channels: background refresh of %s failed: %v", scope, err)
		return
	}
	if !res.Success {
		log.Printf("driftline: channels: background refresh of %s rejected: %s", scope, res.ErrorMessage())
		return
	}

	s.cache.Commit(scope, s.ownerKeyFor(scope), res.Data)

	s.mu.Lock()
	active := !s.closed
	s.mu.Unlock()
	if !active {
		return
	}

	if scope == ScopePublicChannels {
		s.applyPublic(res.Data)
	} else {
		s.applyUser(res.Data)
	}
	s.notify()
}

func (s *ChannelListSync) applyUser(raw []byte) {
	var channels []UserChannel
	if err := json.Unmarshal(raw, &channels); err != nil {
		log.Printf("driftline: channels: corrupt user-channel payload: %v", err)
		return
	}
	s.mu.Lock()
	s.userChannels = channels
	s.mu.Unlock()
}

func (s *ChannelListSync) applyPublic(raw []byte) {
	var channels []ChannelSummary
	if err := json.Unmarshal(raw, &channels); err != nil {
		log.Printf("driftline: channels: corrupt public-channel payload: %v", err)
		return
	}
	s.mu.Lock()
	s.publicChannels = channels
	s.mu.Unlock()
}

func (s *ChannelListSync) fail(scope Scope, msg string) {
	s.cache.Fail(scope)
	s.mu.Lock()
	s.errs[scope] = msg
	s.mu.Unlock()
	s.notify()
}

func (s *ChannelListSync) clearErr(scope Scope) {
	s.mu.Lock()
	delete(s.errs, scope)
	s.mu.Unlock()
	s.notify()
}

// ============================================================================
// Mutations
// ============================================================================

// Create creates a channel. A synthesized admin membership is appended
// locally before the server confirms, so the new channel shows up without a
// round-trip; the server-assigned record replaces it via the forced refetch
// that follows confirmation. Member counts and public listings are
// server-owned, so a public channel additionally forces a public-scope
// refresh instead of synthesizing aggregates locally.
func (s *ChannelListSync) Create(ctx context.Context, opts *CreateChannelOptions) error {
	if opts == nil || opts.Name == "" {
		return fmt.Errorf("%w: channel name is required", ErrValidation)
	}

	local := UserChannel{
		Channel: ChannelSummary{
			ID:          "local-" + uuid.NewString(),
			Name:        opts.Name,
			Description: opts.Description,
			Visibility:  opts.Visibility,
			CreatorID:   s.userID,
			MemberCount: 1,
			IsActive:    true,
		},
		Membership: Membership{
			UserID:   s.userID,
			Role:     RoleAdmin,
			IsActive: true,
		},
		UnreadCount: 0,
	}
	s.mu.Lock()
	s.userChannels = append(s.userChannels, local)
	s.mu.Unlock()
	s.notify()

	res, err := s.client.Channels.Create(ctx, opts, s.userID)
	if err != nil {
		s.setErr(ScopeUserChannels, err.Error())
		return err
	}
	if !res.Success {
		s.setErr(ScopeUserChannels, res.ErrorMessage())
		return fmt.Errorf("create channel: %s", res.ErrorMessage())
	}

	// Replace the synthesized entry with server-assigned state.
	if _, _, err := s.FetchUserChannels(ctx, true); err != nil {
		return err
	}
	if opts.Visibility == VisibilityPublic {
		s.scheduleForcedRefresh(ScopePublicChannels)
	}
	return nil
}

// Join adds the user to a channel. There is no optimistic append, since the
// server assigns the membership fields; instead the user scope is invalidated
// and refetched, and the public scope refetched for its updated member
// count. On failure local state is unchanged.
func (s *ChannelListSync) Join(ctx context.Context, channelID string) error {
	res, err := s.client.Channels.Join(ctx, channelID, s.userID)
	if err != nil {
		s.setErr(ScopeUserChannels, err.Error())
		return err
	}
	if !res.Success {
		s.setErr(ScopeUserChannels, res.ErrorMessage())
		return fmt.Errorf("join channel: %s", res.ErrorMessage())
	}

	s.cache.Invalidate(ScopeUserChannels)
	if _, _, err := s.FetchUserChannels(ctx, true); err != nil {
		return err
	}
	s.scheduleForcedRefresh(ScopePublicChannels)
	return nil
}

// Leave removes the user's membership. The channel creator can never leave:
// that is a business invariant enforced here, before any network call, not a
// UI restriction. The membership is removed optimistically from memory and
// cache; a failed network call does not restore it.
func (s *ChannelListSync) Leave(ctx context.Context, channelID string) error {
	s.mu.Lock()
	idx := -1
	for i, uc := range s.userChannels {
		if uc.Channel.ID == channelID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	if s.userChannels[idx].Channel.CreatorID == s.userID {
		s.mu.Unlock()
		return fmt.Errorf("%w: the channel creator cannot leave", ErrPermission)
	}

	s.userChannels = append(s.userChannels[:idx:idx], s.userChannels[idx+1:]...)
	remaining := append([]UserChannel(nil), s.userChannels...)
	s.mu.Unlock()
	s.notify()

	// Local removal only: the freshness clock is left alone so the next
	// staleness check still revalidates against the server.
	if raw, err := json.Marshal(remaining); err == nil {
		s.cache.Rewrite(ScopeUserChannels, s.userID, raw)
	}

	res, err := s.client.Channels.Leave(ctx, channelID, s.userID)
	if err != nil {
		s.setErr(ScopeUserChannels, err.Error())
		return err
	}
	if !res.Success {
		s.setErr(ScopeUserChannels, res.ErrorMessage())
		return fmt.Errorf("leave channel: %s", res.ErrorMessage())
	}

	s.scheduleForcedRefresh(ScopePublicChannels)
	return nil
}

// scheduleForcedRefresh refetches a scope in the background regardless of
// freshness, reusing the per-scope guard so only one refresh is in flight.
func (s *ChannelListSync) scheduleForcedRefresh(scope Scope) {
	if !s.cache.TryBeginRefresh(scope) {
		return
	}
	go s.backgroundRefresh(scope)
}

func (s *ChannelListSync) setErr(scope Scope, msg string) {
	s.mu.Lock()
	s.errs[scope] = msg
	s.mu.Unlock()
	s.notify()
}

// ============================================================================
// Realtime
// ============================================================================

// WatchMemberships subscribes to the user's membership-change topic. Events
// are treated as hints: each one invalidates the user scope and triggers a
// forced refetch rather than applying the payload directly. The returned
// function stops watching.
func (s *ChannelListSync) WatchMemberships(es EventSource) (stop func()) {
	return es.Subscribe(TopicUserMemberships(s.userID), func(Event) {
		s.mu.Lock()
		active := !s.closed
		s.mu.Unlock()
		if !active {
			return
		}
		s.cache.Invalidate(ScopeUserChannels)
		s.scheduleForcedRefresh(ScopeUserChannels)
	})
}
