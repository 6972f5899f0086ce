package driftline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Defaults for the message stream.
const (
	DefaultPageSize            = 30
	DefaultAutoScrollThreshold = 120.0 // px from bottom
	DefaultReadQuietPeriod     = 2 * time.Second
)

// MessageStreamOptions tunes the stream sync. Zero values use the defaults.
type MessageStreamOptions struct {
	PageSize            int
	AutoScrollThreshold float64
	ReadQuietPeriod     time.Duration
}

func (o *MessageStreamOptions) defaults() {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.AutoScrollThreshold == 0 {
		o.AutoScrollThreshold = DefaultAutoScrollThreshold
	}
	if o.ReadQuietPeriod == 0 {
		o.ReadQuietPeriod = DefaultReadQuietPeriod
	}
}

// MessageStreamSnapshot is an immutable view of the active channel's stream.
type MessageStreamSnapshot struct {
	ChannelID         string
	Messages          []MessageRecord
	HasMore           bool
	IsSending         bool
	UnseenCount       int
	LastReadMessageID string
	Error             string
}

// MessageStreamSync maintains an ordered message list for exactly one active
// channel, merging sends with paginated fetches and push events. Ordering is
// strictly by local arrival (fetch completion, send confirmation, or push
// event), never by server-sequence reconciliation.
//
// There is no cancellation of in-flight requests on channel switch; instead
// every continuation re-checks that its response still belongs to the active
// channel before applying it, so stale responses are discarded rather than
// prevented.
type MessageStreamSync struct {
	client *Client
	events EventSource
	userID string
	opts   MessageStreamOptions

	mu           sync.Mutex
	channelID    string
	epoch        int
	messages     []MessageRecord
	hasMore      bool
	isSending    bool
	unseen       int
	scrollOffset float64
	lastReadID   string
	errMsg       string
	unsubscribe  func()
	readTimer    *time.Timer
	listeners    map[int]func()
	nextListener int
	closed       bool
}

// NewMessageStreamSync creates the stream sync. events may be nil when push
// delivery is unavailable; the stream then updates only through fetches and
// sends.
func NewMessageStreamSync(client *Client, events EventSource, userID string, opts *MessageStreamOptions) *MessageStreamSync {
	m := &MessageStreamSync{
		client:    client,
		events:    events,
		userID:    userID,
		listeners: make(map[int]func()),
	}
	if opts != nil {
		m.opts = *opts
	}
	m.opts.defaults()
	return m
}

// Subscribe registers a change listener; the returned function removes it.
func (m *MessageStreamSync) Subscribe(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Snapshot returns a copy of the current stream state.
func (m *MessageStreamSync) Snapshot() MessageStreamSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MessageStreamSnapshot{
		ChannelID:         m.channelID,
		Messages:          append([]MessageRecord(nil), m.messages...),
		HasMore:           m.hasMore,
		IsSending:         m.isSending,
		UnseenCount:       m.unseen,
		LastReadMessageID: m.lastReadID,
		Error:             m.errMsg,
	}
}

// Close tears down the subscription and stops timers.
func (m *MessageStreamSync) Close() {
	m.mu.Lock()
	m.closed = true
	m.epoch++
	unsub := m.unsubscribe
	m.unsubscribe = nil
	if m.readTimer != nil {
		m.readTimer.Stop()
		m.readTimer = nil
	}
	m.listeners = make(map[int]func())
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (m *MessageStreamSync) notify() {
	m.mu.Lock()
	handlers := make([]func(), 0, len(m.listeners))
	for _, fn := range m.listeners {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()
	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("driftline: messages: listener panic: %v", r)
				}
			}()
			fn()
		}()
	}
}

// ============================================================================
// Channel switch
// ============================================================================

// SetActiveChannel switches the stream to a new channel: the old
// subscription is torn down, all message state resets, the newest page is
// fetched cold, and a fresh subscription is established. Nothing is retained
// across channels, in memory or cache: every switch pays a network fetch in
// exchange for bounded memory and immunity to cross-channel staleness.
func (m *MessageStreamSync) SetActiveChannel(ctx context.Context, channelID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("stream is closed")
	}
	old := m.unsubscribe
	m.unsubscribe = nil
	if m.readTimer != nil {
		m.readTimer.Stop()
		m.readTimer = nil
	}
	m.epoch++
	epoch := m.epoch
	m.channelID = channelID
	m.messages = nil
	m.hasMore = false
	m.isSending = false
	m.unseen = 0
	m.lastReadID = ""
	m.errMsg = ""
	m.mu.Unlock()

	if old != nil {
		old()
	}
	m.notify()

	if m.events != nil {
		unsub := m.events.Subscribe(TopicChannelMessages(channelID), func(ev Event) {
			m.handleEvent(epoch, ev)
		})
		m.mu.Lock()
		if m.epoch == epoch {
			m.unsubscribe = unsub
			m.mu.Unlock()
		} else {
			m.mu.Unlock()
			unsub()
		}
	}

	return m.fetchFirstPage(ctx, epoch)
}

func (m *MessageStreamSync) fetchFirstPage(ctx context.Context, epoch int) error {
	m.mu.Lock()
	channelID := m.channelID
	m.mu.Unlock()

	res, err := m.client.Messages.List(ctx, channelID, m.opts.PageSize, "")
	if err != nil {
		m.setErr(epoch, err.Error())
		return err
	}
	if !res.Success {
		m.setErr(epoch, res.ErrorMessage())
		return fmt.Errorf("fetch messages: %s", res.ErrorMessage())
	}

	var page []MessageRecord
	if err := res.Decode(&page); err != nil {
		m.setErr(epoch, err.Error())
		return err
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return nil // response belongs to an abandoned channel
	}
	m.messages = page
	m.hasMore = len(page) == m.opts.PageSize
	m.errMsg = ""
	m.mu.Unlock()
	m.notify()
	m.armReadTimer(epoch)
	return nil
}

// ============================================================================
// Pagination
// ============================================================================

// FetchOlder loads the page preceding the oldest loaded message and prepends
// it, preserving ascending chronological order.
func (m *MessageStreamSync) FetchOlder(ctx context.Context) error {
	m.mu.Lock()
	epoch := m.epoch
	channelID := m.channelID
	before := ""
	if len(m.messages) > 0 {
		before = m.messages[0].ID
	}
	m.mu.Unlock()

	if channelID == "" {
		return fmt.Errorf("%w: no active channel", ErrValidation)
	}

	res, err := m.client.Messages.List(ctx, channelID, m.opts.PageSize, before)
	if err != nil {
		m.setErr(epoch, err.Error())
		return err
	}
	if !res.Success {
		m.setErr(epoch, res.ErrorMessage())
		return fmt.Errorf("fetch messages: %s", res.ErrorMessage())
	}

	var page []MessageRecord
	if err := res.Decode(&page); err != nil {
		m.setErr(epoch, err.Error())
		return err
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return nil
	}
	if before == "" {
		m.messages = page
	} else {
		m.messages = append(append([]MessageRecord(nil), page...), m.messages...)
	}
	m.hasMore = len(page) == m.opts.PageSize
	m.errMsg = ""
	m.mu.Unlock()
	m.notify()
	return nil
}

// ============================================================================
// Send
// ============================================================================

// Send posts a message to the active channel. Blank content is rejected
// before any network call. There is no pre-network placeholder: the author's
// message appears only once the server confirms it, carrying the
// server-assigned id, timestamp, and sender projection, which keeps push
// dedup trivial at the cost of perceived latency. On failure nothing is
// appended and there is no automatic retry.
func (m *MessageStreamSync) Send(ctx context.Context, content string, opts *SendMessageOptions) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message content is empty", ErrValidation)
	}

	m.mu.Lock()
	epoch := m.epoch
	channelID := m.channelID
	if channelID == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: no active channel", ErrValidation)
	}
	m.isSending = true
	m.mu.Unlock()
	m.notify()

	res, err := m.client.Messages.Send(ctx, channelID, m.userID, content, opts)

	m.mu.Lock()
	if m.epoch == epoch {
		m.isSending = false
	}
	m.mu.Unlock()

	if err != nil {
		m.setErr(epoch, err.Error())
		m.notify()
		return err
	}
	if !res.Success {
		m.setErr(epoch, res.ErrorMessage())
		m.notify()
		return fmt.Errorf("send message: %s", res.ErrorMessage())
	}

	var record MessageRecord
	if err := res.Decode(&record); err != nil {
		m.setErr(epoch, err.Error())
		return err
	}

	// A confirmed send clears any error left by an earlier failed one.
	m.mu.Lock()
	if m.epoch == epoch {
		m.errMsg = ""
	}
	m.mu.Unlock()

	m.appendIfNew(epoch, record, true)
	return nil
}

// ============================================================================
// Realtime merge
// ============================================================================

// handleEvent reconciles a push event with local state. The payload is only
// a hint: a create triggers a targeted re-fetch of the newest record, an
// update or delete re-fetches the whole recent page and replaces state
// wholesale (edits are rare; the simplicity is worth the bandwidth).
func (m *MessageStreamSync) handleEvent(epoch int, ev Event) {
	m.mu.Lock()
	stale := m.epoch != epoch || m.closed
	m.mu.Unlock()
	if stale {
		return
	}

	switch ev.Type {
	case EventMessageCreated:
		m.refetchNewest(epoch)
	case EventMessageUpdated, EventMessageDeleted:
		m.refetchRecent(epoch)
	}
}

func (m *MessageStreamSync) refetchNewest(epoch int) {
	m.mu.Lock()
	channelID := m.channelID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	res, err := m.client.Messages.List(ctx, channelID, 1, "")
	if err != nil || !res.Success {
		if err == nil {
			err = fmt.Errorf("%s", res.ErrorMessage())
		}
		log.Printf("driftline: messages: newest re-fetch failed: %v", err)
		return
	}

	var page []MessageRecord
	if err := res.Decode(&page); err != nil || len(page) == 0 {
		return
	}

	m.appendIfNew(epoch, page[len(page)-1], false)
}

func (m *MessageStreamSync) refetchRecent(epoch int) {
	m.mu.Lock()
	channelID := m.channelID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	res, err := m.client.Messages.List(ctx, channelID, m.opts.PageSize, "")
	if err != nil || !res.Success {
		if err == nil {
			err = fmt.Errorf("%s", res.ErrorMessage())
		}
		log.Printf("driftline: messages: recent re-fetch failed: %v", err)
		return
	}

	var page []MessageRecord
	if err := res.Decode(&page); err != nil {
		return
	}

	m.mu.Lock()
	if m.epoch != epoch || m.closed {
		m.mu.Unlock()
		return
	}
	m.messages = page
	m.hasMore = len(page) == m.opts.PageSize
	m.mu.Unlock()
	m.notify()
	m.armReadTimer(epoch)
}

// appendIfNew appends a record unless one with the same id is already
// present. This is the dedup that covers the author's own message echoing back
// through the push channel after a successful send.
func (m *MessageStreamSync) appendIfNew(epoch int, record MessageRecord, own bool) {
	m.mu.Lock()
	if m.epoch != epoch || m.closed || record.ChannelID != m.channelID {
		m.mu.Unlock()
		return
	}
	for _, existing := range m.messages {
		if existing.ID == record.ID {
			m.mu.Unlock()
			return
		}
	}
	m.messages = append(m.messages, record)

	// Unseen tracking: the author's own send and a viewer near the bottom
	// both auto-scroll; otherwise the unseen counter grows and the view
	// stays put.
	if own || m.scrollOffset <= m.opts.AutoScrollThreshold {
		m.scrollOffset = 0
	} else {
		m.unseen++
	}
	m.mu.Unlock()
	m.notify()
	m.armReadTimer(epoch)
}

// ============================================================================
// Viewport and read watermark
// ============================================================================

// SetScrollOffset reports the viewer's distance from the bottom of the
// message view, in pixels. Scrolling back to the bottom clears the unseen
// counter.
func (m *MessageStreamSync) SetScrollOffset(px float64) {
	m.mu.Lock()
	m.scrollOffset = px
	cleared := false
	if px <= m.opts.AutoScrollThreshold && m.unseen != 0 {
		m.unseen = 0
		cleared = true
	}
	m.mu.Unlock()
	if cleared {
		m.notify()
	}
}

// armReadTimer restarts the quiet-period countdown: once no new message has
// arrived for the configured period, the newest message becomes the read
// watermark. This is a "probably seen" heuristic, not a real visibility
// measurement.
func (m *MessageStreamSync) armReadTimer(epoch int) {
	m.mu.Lock()
	if m.epoch != epoch || m.closed || len(m.messages) == 0 {
		m.mu.Unlock()
		return
	}
	if m.readTimer != nil {
		m.readTimer.Stop()
	}
	m.readTimer = time.AfterFunc(m.opts.ReadQuietPeriod, func() {
		m.advanceWatermark(epoch)
	})
	m.mu.Unlock()
}

func (m *MessageStreamSync) advanceWatermark(epoch int) {
	m.mu.Lock()
	if m.epoch != epoch || m.closed || len(m.messages) == 0 {
		m.mu.Unlock()
		return
	}
	newest := m.messages[len(m.messages)-1].ID
	if newest == m.lastReadID {
		m.mu.Unlock()
		return
	}
	m.lastReadID = newest
	channelID := m.channelID
	m.mu.Unlock()
	m.notify()

	// Best-effort server notification; local state never depends on it.
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if res, err := m.client.Messages.MarkRead(ctx, channelID, m.userID, newest); err != nil {
		log.Printf("driftline: messages: mark-read failed: %v", err)
	} else if !res.Success {
		log.Printf("driftline: messages: mark-read rejected: %s", res.ErrorMessage())
	}
}

func (m *MessageStreamSync) setErr(epoch int, msg string) {
	m.mu.Lock()
	if m.epoch == epoch {
		m.errMsg = msg
	}
	m.mu.Unlock()
}
