package driftline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeEventSource delivers events synchronously to registered handlers.
type fakeEventSource struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]func(Event)
}

func newFakeEventSource() *fakeEventSource {
	return &fakeEventSource{handlers: make(map[string]map[int]func(Event))}
}

func (f *fakeEventSource) Subscribe(topic string, handler func(Event)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[topic] == nil {
		f.handlers[topic] = make(map[int]func(Event))
	}
	f.handlers[topic][id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if m := f.handlers[topic]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(f.handlers, topic)
			}
		}
	}
}

func (f *fakeEventSource) hasTopic(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[topic]) > 0
}

func (f *fakeEventSource) emit(ev Event) {
	f.mu.Lock()
	handlers := make([]func(Event), 0, len(f.handlers[ev.Topic]))
	for _, h := range f.handlers[ev.Topic] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// messageServer is an in-memory message backend behind httptest.
type messageServer struct {
	mu       sync.Mutex
	messages map[string][]MessageRecord // by channel id
	nextID   int

	sendCalls int
	failSend  string // when set, sends are rejected with this message
	readCalls int
	lastRead  string

	srv *httptest.Server
}

func newMessageServer(t *testing.T) *messageServer {
	t.Helper()
	ms := &messageServer{messages: make(map[string][]MessageRecord)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/channels/", ms.handle)
	ms.srv = httptest.NewServer(mux)
	t.Cleanup(ms.srv.Close)
	return ms
}

func (ms *messageServer) add(channelID, senderID, content string) MessageRecord {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.addLocked(channelID, senderID, content)
}

func (ms *messageServer) addLocked(channelID, senderID, content string) MessageRecord {
	ms.nextID++
	rec := MessageRecord{
		ID:        fmt.Sprintf("msg-%03d", ms.nextID),
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: fmt.Sprintf("2026-03-01T12:00:%02dZ", ms.nextID),
		Sender:    UserProjection{ID: senderID, Username: senderID},
	}
	ms.messages[channelID] = append(ms.messages[channelID], rec)
	return rec
}

func (ms *messageServer) handle(w http.ResponseWriter, r *http.Request) {
	// Paths: /api/channels/{id}/messages and /api/channels/{id}/read
	var channelID, tail string
	rest := r.URL.Path[len("/api/channels/"):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			channelID, tail = rest[:i], rest[i+1:]
			break
		}
	}

	switch {
	case tail == "messages" && r.Method == http.MethodGet:
		ms.listMessages(w, r, channelID)
	case tail == "messages" && r.Method == http.MethodPost:
		ms.sendMessage(w, r, channelID)
	case tail == "read" && r.Method == http.MethodPost:
		ms.markRead(w, r)
	default:
		writeError(w, "unexpected request: "+r.Method+" "+r.URL.Path)
	}
}

func (ms *messageServer) listMessages(w http.ResponseWriter, r *http.Request, channelID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before := r.URL.Query().Get("before")

	ms.mu.Lock()
	all := ms.messages[channelID]
	end := len(all)
	if before != "" {
		for i, rec := range all {
			if rec.ID == before {
				end = i
				break
			}
		}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	page := append([]MessageRecord(nil), all[start:end]...)
	ms.mu.Unlock()

	writeResult(w, page)
}

func (ms *messageServer) sendMessage(w http.ResponseWriter, r *http.Request, channelID string) {
	var payload struct {
		UserID    string `json:"userId"`
		Content   string `json:"content"`
		ClientKey string `json:"clientKey"`
		ReplyToID string `json:"replyToId"`
	}
	json.NewDecoder(r.Body).Decode(&payload)

	ms.mu.Lock()
	ms.sendCalls++
	if ms.failSend != "" {
		msg := ms.failSend
		ms.mu.Unlock()
		writeError(w, msg)
		return
	}
	if payload.ClientKey == "" {
		ms.mu.Unlock()
		writeError(w, "missing clientKey")
		return
	}
	rec := ms.addLocked(channelID, payload.UserID, payload.Content)
	rec.ReplyToID = payload.ReplyToID
	ms.mu.Unlock()

	writeResult(w, rec)
}

func (ms *messageServer) markRead(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MessageID string `json:"messageId"`
	}
	json.NewDecoder(r.Body).Decode(&payload)
	ms.mu.Lock()
	ms.readCalls++
	ms.lastRead = payload.MessageID
	ms.mu.Unlock()
	writeResult(w, map[string]bool{"ok": true})
}

func newTestStream(t *testing.T, ms *messageServer, es EventSource, opts *MessageStreamOptions) *MessageStreamSync {
	t.Helper()
	client := NewClient("test-token", WithBaseURL(ms.srv.URL))
	if opts == nil {
		// A long quiet period keeps the read watermark out of tests that
		// do not exercise it.
		opts = &MessageStreamOptions{ReadQuietPeriod: time.Hour}
	}
	m := NewMessageStreamSync(client, es, "user-1", opts)
	t.Cleanup(m.Close)
	return m
}

func contentsOf(messages []MessageRecord) []string {
	out := make([]string, len(messages))
	for i, rec := range messages {
		out[i] = rec.Content
	}
	return out
}

// ============================================================================
// Channel switch and pagination
// ============================================================================

func TestSetActiveChannel(t *testing.T) {
	ms := newMessageServer(t)
	ms.add("ch-1", "user-2", "first")
	ms.add("ch-1", "user-2", "second")
	ms.add("ch-2", "user-3", "elsewhere")

	es := newFakeEventSource()
	m := newTestStream(t, ms, es, nil)
	ctx := context.Background()

	if err := m.SetActiveChannel(ctx, "ch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := m.Snapshot()
	if snap.ChannelID != "ch-1" {
		t.Fatalf("expected active channel ch-1, got %s", snap.ChannelID)
	}
	if len(snap.Messages) != 2 || snap.Messages[0].Content != "first" {
		t.Fatalf("unexpected messages: %v", contentsOf(snap.Messages))
	}
	if snap.HasMore {
		t.Fatal("expected no older page for a two-message channel")
	}
	if !es.hasTopic(TopicChannelMessages("ch-1")) {
		t.Fatal("expected a subscription on the channel topic")
	}

	t.Run("switch resets everything", func(t *testing.T) {
		if err := m.SetActiveChannel(ctx, "ch-2"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		snap := m.Snapshot()
		if snap.ChannelID != "ch-2" {
			t.Fatalf("expected active channel ch-2, got %s", snap.ChannelID)
		}
		if len(snap.Messages) != 1 || snap.Messages[0].Content != "elsewhere" {
			t.Fatalf("unexpected messages: %v", contentsOf(snap.Messages))
		}
		if snap.UnseenCount != 0 || snap.LastReadMessageID != "" {
			t.Fatalf("expected reset counters, got %+v", snap)
		}
		if es.hasTopic(TopicChannelMessages("ch-1")) {
			t.Fatal("expected the old subscription to be torn down")
		}
		if !es.hasTopic(TopicChannelMessages("ch-2")) {
			t.Fatal("expected a subscription on the new channel")
		}
	})
}

func TestFetchOlder(t *testing.T) {
	ms := newMessageServer(t)
	for i := 1; i <= 5; i++ {
		ms.add("ch-1", "user-2", fmt.Sprintf("m%d", i))
	}

	m := newTestStream(t, ms, nil, &MessageStreamOptions{
		PageSize:        2,
		ReadQuietPeriod: time.Hour,
	})
	ctx := context.Background()

	if err := m.SetActiveChannel(ctx, "ch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := m.Snapshot()
	if got := contentsOf(snap.Messages); got[0] != "m4" || got[1] != "m5" {
		t.Fatalf("expected newest page, got %v", got)
	}
	if !snap.HasMore {
		t.Fatal("expected more history")
	}

	if err := m.FetchOlder(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap = m.Snapshot()
	want := []string{"m2", "m3", "m4", "m5"}
	got := contentsOf(snap.Messages)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if !snap.HasMore {
		t.Fatal("expected more history after a full page")
	}

	if err := m.FetchOlder(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap = m.Snapshot()
	if len(snap.Messages) != 5 || snap.Messages[0].Content != "m1" {
		t.Fatalf("unexpected messages: %v", contentsOf(snap.Messages))
	}
	if snap.HasMore {
		t.Fatal("expected history exhausted after a short page")
	}
}

// ============================================================================
// Send
// ============================================================================

func TestSend(t *testing.T) {
	t.Run("blank content rejected without network", func(t *testing.T) {
		ms := newMessageServer(t)
		ms.add("ch-1", "user-2", "hi")
		m := newTestStream(t, ms, nil, nil)
		if err := m.SetActiveChannel(context.Background(), "ch-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		err := m.Send(context.Background(), "   \n\t", nil)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		ms.mu.Lock()
		calls := ms.sendCalls
		ms.mu.Unlock()
		if calls != 0 {
			t.Fatalf("expected no send call, got %d", calls)
		}
	})

	t.Run("no active channel", func(t *testing.T) {
		ms := newMessageServer(t)
		m := newTestStream(t, ms, nil, nil)
		err := m.Send(context.Background(), "hello", nil)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("rejected send leaves the stream unchanged", func(t *testing.T) {
		ms := newMessageServer(t)
		ms.add("ch-1", "user-2", "m1")
		ms.add("ch-1", "user-2", "m2")
		m := newTestStream(t, ms, nil, nil)
		ctx := context.Background()
		if err := m.SetActiveChannel(ctx, "ch-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ms.mu.Lock()
		ms.failSend = "not a member of this channel"
		ms.mu.Unlock()

		err := m.Send(ctx, "hello", nil)
		if err == nil {
			t.Fatal("expected error from rejected send")
		}
		if !strings.Contains(err.Error(), "not a member") {
			t.Fatalf("expected server message in error, got: %v", err)
		}

		snap := m.Snapshot()
		if got := contentsOf(snap.Messages); len(got) != 2 {
			t.Fatalf("rejected send must append nothing, got %v", got)
		}
		if snap.IsSending {
			t.Fatal("expected isSending reset after failure")
		}
		if !strings.Contains(snap.Error, "not a member") {
			t.Fatalf("expected the error in the snapshot, got %q", snap.Error)
		}
		// No automatic retry.
		ms.mu.Lock()
		calls := ms.sendCalls
		ms.mu.Unlock()
		if calls != 1 {
			t.Fatalf("expected exactly 1 send call, got %d", calls)
		}

		// A later successful send clears the surfaced error.
		ms.mu.Lock()
		ms.failSend = ""
		ms.mu.Unlock()
		if err := m.Send(ctx, "second try", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		snap = m.Snapshot()
		if snap.Error != "" {
			t.Fatalf("expected the stale error cleared, got %q", snap.Error)
		}
		if got := contentsOf(snap.Messages); len(got) != 3 || got[2] != "second try" {
			t.Fatalf("unexpected messages after recovery: %v", got)
		}
	})

	t.Run("confirmed send appends the server record", func(t *testing.T) {
		ms := newMessageServer(t)
		ms.add("ch-1", "user-2", "m1")
		ms.add("ch-1", "user-2", "m2")
		m := newTestStream(t, ms, nil, nil)
		ctx := context.Background()
		if err := m.SetActiveChannel(ctx, "ch-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := m.Send(ctx, "hello there", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		snap := m.Snapshot()
		if len(snap.Messages) != 3 {
			t.Fatalf("expected 3 messages, got %v", contentsOf(snap.Messages))
		}
		last := snap.Messages[2]
		if last.Content != "hello there" || last.SenderID != "user-1" {
			t.Fatalf("unexpected appended record: %+v", last)
		}
		if last.ID == "" || last.CreatedAt == "" {
			t.Fatal("expected server-assigned id and timestamp")
		}
		if snap.IsSending {
			t.Fatal("expected isSending cleared after confirmation")
		}
	})
}

// ============================================================================
// Realtime merge and dedup
// ============================================================================

func TestSendThenPushEchoDeduplicates(t *testing.T) {
	ms := newMessageServer(t)
	ms.add("ch-1", "user-2", "m1")
	ms.add("ch-1", "user-2", "m2")

	es := newFakeEventSource()
	m := newTestStream(t, ms, es, nil)
	ctx := context.Background()
	if err := m.SetActiveChannel(ctx, "ch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Send(ctx, "m3", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := contentsOf(m.Snapshot().Messages); len(got) != 3 {
		t.Fatalf("expected 3 messages after send, got %v", got)
	}

	// The author's own message echoes back through the push channel.
	es.emit(Event{Topic: TopicChannelMessages("ch-1"), Type: EventMessageCreated})

	got := contentsOf(m.Snapshot().Messages)
	if len(got) != 3 {
		t.Fatalf("echo duplicated the message: %v", got)
	}
	if got[2] != "m3" {
		t.Fatalf("unexpected tail: %v", got)
	}
}

func TestPushEventAppendsNewMessage(t *testing.T) {
	ms := newMessageServer(t)
	ms.add("ch-1", "user-2", "m1")

	es := newFakeEventSource()
	m := newTestStream(t, ms, es, nil)
	ctx := context.Background()
	if err := m.SetActiveChannel(ctx, "ch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Another member's message lands server-side, then the hint arrives.
	ms.add("ch-1", "user-2", "m2")
	es.emit(Event{Topic: TopicChannelMessages("ch-1"), Type: EventMessageCreated})

	got := contentsOf(m.Snapshot().Messages)
	if len(got) != 2 || got[1] != "m2" {
		t.Fatalf("expected [m1 m2], got %v", got)
	}
}

func TestUpdateEventReplacesRecentPage(t *testing.T) {
	ms := newMessageServer(t)
	first := ms.add("ch-1", "user-2", "m1")
	ms.add("ch-1", "user-2", "m2")

	es := newFakeEventSource()
	m := newTestStream(t, ms, es, nil)
	ctx := context.Background()
	if err := m.SetActiveChannel(ctx, "ch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An edit arrives as a whole new record set, not an in-place patch.
	ms.mu.Lock()
	ms.messages["ch-1"][0].Content = "m1 (edited)"
	ms.mu.Unlock()
	es.emit(Event{Topic: TopicChannelMessages("ch-1"), Type: EventMessageUpdated})

	snap := m.Snapshot()
	if snap.Messages[0].ID != first.ID || snap.Messages[0].Content != "m1 (edited)" {
		t.Fatalf("expected edited content, got %+v", snap.Messages[0])
	}
}

func TestDeleteEventDropsMessage(t *testing.T) {
	ms := newMessageServer(t)
	ms.add("ch-1", "user-2", "m1")
	ms.add("ch-1", "user-2", "m2")

	es := newFakeEventSource()
	m := newTestStream(t, ms, es, nil)
	ctx := context.Background()
	if err := m.SetActiveChannel(ctx, "ch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ms.mu.Lock()
	ms.messages["ch-1"] = ms.messages["ch-1"][1:]
	ms.mu.Unlock()
	es.emit(Event{Topic: TopicChannelMessages("ch-1"), Type: EventMessageDeleted})

	got := contentsOf(m.Snapshot().Messages)
	if len(got) != 1 || got[0] != "m2" {
		t.Fatalf("expected [m2], got %v", got)
	}
}

func TestEventForAbandonedChannelIgnored(t *testing.T) {
	ms := newMessageServer(t)
	ms.add("ch-1", "user-2", "m1")
	ms.add("ch-2", "user-3", "other")

	es := newFakeEventSource()
	m := newTestStream(t, ms, es, nil)
	ctx := context.Background()
	if err := m.SetActiveChannel(ctx, "ch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Capture the old handler before the switch tears it down.
	var oldHandler func(Event)
	es.mu.Lock()
	for _, h := range es.handlers[TopicChannelMessages("ch-1")] {
		oldHandler = h
	}
	es.mu.Unlock()

	if err := m.SetActiveChannel(ctx, "ch-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ms.add("ch-1", "user-2", "late")
	oldHandler(Event{Topic: TopicChannelMessages("ch-1"), Type: EventMessageCreated})

	got := contentsOf(m.Snapshot().Messages)
	if len(got) != 1 || got[0] != "other" {
		t.Fatalf("stale event leaked into the new channel: %v", got)
	}
}

// ============================================================================
// Unseen tracking
// ============================================================================

func TestUnseenTracking(t *testing.T) {
	ms := newMessageServer(t)
	ms.add("ch-1", "user-2", "m1")

	es := newFakeEventSource()
	m := newTestStream(t, ms, es, nil)
	ctx := context.Background()
	if err := m.SetActiveChannel(ctx, "ch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("scrolled up: counter grows, view stays put", func(t *testing.T) {
		m.SetScrollOffset(500)
		ms.add("ch-1", "user-2", "m2")
		es.emit(Event{Topic: TopicChannelMessages("ch-1"), Type: EventMessageCreated})

		snap := m.Snapshot()
		if len(snap.Messages) != 2 {
			t.Fatalf("expected the message appended, got %v", contentsOf(snap.Messages))
		}
		if snap.UnseenCount != 1 {
			t.Fatalf("expected unseen 1, got %d", snap.UnseenCount)
		}
		m.mu.Lock()
		offset := m.scrollOffset
		m.mu.Unlock()
		if offset != 500 {
			t.Fatalf("arrival must not move a scrolled-up view, offset %v", offset)
		}
	})

	t.Run("near the bottom: auto-scroll, no counting", func(t *testing.T) {
		m.SetScrollOffset(50) // inside the threshold, clears unseen
		ms.add("ch-1", "user-2", "m3")
		es.emit(Event{Topic: TopicChannelMessages("ch-1"), Type: EventMessageCreated})

		snap := m.Snapshot()
		if snap.UnseenCount != 0 {
			t.Fatalf("expected unseen 0, got %d", snap.UnseenCount)
		}
		m.mu.Lock()
		offset := m.scrollOffset
		m.mu.Unlock()
		if offset != 0 {
			t.Fatalf("expected auto-scroll to the bottom, offset %v", offset)
		}
	})

	t.Run("own send auto-scrolls from anywhere", func(t *testing.T) {
		m.SetScrollOffset(800)
		if err := m.Send(ctx, "mine", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		snap := m.Snapshot()
		if snap.UnseenCount != 0 {
			t.Fatalf("own send must not count as unseen, got %d", snap.UnseenCount)
		}
		m.mu.Lock()
		offset := m.scrollOffset
		m.mu.Unlock()
		if offset != 0 {
			t.Fatalf("expected auto-scroll after own send, offset %v", offset)
		}
	})

	t.Run("returning to the bottom clears the counter", func(t *testing.T) {
		m.SetScrollOffset(500)
		ms.add("ch-1", "user-2", "m4")
		es.emit(Event{Topic: TopicChannelMessages("ch-1"), Type: EventMessageCreated})
		if got := m.Snapshot().UnseenCount; got != 1 {
			t.Fatalf("expected unseen 1, got %d", got)
		}

		m.SetScrollOffset(0)
		if got := m.Snapshot().UnseenCount; got != 0 {
			t.Fatalf("expected unseen cleared, got %d", got)
		}
	})
}

// ============================================================================
// Read watermark
// ============================================================================

func TestReadWatermark(t *testing.T) {
	ms := newMessageServer(t)
	ms.add("ch-1", "user-2", "m1")
	newest := ms.add("ch-1", "user-2", "m2")

	m := newTestStream(t, ms, nil, &MessageStreamOptions{
		ReadQuietPeriod: 20 * time.Millisecond,
	})
	if err := m.SetActiveChannel(context.Background(), "ch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "watermark advance", func() bool {
		return m.Snapshot().LastReadMessageID == newest.ID
	})
	waitFor(t, "mark-read call", func() bool {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		return ms.readCalls >= 1 && ms.lastRead == newest.ID
	})
}
