package driftline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Events
// ============================================================================

// Event is a realtime push event. The payload is a hint of what changed,
// never authoritative data; consumers re-fetch from the API instead of
// applying payload fields directly.
type Event struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event types delivered on channel message topics.
const (
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventMessageDeleted = "message.deleted"

	EventMembershipChanged = "membership.changed"
)

// TopicChannelMessages is the topic carrying message events for a channel.
func TopicChannelMessages(channelID string) string {
	return "channel:" + channelID + ":messages"
}

// TopicUserMemberships is the topic carrying membership-change events for a
// user.
func TopicUserMemberships(userID string) string {
	return "user:" + userID + ":memberships"
}

// EventSource delivers push events for subscribed topics. The returned
// function cancels the subscription. Implementations must tolerate handlers
// that subscribe or unsubscribe from within a callback.
type EventSource interface {
	Subscribe(topic string, handler func(Event)) (unsubscribe func())
}

// realtimeCommand is a client-to-server command.
type realtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// pongPayload is the response to a ping command.
type pongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Topic dispatcher
// ============================================================================

type topicDispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]func(Event)
}

func newTopicDispatcher() *topicDispatcher {
	return &topicDispatcher{handlers: make(map[string]map[int]func(Event))}
}

func (d *topicDispatcher) add(topic string, h func(Event)) (remove func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if d.handlers[topic] == nil {
		d.handlers[topic] = make(map[int]func(Event))
	}
	d.handlers[topic][id] = h
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		if m := d.handlers[topic]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(d.handlers, topic)
			}
		}
		d.mu.Unlock()
	}
}

// hasTopic reports whether any handler remains for the topic.
func (d *topicDispatcher) hasTopic(topic string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[topic]) > 0
}

func (d *topicDispatcher) topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}

func (d *topicDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	handlers := make([]func(Event), 0, len(d.handlers[ev.Topic]))
	for _, h := range d.handlers[ev.Topic] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		handler := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("driftline: realtime: handler panic on %s: %v", ev.Topic, r)
				}
			}()
			handler(ev)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket event source with auto-reconnect and
// heartbeat. Topic subscriptions survive reconnects: the client re-sends
// subscribe commands for every live topic after the connection is
// re-established.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher  *topicDispatcher
	recon       *reconnector
	pingCounter int
	pendingMu   sync.Mutex
	pendingPing map[string]chan pongPayload
}

// NewRealtimeClient creates a realtime client bound to the given API client's
// base URL. Call Connect to establish the connection.
func NewRealtimeClient(c *Client, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:     c.baseURL,
		config:      &cfg,
		state:       StateDisconnected,
		dispatcher:  newTopicDispatcher(),
		recon:       newReconnector(&cfg),
		pendingPing: make(map[string]chan pongPayload),
	}
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect establishes the WebSocket connection.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.mu.Unlock()
	rt.recon.markConnected()

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.cancelFn = cancel
	rt.mu.Unlock()

	// Restore topic subscriptions on the new connection.
	for _, topic := range rt.dispatcher.topics() {
		if err := rt.send(connCtx, &realtimeCommand{
			Type:    "subscribe",
			Payload: map[string]string{"topic": topic},
		}); err != nil {
			log.Printf("driftline: realtime: resubscribe %q failed: %v", topic, err)
		}
	}

	go rt.readLoop(connCtx)
	go rt.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. Topic handlers stay
// registered and resume on the next Connect.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers a handler for a topic and asks the server to start
// delivering it. The returned function cancels the subscription; when the
// last handler for a topic is removed the server is told to stop.
func (rt *RealtimeClient) Subscribe(topic string, handler func(Event)) (unsubscribe func()) {
	remove := rt.dispatcher.add(topic, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.send(ctx, &realtimeCommand{
		Type:    "subscribe",
		Payload: map[string]string{"topic": topic},
	}); err != nil {
		// Not connected yet: the topic is replayed on Connect.
		log.Printf("driftline: realtime: subscribe %q deferred: %v", topic, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			if !rt.dispatcher.hasTopic(topic) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := rt.send(ctx, &realtimeCommand{
					Type:    "unsubscribe",
					Payload: map[string]string{"topic": topic},
				}); err != nil {
					log.Printf("driftline: realtime: unsubscribe %q skipped: %v", topic, err)
				}
			}
		})
	}
}

// StartTyping tells the channel's members the user began typing.
func (rt *RealtimeClient) StartTyping(ctx context.Context, channelID string) error {
	return rt.send(ctx, &realtimeCommand{
		Type:    "typing.start",
		Payload: map[string]string{"channelId": channelID},
	})
}

// StopTyping tells the channel's members the user stopped typing.
func (rt *RealtimeClient) StopTyping(ctx context.Context, channelID string) error {
	return rt.send(ctx, &realtimeCommand{
		Type:    "typing.stop",
		Payload: map[string]string{"channelId": channelID},
	})
}

func (rt *RealtimeClient) send(ctx context.Context, cmd *realtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (rt *RealtimeClient) Ping(ctx context.Context) error {
	rt.mu.Lock()
	rt.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rt.pingCounter)
	rt.mu.Unlock()

	ch := make(chan pongPayload, 1)
	rt.pendingMu.Lock()
	rt.pendingPing[requestID] = ch
	rt.pendingMu.Unlock()

	drop := func() {
		rt.pendingMu.Lock()
		delete(rt.pendingPing, requestID)
		rt.pendingMu.Unlock()
	}

	if err := rt.send(ctx, &realtimeCommand{
		Type:      "ping",
		RequestID: requestID,
	}); err != nil {
		drop()
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		drop()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return ctx.Err()
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rt.mu.Lock()
		conn := rt.conn
		rt.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect(ctx)
			}
			return
		}

		var ev Event
		if json.Unmarshal(data, &ev) != nil {
			continue
		}

		if ev.Type == "pong" {
			var p pongPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pendingPing[p.RequestID]
				if ok {
					delete(rt.pendingPing, p.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		rt.dispatcher.dispatch(ev)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			s := rt.state
			rt.mu.Unlock()
			if s != StateConnected {
				return
			}

			if err := rt.Ping(ctx); err != nil {
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	rt.mu.Unlock()

	log.Printf("driftline: realtime: reconnecting in %s (attempt %d)", delay, rt.recon.attempt)
	time.Sleep(delay)

	if err := rt.Connect(context.Background()); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect(ctx)
		} else {
			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.mu.Unlock()
		}
	}
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPing {
		close(ch)
		delete(rt.pendingPing, k)
	}
	rt.pendingMu.Unlock()
}
