package vitalink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures the push-stream client. One stream is opened per
// viewer session; it is conversation-agnostic and delivers events for every
// conversation the viewer participates in.
type StreamConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *slog.Logger
}

func (c *StreamConfig) defaults() {
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
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// StreamState represents the connection state.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateReconnecting StreamState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// Unsubscribe removes a previously registered stream handler. Safe to call
// more than once.
type Unsubscribe func()

type streamDispatcher struct {
	mu             sync.RWMutex
	nextID         int
	onMessage      map[int]func(MessageCreatedPayload)
	onDeleted      map[int]func(MessageDeletedPayload)
	onReaction     map[int]func(ReactionUpdatedPayload)
	onTyping       map[int]func(TypingPayload)
	onConnected    map[int]func()
	onDisconnected map[int]func(reason string)
	onReconnecting map[int]func(attempt int, delay time.Duration)
}

func newStreamDispatcher() *streamDispatcher {
	return &streamDispatcher{
		onMessage:      make(map[int]func(MessageCreatedPayload)),
		onDeleted:      make(map[int]func(MessageDeletedPayload)),
		onReaction:     make(map[int]func(ReactionUpdatedPayload)),
		onTyping:       make(map[int]func(TypingPayload)),
		onConnected:    make(map[int]func()),
		onDisconnected: make(map[int]func(reason string)),
		onReconnecting: make(map[int]func(attempt int, delay time.Duration)),
	}
}

// subscribe inserts into one of the handler maps and returns the remover.
// Callers hold no lock.
func subscribe[H any](d *streamDispatcher, m map[int]H, h H) Unsubscribe {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	m[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(m, id)
		d.mu.Unlock()
	}
}

func (d *streamDispatcher) dispatch(env StreamEnvelope) {
	switch env.Type {
	case "message.created":
		var p MessageCreatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.snapshotMessage() {
				h(p)
			}
		}
	case "message.deleted":
		var p MessageDeletedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.snapshotDeleted() {
				h(p)
			}
		}
	case "reaction.updated":
		var p ReactionUpdatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.snapshotReaction() {
				h(p)
			}
		}
	case "typing":
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.snapshotTyping() {
				h(p)
			}
		}
	}
}

func (d *streamDispatcher) snapshotMessage() []func(MessageCreatedPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]func(MessageCreatedPayload), 0, len(d.onMessage))
	for _, h := range d.onMessage {
		out = append(out, h)
	}
	return out
}

func (d *streamDispatcher) snapshotDeleted() []func(MessageDeletedPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]func(MessageDeletedPayload), 0, len(d.onDeleted))
	for _, h := range d.onDeleted {
		out = append(out, h)
	}
	return out
}

func (d *streamDispatcher) snapshotReaction() []func(ReactionUpdatedPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]func(ReactionUpdatedPayload), 0, len(d.onReaction))
	for _, h := range d.onReaction {
		out = append(out, h)
	}
	return out
}

func (d *streamDispatcher) snapshotTyping() []func(TypingPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]func(TypingPayload), 0, len(d.onTyping))
	for _, h := range d.onTyping {
		out = append(out, h)
	}
	return out
}

func (d *streamDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := make([]func(), 0, len(d.onConnected))
	for _, h := range d.onConnected {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *streamDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := make([]func(string), 0, len(d.onDisconnected))
	for _, h := range d.onDisconnected {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *streamDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := make([]func(int, time.Duration), 0, len(d.onReconnecting))
	for _, h := range d.onReconnecting {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
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

func newReconnector(config *StreamConfig) *reconnector {
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
// StreamClient
// ============================================================================

// StreamClient is the persistent push-stream connection with auto-reconnect
// and heartbeat. It delivers message, deletion, reaction and typing events;
// the sync engine filters them per open conversation.
type StreamClient struct {
	baseURL          string
	config           *StreamConfig
	log              *slog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            StreamState
	intentionalClose bool
	dispatcher       *streamDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan struct{}
	pendingMu        sync.Mutex
}

func newStreamClient(baseURL string, cfg *StreamConfig) *StreamClient {
	return &StreamClient{
		baseURL:      baseURL,
		config:       cfg,
		log:          cfg.Logger,
		state:        StateDisconnected,
		dispatcher:   newStreamDispatcher(),
		recon:        newReconnector(cfg),
		pendingPings: make(map[string]chan struct{}),
	}
}

// OnMessageCreated registers a handler for new-message events.
func (sc *StreamClient) OnMessageCreated(h func(MessageCreatedPayload)) Unsubscribe {
	return subscribe(sc.dispatcher, sc.dispatcher.onMessage, h)
}

// OnMessageDeleted registers a handler for deletion events.
func (sc *StreamClient) OnMessageDeleted(h func(MessageDeletedPayload)) Unsubscribe {
	return subscribe(sc.dispatcher, sc.dispatcher.onDeleted, h)
}

// OnReactionUpdated registers a handler for reaction events.
func (sc *StreamClient) OnReactionUpdated(h func(ReactionUpdatedPayload)) Unsubscribe {
	return subscribe(sc.dispatcher, sc.dispatcher.onReaction, h)
}

// OnTyping registers a handler for typing indicators.
func (sc *StreamClient) OnTyping(h func(TypingPayload)) Unsubscribe {
	return subscribe(sc.dispatcher, sc.dispatcher.onTyping, h)
}

// OnConnected registers a handler for the connected meta-event.
func (sc *StreamClient) OnConnected(h func()) Unsubscribe {
	return subscribe(sc.dispatcher, sc.dispatcher.onConnected, h)
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (sc *StreamClient) OnDisconnected(h func(reason string)) Unsubscribe {
	return subscribe(sc.dispatcher, sc.dispatcher.onDisconnected, h)
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (sc *StreamClient) OnReconnecting(h func(attempt int, delay time.Duration)) Unsubscribe {
	return subscribe(sc.dispatcher, sc.dispatcher.onReconnecting, h)
}

// State returns the current connection state.
func (sc *StreamClient) State() StreamState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Connect establishes the websocket connection.
func (sc *StreamClient) Connect(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state == StateConnected || sc.state == StateConnecting {
		sc.mu.Unlock()
		return nil
	}
	sc.state = StateConnecting
	sc.intentionalClose = false
	sc.mu.Unlock()

	wsURL := strings.Replace(sc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/api/chat/stream?token=" + sc.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		sc.mu.Lock()
		sc.state = StateDisconnected
		sc.mu.Unlock()
		return fmt.Errorf("stream dial: %w", err)
	}

	sc.mu.Lock()
	sc.conn = conn
	sc.state = StateConnected
	sc.mu.Unlock()
	sc.recon.markConnected()

	sc.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	sc.mu.Lock()
	sc.cancelFn = cancel
	sc.mu.Unlock()

	go sc.readLoop(connCtx)
	go sc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. Called at session teardown;
// conversation changes do not touch the stream.
func (sc *StreamClient) Disconnect() error {
	sc.mu.Lock()
	sc.intentionalClose = true
	if sc.cancelFn != nil {
		sc.cancelFn()
		sc.cancelFn = nil
	}
	conn := sc.conn
	sc.conn = nil
	sc.state = StateDisconnected
	sc.mu.Unlock()

	sc.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	sc.dispatcher.emitDisconnected("client disconnect")
	return nil
}

// SendTyping notifies the other participant that the viewer started or
// stopped typing in a conversation.
func (sc *StreamClient) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return sc.send(ctx, &StreamEnvelope{
		Type:    "typing",
		Payload: mustJSON(TypingPayload{ConversationID: conversationID, IsTyping: isTyping}),
	})
}

func (sc *StreamClient) send(ctx context.Context, env *StreamEnvelope) error {
	sc.mu.Lock()
	conn := sc.conn
	sc.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("stream not connected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (sc *StreamClient) Ping(ctx context.Context) error {
	sc.pendingMu.Lock()
	sc.pingCounter++
	requestID := fmt.Sprintf("ping-%d", sc.pingCounter)
	ch := make(chan struct{}, 1)
	sc.pendingPings[requestID] = ch
	sc.pendingMu.Unlock()

	err := sc.send(ctx, &StreamEnvelope{
		Type:    "ping",
		Payload: mustJSON(map[string]string{"request_id": requestID}),
	})
	if err != nil {
		sc.dropPendingPing(requestID)
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		sc.dropPendingPing(requestID)
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		sc.dropPendingPing(requestID)
		return ctx.Err()
	}
}

func (sc *StreamClient) readLoop(ctx context.Context) {
	for {
		sc.mu.Lock()
		conn := sc.conn
		sc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			sc.mu.Lock()
			intentional := sc.intentionalClose
			sc.mu.Unlock()
			if intentional {
				return
			}

			sc.mu.Lock()
			sc.state = StateDisconnected
			sc.conn = nil
			sc.mu.Unlock()

			sc.log.Warn("stream read failed", "error", err)
			sc.dispatcher.emitDisconnected(err.Error())

			if sc.config.AutoReconnect && sc.recon.shouldReconnect() {
				sc.scheduleReconnect()
			}
			return
		}

		var env StreamEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p struct {
				RequestID string `json:"request_id"`
			}
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				sc.pendingMu.Lock()
				ch, ok := sc.pendingPings[p.RequestID]
				if ok {
					delete(sc.pendingPings, p.RequestID)
				}
				sc.pendingMu.Unlock()
				if ok {
					ch <- struct{}{}
				}
			}
			continue
		}

		sc.dispatcher.dispatch(env)
	}
}

func (sc *StreamClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(sc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.mu.Lock()
			s := sc.state
			sc.mu.Unlock()
			if s != StateConnected {
				return
			}

			if err := sc.Ping(ctx); err != nil {
				// Heartbeat failed: force close so readLoop reconnects
				sc.mu.Lock()
				conn := sc.conn
				sc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (sc *StreamClient) scheduleReconnect() {
	delay := sc.recon.nextDelay()
	sc.mu.Lock()
	sc.state = StateReconnecting
	sc.mu.Unlock()

	sc.dispatcher.emitReconnecting(sc.recon.attempt, delay)
	sc.log.Info("stream reconnecting", "attempt", sc.recon.attempt, "delay", delay)

	time.Sleep(delay)

	sc.mu.Lock()
	if sc.intentionalClose {
		sc.mu.Unlock()
		return
	}
	sc.state = StateDisconnected
	sc.mu.Unlock()

	// Fresh context: the original connect context died with the connection.
	if err := sc.Connect(context.Background()); err != nil {
		if sc.config.AutoReconnect && sc.recon.shouldReconnect() {
			sc.scheduleReconnect()
		} else {
			sc.mu.Lock()
			sc.state = StateDisconnected
			sc.mu.Unlock()
		}
	}
}

func (sc *StreamClient) clearPendingPings() {
	sc.pendingMu.Lock()
	for k, ch := range sc.pendingPings {
		close(ch)
		delete(sc.pendingPings, k)
	}
	sc.pendingMu.Unlock()
}

func (sc *StreamClient) dropPendingPing(requestID string) {
	sc.pendingMu.Lock()
	delete(sc.pendingPings, requestID)
	sc.pendingMu.Unlock()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
