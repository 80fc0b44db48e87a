package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/auth"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/events"
)

// ConnectionState tracks the per-connection lifecycle
type ConnectionState int32

// Connection lifecycle states
const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

// Backpressure policy
const (
	backpressureThreshold = 512 * 1024
	backpressureRetryMs   = 100
	backpressureMaxRetry  = 5
)

// Close codes beyond the RFC set
const (
	CloseBackpressure = websocket.StatusCode(1013)
	CloseTerminated   = websocket.StatusCode(4000)
)

// sendQueueDepth bounds the outbound frame queue
const sendQueueDepth = 256

// clientMessage is the inbound frame shape
type clientMessage struct {
	Type           string                 `json:"type"`
	Event          string                 `json:"event,omitempty"`
	Channel        string                 `json:"channel,omitempty"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
	SubscriptionID string                 `json:"subscriptionId,omitempty"`
}

// Connection is one accepted WebSocket client. Outbound frames are
// serialized through the send queue; the write pump is the only writer.
type Connection struct {
	ID      string
	hub     *Hub
	conn    *websocket.Conn
	authCtx *auth.Context

	mu            sync.Mutex
	state         ConnectionState
	subscriptions map[string]*Subscription
	lastActivity  time.Time
	bufferedBytes int
	throttleCount int
	pending       [][]byte
	retrying      bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, hub *Hub, conn *websocket.Conn, authCtx *auth.Context) *Connection {
	return &Connection{
		ID:            id,
		hub:           hub,
		conn:          conn,
		authCtx:       authCtx,
		state:         StateConnecting,
		subscriptions: make(map[string]*Subscription),
		lastActivity:  time.Now(),
		send:          make(chan []byte, sendQueueDepth),
		done:          make(chan struct{}),
	}
}

// State returns the lifecycle state
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// touch records client activity for keepalive accounting
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// idleFor reports how long the client has been silent
func (c *Connection) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// Send marshals and queues one frame under the backpressure policy.
// It never blocks the caller: while earlier frames are waiting on a
// throttle retry, new frames join the retry queue behind them so
// emission order is preserved.
func (c *Connection) Send(frame interface{}) {
	raw, err := json.Marshal(frame)
	if err != nil {
		c.hub.logger.Error("Failed to marshal outbound frame", map[string]interface{}{
			"connection_id": c.ID,
			"error":         err.Error(),
		})
		return
	}
	if c.State() == StateClosed || c.State() == StateClosing {
		return
	}

	c.mu.Lock()
	if c.retrying || len(c.pending) > 0 {
		c.pending = append(c.pending, raw)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.trySend(raw) {
		return
	}

	// Only one retry chain runs per connection
	c.mu.Lock()
	c.pending = append(c.pending, raw)
	start := !c.retrying
	c.retrying = true
	c.mu.Unlock()
	if start {
		c.throttled(1)
	}
}

// trySend queues one frame without blocking. It reports failure when
// the buffered bytes exceed the threshold or the send queue is full;
// the caller runs the throttle policy in either case.
func (c *Connection) trySend(raw []byte) bool {
	c.mu.Lock()
	buffered := c.bufferedBytes
	c.mu.Unlock()
	if buffered > backpressureThreshold {
		return false
	}

	select {
	case c.send <- raw:
		c.mu.Lock()
		c.bufferedBytes += len(raw)
		c.mu.Unlock()
		return true
	default:
		return false
	}
}

// throttled runs one round of the backpressure policy: tell the client,
// hint the producers, then either schedule a retry of the pending queue
// or terminate with 1013 once the retry cap is exhausted.
func (c *Connection) throttled(attempt int) {
	c.mu.Lock()
	c.throttleCount++
	buffered := c.bufferedBytes
	c.mu.Unlock()

	c.enqueueDirect(throttledFrame(buffered, attempt))
	c.hub.notifyBackpressure(c, buffered)

	if attempt > backpressureMaxRetry {
		c.hub.logger.Warn("Backpressure retries exhausted", map[string]interface{}{
			"connection_id": c.ID,
			"buffered":      buffered,
		})
		c.Close(CloseBackpressure, "Backpressure threshold exceeded")
		c.hub.unregister(c)
		return
	}

	time.AfterFunc(backpressureRetryMs*time.Millisecond, func() {
		c.drainPending(attempt)
	})
}

// drainPending retries queued frames in emission order. A frame that
// still cannot be queued re-enters the throttle policy with the next
// attempt count; each frame that goes through resets the count.
func (c *Connection) drainPending(attempt int) {
	for {
		if c.State() == StateClosed || c.State() == StateClosing {
			return
		}

		c.mu.Lock()
		if len(c.pending) == 0 {
			c.retrying = false
			c.mu.Unlock()
			return
		}
		raw := c.pending[0]
		c.mu.Unlock()

		if !c.trySend(raw) {
			c.throttled(attempt + 1)
			return
		}

		c.mu.Lock()
		if len(c.pending) > 0 {
			c.pending = c.pending[1:]
		}
		c.mu.Unlock()
		attempt = 0
	}
}

// enqueueDirect bypasses the threshold check so control frames still go
// out while the connection is throttled.
func (c *Connection) enqueueDirect(frame interface{}) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
		c.mu.Lock()
		c.bufferedBytes += len(raw)
		c.mu.Unlock()
	default:
	}
}

func throttledFrame(buffered, attempts int) map[string]interface{} {
	return map[string]interface{}{
		"type": "throttled",
		"data": map[string]interface{}{
			"reason":       "backpressure",
			"buffered":     buffered,
			"threshold":    backpressureThreshold,
			"retryAfterMs": backpressureRetryMs,
			"attempts":     attempts,
		},
	}
}

// writePump drains the send queue onto the socket. It is the only
// goroutine writing data frames.
func (c *Connection) writePump(ctx context.Context) {
	for {
		select {
		case raw := <-c.send:
			err := c.conn.Write(ctx, websocket.MessageText, raw)
			c.mu.Lock()
			c.bufferedBytes -= len(raw)
			if c.bufferedBytes < 0 {
				c.bufferedBytes = 0
			}
			c.mu.Unlock()
			if err != nil {
				c.Close(CloseTerminated, "write failed")
				c.hub.unregister(c)
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readPump consumes client frames until the socket closes
func (c *Connection) readPump(ctx context.Context) {
	defer func() {
		c.Close(CloseTerminated, "read loop ended")
		c.hub.unregister(c)
	}()

	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.touch()
		c.handleClientMessage(raw)
	}
}

func (c *Connection) handleClientMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("", "INVALID_MESSAGE", "message must be a JSON object")
		return
	}

	switch msg.Type {
	case "subscribe":
		c.handleSubscribe(msg)
	case "unsubscribe":
		c.handleUnsubscribe(msg)
	case "unsubscribe_all":
		c.handleUnsubscribeAll()
	case "ping":
		c.Send(map[string]interface{}{
			"type": "pong",
			"data": map[string]interface{}{"timestamp": time.Now().UTC()},
		})
	case "list_subscriptions":
		c.handleListSubscriptions()
	default:
		c.sendError("", "UNKNOWN_MESSAGE_TYPE", "unsupported message type: "+msg.Type)
	}
}

func (c *Connection) handleSubscribe(msg clientMessage) {
	topic := msg.Event
	if topic == "" {
		topic = msg.Channel
	}
	if topic == "" {
		c.sendError(msg.SubscriptionID, "INVALID_SUBSCRIPTION", "subscribe requires an event")
		return
	}
	if !events.ValidType(events.Type(topic)) {
		c.sendError(msg.SubscriptionID, "INVALID_SUBSCRIPTION", "unknown event type: "+topic)
		return
	}

	sub := &Subscription{
		ID:     msg.SubscriptionID,
		Event:  events.Type(topic),
		Filter: NormalizeFilter(msg.Filter),
		Raw:    msg.Filter,
	}
	if sub.ID == "" {
		sub.ID = c.hub.nextSubscriptionID()
	}

	c.mu.Lock()
	// Re-subscribing with the same id replaces the old registration. The
	// old entry comes out of the map first so unindex sees the topic as
	// released.
	if old, exists := c.subscriptions[sub.ID]; exists {
		delete(c.subscriptions, sub.ID)
		c.hub.unindex(c, old.Event)
	}
	c.subscriptions[sub.ID] = sub
	c.mu.Unlock()
	c.hub.index(c, sub.Event)

	c.Send(map[string]interface{}{
		"type":           "subscribed",
		"event":          topic,
		"subscriptionId": sub.ID,
		"data":           map[string]interface{}{"filter": msg.Filter},
	})

	// Replay the cached last event when it passes the new filter
	if last, ok := c.hub.bus.LastEvent(sub.Event); ok && sub.Filter.Matches(last) {
		c.Send(buildEventFrame(last))
	}
}

func (c *Connection) handleUnsubscribe(msg clientMessage) {
	topic := msg.Event
	if topic == "" {
		topic = msg.Channel
	}

	removed := 0
	c.mu.Lock()
	for id, sub := range c.subscriptions {
		if (msg.SubscriptionID != "" && id == msg.SubscriptionID) ||
			(msg.SubscriptionID == "" && topic != "" && string(sub.Event) == topic) {
			delete(c.subscriptions, id)
			c.hub.unindex(c, sub.Event)
			removed++
		}
	}
	total := len(c.subscriptions)
	c.mu.Unlock()

	c.Send(map[string]interface{}{
		"type": "unsubscribed",
		"data": map[string]interface{}{
			"removedSubscriptions": removed,
			"totalSubscriptions":   total,
		},
	})
}

func (c *Connection) handleUnsubscribeAll() {
	c.mu.Lock()
	removed := len(c.subscriptions)
	for id, sub := range c.subscriptions {
		delete(c.subscriptions, id)
		c.hub.unindex(c, sub.Event)
	}
	c.mu.Unlock()

	c.Send(map[string]interface{}{
		"type": "unsubscribed",
		"data": map[string]interface{}{
			"removedSubscriptions": removed,
			"totalSubscriptions":   0,
		},
	})
}

func (c *Connection) handleListSubscriptions() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subscriptions))
	details := make([]map[string]interface{}, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		topics = append(topics, string(sub.Event))
		details = append(details, map[string]interface{}{
			"subscriptionId": sub.ID,
			"event":          string(sub.Event),
			"filter":         sub.Raw,
		})
	}
	c.mu.Unlock()

	c.Send(map[string]interface{}{
		"type":    "subscriptions",
		"data":    topics,
		"details": details,
	})
}

func (c *Connection) sendError(id, code, message string) {
	frame := map[string]interface{}{
		"type": "error",
		"data": map[string]interface{}{"message": message},
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	if id != "" {
		frame["id"] = id
	}
	c.Send(frame)
}

// deliver sends an event to this connection when any subscription on the
// event's topic matches.
func (c *Connection) deliver(event events.Event) {
	c.mu.Lock()
	matched := false
	for _, sub := range c.subscriptions {
		if sub.Event == event.Type && sub.Filter.Matches(event) {
			matched = true
			break
		}
	}
	c.mu.Unlock()

	if matched {
		c.Send(buildEventFrame(event))
	}
}

// subscribedTopics returns the distinct topics this connection holds
func (c *Connection) subscribedTopics() []events.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[events.Type]struct{}, len(c.subscriptions))
	out := make([]events.Type, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		if _, ok := seen[sub.Event]; !ok {
			seen[sub.Event] = struct{}{}
			out = append(out, sub.Event)
		}
	}
	return out
}

// ping sends a protocol-level ping for keepalive
func (c *Connection) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.conn.Ping(ctx)
}

// Close transitions the connection to CLOSED exactly once
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		_ = c.conn.Close(code, reason)
		c.setState(StateClosed)
	})
}
