// Package websocket implements the event-streaming hub: authenticated
// upgrades, per-connection subscription sets, filter-based event
// matching, backpressure, and keepalive.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/auth"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/events"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// Keepalive policy
const (
	keepAliveInterval   = 10 * time.Second
	keepAliveGrace      = 15 * time.Second
	keepAliveDisconnect = 30 * time.Second
	sweepInterval       = 30 * time.Second
	sweepIdleLimit      = 60 * time.Second
)

// upgradeScopes is the fixed requirement for the upgrade path
var upgradeScopes = []string{"graph:read"}

// Hub owns all live WebSocket connections and fans bus events out to
// their matching subscriptions.
type Hub struct {
	authService *auth.Service
	bus         *events.Bus
	logger      observability.Logger
	metrics     observability.MetricsClient

	mu          sync.RWMutex
	connections map[string]*Connection
	topicIndex  map[events.Type]map[string]*Connection

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	// OnBackpressureHint, when set, is called whenever a connection is
	// throttled so producers can slow down.
	OnBackpressureHint func(connectionID string, buffered int)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewHub creates the hub and subscribes it to every bus topic
func NewHub(authService *auth.Service, bus *events.Bus, logger observability.Logger, metrics observability.MetricsClient) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		authService: authService,
		bus:         bus,
		logger:      logger,
		metrics:     metrics,
		connections: make(map[string]*Connection),
		topicIndex:  make(map[events.Type]map[string]*Connection),
		limiters:    make(map[string]*rate.Limiter),
		stop:        make(chan struct{}),
		baseCtx:     ctx,
		cancelBase:  cancel,
	}

	for _, topic := range events.Types() {
		topic := topic
		bus.Subscribe(topic, func(event events.Event) {
			h.broadcast(event)
		})
	}

	return h
}

// Start launches the keepalive ticker and the idle sweeper
func (h *Hub) Start() {
	h.wg.Add(2)
	go h.keepAliveLoop()
	go h.sweepLoop()
}

// HandleUpgrade is the gin handler for GET /ws. Authentication failures
// are written as minimal HTTP responses directly to the socket; clients
// that are not negotiating an upgrade get 426.
func (h *Hub) HandleUpgrade(c *gin.Context) {
	r := c.Request
	w := c.Writer

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		h.rejectRaw(w, http.StatusUpgradeRequired, "upgrade required")
		return
	}

	if !h.allowUpgrade(c.ClientIP()) {
		h.rejectRaw(w, http.StatusTooManyRequests, "too many upgrade attempts")
		return
	}

	// Browsers cannot set Authorization on upgrade requests, so tokens
	// may arrive as query parameters.
	auth.PromoteQueryTokens(r)
	requestID := c.GetString(auth.RequestIDKey)
	authCtx := h.authService.Resolve(r, requestID, c.ClientIP())

	if h.authService.Enforced() {
		if authCtx.TokenError != "" || authCtx.IsAnonymous() {
			h.rejectRaw(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !auth.ScopesSatisfyRequirement(authCtx.Scopes, upgradeScopes) {
			h.rejectRaw(w, http.StatusForbidden, "insufficient scopes")
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("WebSocket accept failed", map[string]interface{}{
			"error": err.Error(),
			"ip":    c.ClientIP(),
		})
		return
	}

	connection := newConnection(uuid.New().String(), h, conn, authCtx)
	h.register(connection)
	connection.setState(StateOpen)

	h.logger.Info("WebSocket connection opened", map[string]interface{}{
		"connection_id": connection.ID,
		"user_id":       authCtx.User,
		"ip":            c.ClientIP(),
	})
	if h.metrics != nil {
		h.metrics.RecordGauge("websocket_connections", float64(h.ConnectionCount()), nil)
	}

	go connection.writePump(h.baseCtx)
	connection.readPump(h.baseCtx)
}

// rejectRaw writes a minimal HTTP error and closes the socket
func (h *Hub) rejectRaw(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	_, _ = fmt.Fprintln(w, message)
}

// allowUpgrade enforces a per-IP upgrade rate of 5/s with burst 10
func (h *Hub) allowUpgrade(ip string) bool {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()
	limiter, ok := h.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(5), 10)
		h.limiters[ip] = limiter
	}
	return limiter.Allow()
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	h.connections[c.ID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	if _, exists := h.connections[c.ID]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.connections, c.ID)
	for _, topic := range h.topicIndex {
		delete(topic, c.ID)
	}
	h.mu.Unlock()

	h.logger.Info("WebSocket connection closed", map[string]interface{}{
		"connection_id": c.ID,
	})
	if h.metrics != nil {
		h.metrics.RecordGauge("websocket_connections", float64(h.ConnectionCount()), nil)
	}
}

// index records that a connection holds a subscription on a topic
func (h *Hub) index(c *Connection, topic events.Type) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topicIndex[topic] == nil {
		h.topicIndex[topic] = make(map[string]*Connection)
	}
	h.topicIndex[topic][c.ID] = c
}

// unindex drops the topic index entry when the connection no longer has
// any subscription on the topic. The caller holds the connection lock.
func (h *Hub) unindex(c *Connection, topic events.Type) {
	stillSubscribed := false
	for _, sub := range c.subscriptions {
		if sub.Event == topic {
			stillSubscribed = true
			break
		}
	}
	if stillSubscribed {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns := h.topicIndex[topic]; conns != nil {
		delete(conns, c.ID)
	}
}

// broadcast fans one event out to every connection subscribed to its
// topic. Filter evaluation happens per connection.
func (h *Hub) broadcast(event events.Event) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.topicIndex[event.Type]))
	for _, c := range h.topicIndex[event.Type] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.State() == StateOpen {
			c.deliver(event)
		}
	}

	if h.metrics != nil && len(targets) > 0 {
		h.metrics.IncrementCounterWithLabels("websocket_events_delivered", float64(len(targets)), map[string]string{
			"topic": string(event.Type),
		})
	}
}

func (h *Hub) notifyBackpressure(c *Connection, buffered int) {
	if h.metrics != nil {
		h.metrics.IncrementCounter("websocket_backpressure_hints", 1)
	}
	if h.OnBackpressureHint != nil {
		h.OnBackpressureHint(c.ID, buffered)
	}
}

func (h *Hub) nextSubscriptionID() string {
	return "sub-" + uuid.New().String()
}

// keepAliveLoop pings idle connections and evicts dead ones
func (h *Hub) keepAliveLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.keepAlivePass(time.Now())
		case <-h.stop:
			return
		}
	}
}

// keepAlivePass pings connections past the grace period and drops
// connections silent past the disconnect limit.
func (h *Hub) keepAlivePass(now time.Time) {
	for _, c := range h.snapshot() {
		idle := c.idleFor(now)
		switch {
		case idle > keepAliveDisconnect:
			c.Close(CloseTerminated, "keepalive timeout")
			h.unregister(c)
		case idle > keepAliveGrace:
			if err := c.ping(h.baseCtx); err != nil {
				c.Close(CloseTerminated, "ping failed")
				h.unregister(c)
			}
		}
	}
}

// sweepLoop drops connections idle beyond the hard limit
func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweepPass(time.Now())
		case <-h.stop:
			return
		}
	}
}

// sweepPass drops connections idle beyond the hard limit
func (h *Hub) sweepPass(now time.Time) {
	for _, c := range h.snapshot() {
		if c.idleFor(now) > sweepIdleLimit {
			c.Close(CloseTerminated, "idle limit exceeded")
			h.unregister(c)
		}
	}
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		out = append(out, c)
	}
	return out
}

// ConnectionCount returns the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Stats summarizes hub state for the diagnostics surface
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	topics := make(map[string]int, len(h.topicIndex))
	for topic, conns := range h.topicIndex {
		if len(conns) > 0 {
			topics[string(topic)] = len(conns)
		}
	}
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	// Connection locks are taken outside the hub lock; connection code
	// acquires them in the opposite order.
	subscriptions := 0
	throttles := 0
	for _, c := range conns {
		c.mu.Lock()
		subscriptions += len(c.subscriptions)
		throttles += c.throttleCount
		c.mu.Unlock()
	}

	return map[string]interface{}{
		"connections":    len(conns),
		"subscriptions":  subscriptions,
		"topics":         topics,
		"throttle_count": throttles,
	}
}

// Shutdown notifies clients, closes every connection with 1001, and
// stops the background loops.
func (h *Hub) Shutdown(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.stop) })

	for _, c := range h.snapshot() {
		if c.State() == StateOpen {
			c.Send(map[string]interface{}{"type": "shutdown"})
		}
	}

	// Give the write pumps a moment to flush the shutdown frame
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
	}

	for _, c := range h.snapshot() {
		c.Close(websocket.StatusGoingAway, "server shutting down")
		h.unregister(c)
	}

	h.cancelBase()
	h.wg.Wait()

	h.mu.Lock()
	h.connections = make(map[string]*Connection)
	h.topicIndex = make(map[events.Type]map[string]*Connection)
	h.mu.Unlock()
}
