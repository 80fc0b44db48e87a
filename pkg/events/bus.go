// Package events implements the in-process event bus the gateway fans out
// to WebSocket subscribers. Delivery is ephemeral: the only replay is the
// per-topic last event handed to new subscribers.
package events

import (
	"sync"
	"time"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// Type identifies an event topic. The set is closed; producers and
// subscriptions are both keyed by it.
type Type string

// Event topics
const (
	TypeFileChange          Type = "file_change"
	TypeEntityCreated       Type = "entity_created"
	TypeEntityUpdated       Type = "entity_updated"
	TypeEntityDeleted       Type = "entity_deleted"
	TypeRelationshipCreated Type = "relationship_created"
	TypeRelationshipDeleted Type = "relationship_deleted"
	TypeGraphUpdate         Type = "graph_update"
	TypeSyncStatus          Type = "sync_status"
	TypeSessionEvent        Type = "session_event"
)

var knownTypes = map[Type]struct{}{
	TypeFileChange:          {},
	TypeEntityCreated:       {},
	TypeEntityUpdated:       {},
	TypeEntityDeleted:       {},
	TypeRelationshipCreated: {},
	TypeRelationshipDeleted: {},
	TypeGraphUpdate:         {},
	TypeSyncStatus:          {},
	TypeSessionEvent:        {},
}

// ValidType reports whether t is a member of the closed topic set
func ValidType(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Types returns the closed topic set in a stable order
func Types() []Type {
	return []Type{
		TypeFileChange,
		TypeEntityCreated,
		TypeEntityUpdated,
		TypeEntityDeleted,
		TypeRelationshipCreated,
		TypeRelationshipDeleted,
		TypeGraphUpdate,
		TypeSyncStatus,
		TypeSessionEvent,
	}
}

// Event is a single bus message
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Handler receives events for a subscribed topic
type Handler func(Event)

// Bus is the process-wide topic emitter. It keeps the last event per topic
// for replay-on-subscribe and nothing else; there is no persistence.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[Type][]subscription
	lastEvent map[Type]Event
	nextID    int

	logger  observability.Logger
	metrics observability.MetricsClient
}

type subscription struct {
	id      int
	handler Handler
}

// NewBus creates a new event bus
func NewBus(logger observability.Logger, metrics observability.MetricsClient) *Bus {
	return &Bus{
		handlers:  make(map[Type][]subscription),
		lastEvent: make(map[Type]Event),
		logger:    logger,
		metrics:   metrics,
	}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function. Handlers for one topic are invoked in subscription order.
func (b *Bus) Subscribe(topic Type, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, sub := range subs {
			if sub.id == id {
				b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Emit records the event as the topic's last event and delivers it to all
// subscribers. Delivery runs on the caller's goroutine, so a single
// producer observes in-order delivery per topic.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if !ValidType(event.Type) {
		b.logger.Warn("Dropping event with unknown type", map[string]interface{}{
			"type": string(event.Type),
		})
		return
	}

	b.mu.Lock()
	b.lastEvent[event.Type] = event
	subs := make([]subscription, len(b.handlers[event.Type]))
	copy(subs, b.handlers[event.Type])
	b.mu.Unlock()

	b.metrics.IncrementCounterWithLabels("event_bus_emitted_total", 1, map[string]string{
		"topic": string(event.Type),
	})

	for _, sub := range subs {
		sub.handler(event)
	}
}

// LastEvent returns the most recent event for a topic, if any
func (b *Bus) LastEvent(topic Type) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	event, ok := b.lastEvent[topic]
	return event, ok
}

// SubscriberCount returns the number of handlers attached to a topic
func (b *Bus) SubscriberCount(topic Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
