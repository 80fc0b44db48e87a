package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

func newTestBus() *Bus {
	return NewBus(observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestEmitDeliversToSubscribers(t *testing.T) {
	bus := newTestBus()

	var received []Event
	bus.Subscribe(TypeEntityCreated, func(e Event) { received = append(received, e) })

	bus.Emit(Event{Type: TypeEntityCreated, Data: map[string]interface{}{"id": "e1"}})
	bus.Emit(Event{Type: TypeEntityDeleted, Data: map[string]interface{}{"id": "e1"}})

	require.Len(t, received, 1)
	assert.Equal(t, TypeEntityCreated, received[0].Type)
	assert.Equal(t, "e1", received[0].Data["id"])
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestEmitPreservesExplicitTimestamp(t *testing.T) {
	bus := newTestBus()
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	bus.Emit(Event{Type: TypeSyncStatus, Timestamp: stamp})
	last, ok := bus.LastEvent(TypeSyncStatus)
	require.True(t, ok)
	assert.Equal(t, stamp, last.Timestamp)
}

func TestEmitDropsUnknownType(t *testing.T) {
	bus := newTestBus()

	called := false
	bus.Subscribe("bogus_topic", func(Event) { called = true })
	bus.Emit(Event{Type: "bogus_topic"})

	assert.False(t, called)
	_, ok := bus.LastEvent("bogus_topic")
	assert.False(t, ok)
}

func TestSubscriptionOrderAndUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var order []string
	unsubA := bus.Subscribe(TypeGraphUpdate, func(Event) { order = append(order, "a") })
	bus.Subscribe(TypeGraphUpdate, func(Event) { order = append(order, "b") })

	bus.Emit(Event{Type: TypeGraphUpdate})
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 2, bus.SubscriberCount(TypeGraphUpdate))

	unsubA()
	assert.Equal(t, 1, bus.SubscriberCount(TypeGraphUpdate))

	order = nil
	bus.Emit(Event{Type: TypeGraphUpdate})
	assert.Equal(t, []string{"b"}, order)

	// Unsubscribing twice is harmless
	unsubA()
	assert.Equal(t, 1, bus.SubscriberCount(TypeGraphUpdate))
}

func TestLastEventReplay(t *testing.T) {
	bus := newTestBus()

	_, ok := bus.LastEvent(TypeFileChange)
	assert.False(t, ok)

	bus.Emit(Event{Type: TypeFileChange, Data: map[string]interface{}{"path": "/a.go"}})
	bus.Emit(Event{Type: TypeFileChange, Data: map[string]interface{}{"path": "/b.go"}})

	last, ok := bus.LastEvent(TypeFileChange)
	require.True(t, ok)
	assert.Equal(t, "/b.go", last.Data["path"])
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TypeSessionEvent, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Emit(Event{Type: TypeSessionEvent})
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 500, count)
}

func TestValidTypeAndClosedSet(t *testing.T) {
	for _, topic := range Types() {
		assert.True(t, ValidType(topic), string(topic))
	}
	assert.False(t, ValidType("made_up"))
	assert.Len(t, Types(), 9)
}
