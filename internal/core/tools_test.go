package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/events"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/mcp"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

func newToolFixture(t *testing.T) (*mcp.Registry, *events.Bus) {
	t.Helper()
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoopMetricsClient()
	bus := events.NewBus(logger, metrics)
	registry := mcp.NewRegistry()
	require.NoError(t, RegisterCoreTools(registry, seededGraph(), UnconfiguredAnalyzer{}, bus))
	return registry, bus
}

func TestRegisterCoreToolsRegistersAll(t *testing.T) {
	registry, _ := newToolFixture(t)
	assert.Equal(t, []string{"code.analyze", "events.emit", "graph.relationships", "graph.search"}, registry.Names())
}

func TestGraphSearchTool(t *testing.T) {
	registry, _ := newToolFixture(t)
	_, handler, ok := registry.Get("graph.search")
	require.True(t, ok)

	result, err := handler(context.Background(), map[string]interface{}{
		"query": "dispatch",
		"limit": float64(10),
	})
	require.NoError(t, err)

	out := result.(map[string]interface{})
	assert.Equal(t, 2, out["count"])
}

func TestGraphRelationshipsTool(t *testing.T) {
	registry, _ := newToolFixture(t)
	_, handler, ok := registry.Get("graph.relationships")
	require.True(t, ok)

	result, err := handler(context.Background(), map[string]interface{}{"entityId": "e1"})
	require.NoError(t, err)
	out := result.(map[string]interface{})
	assert.Equal(t, 1, out["count"])
}

func TestCodeAnalyzeToolSurfacesCollaboratorError(t *testing.T) {
	registry, _ := newToolFixture(t)
	_, handler, ok := registry.Get("code.analyze")
	require.True(t, ok)

	_, err := handler(context.Background(), map[string]interface{}{"path": "/src"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestEventsEmitTool(t *testing.T) {
	registry, bus := newToolFixture(t)
	_, handler, ok := registry.Get("events.emit")
	require.True(t, ok)

	var received []events.Event
	bus.Subscribe(events.TypeGraphUpdate, func(e events.Event) { received = append(received, e) })

	result, err := handler(context.Background(), map[string]interface{}{
		"topic": "graph_update",
		"data":  map[string]interface{}{"entities": float64(3)},
	})
	require.NoError(t, err)
	out := result.(map[string]interface{})
	assert.Equal(t, true, out["published"])

	require.Len(t, received, 1)
	assert.Equal(t, "tool", received[0].Source)
	assert.Equal(t, float64(3), received[0].Data["entities"])
}

func TestEventsEmitToolRejectsUnknownTopic(t *testing.T) {
	registry, _ := newToolFixture(t)
	_, handler, ok := registry.Get("events.emit")
	require.True(t, ok)

	_, err := handler(context.Background(), map[string]interface{}{"topic": "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event topic")
}
