package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
)

func seededGraph() *MemoryGraph {
	g := NewMemoryGraph()
	g.AddEntity(models.Entity{ID: "e1", Type: "function", Name: "ServeHTTP", Path: "/src/server.go"})
	g.AddEntity(models.Entity{ID: "e2", Type: "class", Name: "Dispatcher", Path: "/src/dispatch.go"})
	g.AddEntity(models.Entity{ID: "e3", Type: "function", Name: "dispatchOne", Path: "/src/dispatch.go"})
	g.AddRelationship(models.Relationship{ID: "r1", Type: "calls", FromID: "e1", ToID: "e2"})
	return g
}

func TestMemoryGraphSearch(t *testing.T) {
	g := seededGraph()
	ctx := context.Background()

	// Case-insensitive substring over name and path
	entities, err := g.Search(ctx, models.SearchRequest{Query: "dispatch"})
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	entities, err = g.Search(ctx, models.SearchRequest{Query: "SERVEHTTP"})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "e1", entities[0].ID)

	entities, err = g.Search(ctx, models.SearchRequest{Query: "nothing-matches"})
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestMemoryGraphSearchFilters(t *testing.T) {
	g := seededGraph()
	ctx := context.Background()

	entities, err := g.Search(ctx, models.SearchRequest{Query: "dispatch", EntityType: "function"})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "e3", entities[0].ID)

	entities, err = g.Search(ctx, models.SearchRequest{Query: "", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

func TestMemoryGraphGetEntity(t *testing.T) {
	g := seededGraph()
	ctx := context.Background()

	entity, err := g.GetEntity(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, "ServeHTTP", entity.Name)

	entity, err = g.GetEntity(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, entity)
}

func TestMemoryGraphRelationshipsIndexBothEndpoints(t *testing.T) {
	g := seededGraph()
	ctx := context.Background()

	from, err := g.GetRelationships(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, from, 1)

	to, err := g.GetRelationships(ctx, "e2")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "r1", to[0].ID)

	none, err := g.GetRelationships(ctx, "e3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryGraphHonorsCancelledContext(t *testing.T) {
	g := seededGraph()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Search(ctx, models.SearchRequest{Query: "x"})
	assert.Error(t, err)
	assert.Error(t, g.HealthCheck(ctx))
}

func TestUnconfiguredAnalyzer(t *testing.T) {
	analyzer := UnconfiguredAnalyzer{}
	ctx := context.Background()

	_, err := analyzer.Analyze(ctx, "/src", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
	assert.Error(t, analyzer.HealthCheck(ctx))
}
