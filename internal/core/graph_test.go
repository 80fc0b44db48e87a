package core

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// flakyGraph fails every call while failing is true
type flakyGraph struct {
	inner   *MemoryGraph
	failing bool
}

func (f *flakyGraph) Search(ctx context.Context, req models.SearchRequest) ([]models.Entity, error) {
	if f.failing {
		return nil, errors.New("graph backend down")
	}
	return f.inner.Search(ctx, req)
}

func (f *flakyGraph) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	if f.failing {
		return nil, errors.New("graph backend down")
	}
	return f.inner.GetEntity(ctx, entityID)
}

func (f *flakyGraph) GetRelationships(ctx context.Context, entityID string) ([]models.Relationship, error) {
	if f.failing {
		return nil, errors.New("graph backend down")
	}
	return f.inner.GetRelationships(ctx, entityID)
}

func (f *flakyGraph) HealthCheck(ctx context.Context) error {
	if f.failing {
		return errors.New("graph backend down")
	}
	return nil
}

func TestResilientGraphPassesThrough(t *testing.T) {
	flaky := &flakyGraph{inner: seededGraph()}
	g := NewResilientGraph(flaky, observability.NewNoopLogger())
	ctx := context.Background()

	entities, err := g.Search(ctx, models.SearchRequest{Query: "dispatch"})
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	entity, err := g.GetEntity(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, entity)

	relationships, err := g.GetRelationships(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, relationships, 1)

	assert.Equal(t, gobreaker.StateClosed.String(), g.BreakerState())
}

func TestResilientGraphOpensAfterConsecutiveFailures(t *testing.T) {
	flaky := &flakyGraph{inner: seededGraph(), failing: true}
	g := NewResilientGraph(flaky, observability.NewNoopLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.Search(ctx, models.SearchRequest{Query: "x"})
		require.Error(t, err)
	}

	assert.Equal(t, gobreaker.StateOpen.String(), g.BreakerState())

	// Calls now fail fast without reaching the backend
	flaky.failing = false
	_, err := g.Search(ctx, models.SearchRequest{Query: "x"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestResilientGraphHealthBypassesBreaker(t *testing.T) {
	flaky := &flakyGraph{inner: seededGraph(), failing: true}
	g := NewResilientGraph(flaky, observability.NewNoopLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = g.Search(ctx, models.SearchRequest{Query: "x"})
	}
	require.Equal(t, gobreaker.StateOpen.String(), g.BreakerState())

	// Health reflects the collaborator, not the breaker
	flaky.failing = false
	assert.NoError(t, g.HealthCheck(ctx))
}
