// Package core defines the narrow capability interfaces the gateway
// consumes from its domain collaborators, plus the resilience and health
// plumbing around them. The knowledge-graph store, analyzers, and
// history subsystem live outside the gateway; the gateway only calls
// through these interfaces and wraps results in its envelope.
package core

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// GraphService is the capability surface the gateway needs from the
// knowledge-graph collaborator.
type GraphService interface {
	Search(ctx context.Context, req models.SearchRequest) ([]models.Entity, error)
	GetEntity(ctx context.Context, entityID string) (*models.Entity, error)
	GetRelationships(ctx context.Context, entityID string) ([]models.Relationship, error)
	HealthCheck(ctx context.Context) error
}

// CodeAnalyzer is the capability surface for the code-intelligence
// collaborator.
type CodeAnalyzer interface {
	Analyze(ctx context.Context, path string, options map[string]interface{}) (interface{}, error)
	HealthCheck(ctx context.Context) error
}

// ResilientGraph wraps a GraphService behind a circuit breaker so a
// failing collaborator sheds load instead of stacking up requests.
type ResilientGraph struct {
	inner   GraphService
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

// NewResilientGraph wraps the given service. The breaker opens after
// five consecutive failures and probes again after 30 seconds.
func NewResilientGraph(inner GraphService, logger observability.Logger) *ResilientGraph {
	settings := gobreaker.Settings{
		Name: "graph-service",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}
	return &ResilientGraph{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Search runs a graph search through the breaker
func (g *ResilientGraph) Search(ctx context.Context, req models.SearchRequest) ([]models.Entity, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Search(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.Entity), nil
}

// GetEntity fetches one entity through the breaker
func (g *ResilientGraph) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.GetEntity(ctx, entityID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Entity), nil
}

// GetRelationships fetches edges for an entity through the breaker
func (g *ResilientGraph) GetRelationships(ctx context.Context, entityID string) ([]models.Relationship, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.GetRelationships(ctx, entityID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.Relationship), nil
}

// HealthCheck probes the collaborator. The probe bypasses the breaker so
// health reporting reflects the real state, not the breaker's.
func (g *ResilientGraph) HealthCheck(ctx context.Context) error {
	return g.inner.HealthCheck(ctx)
}

// BreakerState reports the current breaker state for diagnostics
func (g *ResilientGraph) BreakerState() string {
	return g.breaker.State().String()
}
