package core

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
)

// MemoryGraph is an in-process GraphService. It backs development mode
// and tests; production deployments wire the external graph collaborator
// instead.
type MemoryGraph struct {
	mu            sync.RWMutex
	entities      map[string]models.Entity
	relationships map[string][]models.Relationship
}

// NewMemoryGraph creates an empty in-memory graph
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		entities:      make(map[string]models.Entity),
		relationships: make(map[string][]models.Relationship),
	}
}

// AddEntity inserts or replaces an entity
func (g *MemoryGraph) AddEntity(entity models.Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entities[entity.ID] = entity
}

// AddRelationship inserts an edge, indexed under both endpoints
func (g *MemoryGraph) AddRelationship(rel models.Relationship) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relationships[rel.FromID] = append(g.relationships[rel.FromID], rel)
	g.relationships[rel.ToID] = append(g.relationships[rel.ToID], rel)
}

// Search matches entities by case-insensitive substring on name or path
func (g *MemoryGraph) Search(ctx context.Context, req models.SearchRequest) ([]models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	needle := strings.ToLower(req.Query)
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]models.Entity, 0)
	for _, entity := range g.entities {
		if req.EntityType != "" && entity.Type != req.EntityType {
			continue
		}
		if !strings.Contains(strings.ToLower(entity.Name), needle) &&
			!strings.Contains(strings.ToLower(entity.Path), needle) {
			continue
		}
		out = append(out, entity)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetEntity returns an entity or nil when absent
func (g *MemoryGraph) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	entity, ok := g.entities[entityID]
	if !ok {
		return nil, nil
	}
	return &entity, nil
}

// GetRelationships returns all edges touching an entity
func (g *MemoryGraph) GetRelationships(ctx context.Context, entityID string) ([]models.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]models.Relationship(nil), g.relationships[entityID]...), nil
}

// HealthCheck always succeeds for the in-memory store
func (g *MemoryGraph) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// UnconfiguredAnalyzer is the CodeAnalyzer used when no analysis
// collaborator is wired. Every call fails with a clear error.
type UnconfiguredAnalyzer struct{}

// Analyze always reports the collaborator as missing
func (UnconfiguredAnalyzer) Analyze(ctx context.Context, path string, options map[string]interface{}) (interface{}, error) {
	return nil, errors.New("code analyzer is not configured")
}

// HealthCheck reports the collaborator as missing
func (UnconfiguredAnalyzer) HealthCheck(ctx context.Context) error {
	return errors.New("code analyzer is not configured")
}
