package core

import (
	"context"
	"sync"
	"time"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// Probe checks one subsystem. A nil return means healthy.
type Probe func(ctx context.Context) error

// Service health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// probeTimeout bounds each subsystem check
const probeTimeout = 5 * time.Second

// HealthAggregator fans out registered probes and folds their results
// into one status. Probes run concurrently with a shared deadline.
type HealthAggregator struct {
	mu        sync.RWMutex
	probes    map[string]Probe
	order     []string
	startedAt time.Time
	logger    observability.Logger
}

// NewHealthAggregator creates an aggregator with no probes
func NewHealthAggregator(logger observability.Logger) *HealthAggregator {
	return &HealthAggregator{
		probes:    make(map[string]Probe),
		startedAt: time.Now(),
		logger:    logger,
	}
}

// RegisterProbe adds a named subsystem check
func (h *HealthAggregator) RegisterProbe(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.probes[name]; !exists {
		h.order = append(h.order, name)
	}
	h.probes[name] = probe
}

// Report is the aggregate health snapshot
type Report struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
	Uptime   string            `json:"uptime"`
}

// Check runs all probes and aggregates. Any failing probe degrades the
// overall status; all probes failing makes it unhealthy.
func (h *HealthAggregator) Check(ctx context.Context) Report {
	h.mu.RLock()
	names := append([]string(nil), h.order...)
	probes := make(map[string]Probe, len(h.probes))
	for name, probe := range h.probes {
		probes[name] = probe
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(names))
	for _, name := range names {
		go func(name string, probe Probe) {
			results <- outcome{name: name, err: probe(ctx)}
		}(name, probes[name])
	}

	services := make(map[string]string, len(names))
	failing := 0
	for range names {
		r := <-results
		if r.err != nil {
			services[r.name] = StatusUnhealthy
			failing++
			h.logger.Warn("Health probe failed", map[string]interface{}{
				"service": r.name,
				"error":   r.err.Error(),
			})
		} else {
			services[r.name] = StatusHealthy
		}
	}

	status := StatusHealthy
	switch {
	case len(names) > 0 && failing == len(names):
		status = StatusUnhealthy
	case failing > 0:
		status = StatusDegraded
	}

	return Report{
		Status:   status,
		Services: services,
		Uptime:   time.Since(h.startedAt).Round(time.Second).String(),
	}
}

// Uptime reports time since construction
func (h *HealthAggregator) Uptime() time.Duration {
	return time.Since(h.startedAt)
}
