package mcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// historyCapacity is the size of the execution-history ring
const historyCapacity = 1000

// Health thresholds for the derived router status
const (
	unhealthyErrorRate = 0.50
	degradedErrorRate  = 0.20
	slowAverageExec    = 10 * time.Second
	perToolSampleFloor = 5
)

// ExecutionRecord is one entry of the execution history
type ExecutionRecord struct {
	ToolName     string                 `json:"toolName"`
	StartTime    time.Time              `json:"startTime"`
	EndTime      time.Time              `json:"endTime"`
	Duration     time.Duration          `json:"duration"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
}

// toolAggregate accumulates per-tool statistics
type toolAggregate struct {
	calls         int64
	errors        int64
	totalDuration time.Duration
	minDuration   time.Duration
	maxDuration   time.Duration
	lastCalled    time.Time
	lastErrorAt   time.Time
	lastError     string
}

// Recorder keeps the execution-history ring and per-tool aggregates and
// derives the router health status from them.
type Recorder struct {
	mu         sync.Mutex
	history    []ExecutionRecord
	next       int
	filled     bool
	aggregates map[string]*toolAggregate
	startedAt  time.Time

	metrics observability.MetricsClient
}

// NewRecorder creates an empty execution recorder
func NewRecorder(metrics observability.MetricsClient) *Recorder {
	return &Recorder{
		history:    make([]ExecutionRecord, historyCapacity),
		aggregates: make(map[string]*toolAggregate),
		startedAt:  time.Now(),
		metrics:    metrics,
	}
}

// Record appends one execution to the ring and updates the aggregates
func (r *Recorder) Record(record ExecutionRecord) {
	r.mu.Lock()
	r.history[r.next] = record
	r.next++
	if r.next == historyCapacity {
		r.next = 0
		r.filled = true
	}

	agg, ok := r.aggregates[record.ToolName]
	if !ok {
		agg = &toolAggregate{minDuration: record.Duration}
		r.aggregates[record.ToolName] = agg
	}
	agg.calls++
	if !record.Success {
		agg.errors++
		agg.lastErrorAt = record.EndTime
		agg.lastError = record.ErrorMessage
	}
	agg.totalDuration += record.Duration
	if record.Duration < agg.minDuration || agg.calls == 1 {
		agg.minDuration = record.Duration
	}
	if record.Duration > agg.maxDuration {
		agg.maxDuration = record.Duration
	}
	agg.lastCalled = record.EndTime
	r.mu.Unlock()

	if r.metrics != nil {
		status := "success"
		if !record.Success {
			status = "error"
		}
		r.metrics.IncrementCounterWithLabels("mcp_tool_executions", 1.0, map[string]string{
			"tool":   record.ToolName,
			"status": status,
		})
		r.metrics.RecordHistogram("mcp_tool_duration_seconds", record.Duration.Seconds(), map[string]string{
			"tool": record.ToolName,
		})
	}
}

// History returns the most recent executions, newest first, capped at
// limit (or the full ring when limit <= 0).
func (r *Recorder) History(limit int) []ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.filled {
		size = historyCapacity
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]ExecutionRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + historyCapacity) % historyCapacity
		out = append(out, r.history[idx])
	}
	return out
}

// ToolMetrics is the per-tool aggregate exposed on /mcp/metrics.
// executionCount is always successCount + errorCount.
type ToolMetrics struct {
	ExecutionCount       int64      `json:"executionCount"`
	TotalExecutionTime   string     `json:"totalExecutionTime"`
	AverageExecutionTime string     `json:"averageExecutionTime"`
	ErrorCount           int64      `json:"errorCount"`
	SuccessCount         int64      `json:"successCount"`
	LastExecutionTime    *time.Time `json:"lastExecutionTime,omitempty"`
	LastErrorTime        *time.Time `json:"lastErrorTime,omitempty"`
	LastErrorMessage     string     `json:"lastErrorMessage,omitempty"`
}

// Metrics returns the aggregate view over all tools
func (r *Recorder) Metrics() map[string]ToolMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ToolMetrics, len(r.aggregates))
	for name, agg := range r.aggregates {
		m := ToolMetrics{
			ExecutionCount:       agg.calls,
			TotalExecutionTime:   agg.totalDuration.String(),
			AverageExecutionTime: avgDuration(agg).String(),
			ErrorCount:           agg.errors,
			SuccessCount:         agg.calls - agg.errors,
			LastErrorMessage:     agg.lastError,
		}
		if !agg.lastCalled.IsZero() {
			last := agg.lastCalled
			m.LastExecutionTime = &last
		}
		if !agg.lastErrorAt.IsZero() {
			last := agg.lastErrorAt
			m.LastErrorTime = &last
		}
		out[name] = m
	}
	return out
}

// HealthStatus is the derived router health
type HealthStatus struct {
	Status           string   `json:"status"`
	TotalExecutions  int64    `json:"totalExecutions"`
	OverallErrorRate float64  `json:"overallErrorRate"`
	AverageExecution string   `json:"averageExecution"`
	Concerns         []string `json:"concerns,omitempty"`
	Uptime           string   `json:"uptime"`
}

// Health derives the router status from the aggregates. The router is
// unhealthy above a 50% overall error rate; degraded above 20%, when any
// exercised tool fails more than half its calls, or when the average
// execution exceeds ten seconds.
func (r *Recorder) Health() HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var totalCalls, totalErrors int64
	var totalDuration time.Duration
	var concerns []string

	for name, agg := range r.aggregates {
		totalCalls += agg.calls
		totalErrors += agg.errors
		totalDuration += agg.totalDuration
		if agg.calls > perToolSampleFloor && errorRate(agg.errors, agg.calls) > unhealthyErrorRate {
			concerns = append(concerns, fmt.Sprintf("tool %s failing more than half its calls", name))
		}
	}

	overall := errorRate(totalErrors, totalCalls)
	var average time.Duration
	if totalCalls > 0 {
		average = totalDuration / time.Duration(totalCalls)
	}

	status := "healthy"
	switch {
	case totalCalls > 0 && overall > unhealthyErrorRate:
		status = "unhealthy"
		concerns = append(concerns, "overall error rate above 50%")
	case totalCalls > 0 && overall > degradedErrorRate:
		status = "degraded"
		concerns = append(concerns, "overall error rate above 20%")
	case len(concerns) > 0:
		status = "degraded"
	case average > slowAverageExec:
		status = "degraded"
		concerns = append(concerns, "average execution time above 10s")
	}

	return HealthStatus{
		Status:           status,
		TotalExecutions:  totalCalls,
		OverallErrorRate: overall,
		AverageExecution: average.String(),
		Concerns:         concerns,
		Uptime:           time.Since(r.startedAt).Round(time.Second).String(),
	}
}

// ToolPerformance is one entry of the /mcp/performance report
type ToolPerformance struct {
	ToolName        string  `json:"toolName"`
	Calls           int64   `json:"calls"`
	AverageDuration string  `json:"averageDuration"`
	MaxDuration     string  `json:"maxDuration"`
	ErrorRate       float64 `json:"errorRate"`
	Recommendation  string  `json:"recommendation,omitempty"`
}

// Performance reports per-tool durations with tuning recommendations
func (r *Recorder) Performance() []ToolPerformance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ToolPerformance, 0, len(r.aggregates))
	for name, agg := range r.aggregates {
		avg := avgDuration(agg)
		entry := ToolPerformance{
			ToolName:        name,
			Calls:           agg.calls,
			AverageDuration: avg.String(),
			MaxDuration:     agg.maxDuration.String(),
			ErrorRate:       errorRate(agg.errors, agg.calls),
		}
		switch {
		case entry.ErrorRate > degradedErrorRate && agg.calls > perToolSampleFloor:
			entry.Recommendation = "investigate failures; error rate is above 20%"
		case avg > slowAverageExec:
			entry.Recommendation = "average execution above 10s; consider a timeout or caching"
		case agg.maxDuration > 2*slowAverageExec:
			entry.Recommendation = "worst-case execution is very slow; check for unbounded inputs"
		}
		out = append(out, entry)
	}
	return out
}

// Stats returns a compact summary for the /mcp/stats endpoint
func (r *Recorder) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	var totalCalls, totalErrors int64
	for _, agg := range r.aggregates {
		totalCalls += agg.calls
		totalErrors += agg.errors
	}
	historySize := r.next
	if r.filled {
		historySize = historyCapacity
	}

	return map[string]interface{}{
		"totalExecutions": totalCalls,
		"totalErrors":     totalErrors,
		"toolsExercised":  len(r.aggregates),
		"historySize":     historySize,
		"historyCapacity": historyCapacity,
		"uptime":          time.Since(r.startedAt).Round(time.Second).String(),
	}
}

func errorRate(errors, calls int64) float64 {
	if calls == 0 {
		return 0
	}
	return float64(errors) / float64(calls)
}

func avgDuration(agg *toolAggregate) time.Duration {
	if agg.calls == 0 {
		return 0
	}
	return agg.totalDuration / time.Duration(agg.calls)
}
