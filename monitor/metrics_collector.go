package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/bridge"
)

const maxSamples = 1000

// SimpleMetricsCollector implements bridge.MetricsCollector in memory
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	startedAt  time.Time
	dispatched int64

	// Outcome counters and latency by outcome name
	outcomes map[string]*TimeStats

	// Unmatched reply counters by action (requeued, discarded)
	unmatched map[string]int64
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64 // ring of the most recent samples
	next    int
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	return &SimpleMetricsCollector{
		startedAt: time.Now(),
		outcomes:  make(map[string]*TimeStats),
		unmatched: make(map[string]int64),
	}
}

// IncrementDispatched implements bridge.MetricsCollector
func (c *SimpleMetricsCollector) IncrementDispatched() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatched++
}

// RecordOutcome implements bridge.MetricsCollector
func (c *SimpleMetricsCollector) RecordOutcome(outcome string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := latency.Milliseconds()
	stats, exists := c.outcomes[outcome]
	if !exists {
		stats = &TimeStats{
			MinMs:   ms,
			MaxMs:   ms,
			samples: make([]int64, 0, 64),
		}
		c.outcomes[outcome] = stats
	}

	stats.Count++
	stats.TotalMs += ms
	if ms < stats.MinMs {
		stats.MinMs = ms
	}
	if ms > stats.MaxMs {
		stats.MaxMs = ms
	}

	if len(stats.samples) < maxSamples {
		stats.samples = append(stats.samples, ms)
		return
	}
	stats.samples[stats.next] = ms
	stats.next = (stats.next + 1) % maxSamples
}

// IncrementUnmatched implements bridge.MetricsCollector
func (c *SimpleMetricsCollector) IncrementUnmatched(action string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmatched[action]++
}

// GetMetricsSummary returns a snapshot of all collected metrics
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		Dispatched:    c.dispatched,
		Outcomes:      make(map[string]OutcomeStats, len(c.outcomes)),
		Unmatched:     make(map[string]int64, len(c.unmatched)),
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
	}

	var resolved int64
	for name, stats := range c.outcomes {
		resolved += stats.Count
		out := OutcomeStats{
			Count: stats.Count,
			MinMs: stats.MinMs,
			MaxMs: stats.MaxMs,
		}
		if stats.Count > 0 {
			out.AvgMs = stats.TotalMs / stats.Count
		}
		if len(stats.samples) > 0 {
			sorted := make([]int64, len(stats.samples))
			copy(sorted, stats.samples)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			out.P50Ms = percentile(sorted, 0.50)
			out.P95Ms = percentile(sorted, 0.95)
			out.P99Ms = percentile(sorted, 0.99)
		}
		summary.Outcomes[name] = out
	}
	for action, count := range c.unmatched {
		summary.Unmatched[action] = count
	}

	summary.InFlight = c.dispatched - resolved
	if summary.InFlight < 0 {
		summary.InFlight = 0
	}
	return summary
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startedAt = time.Now()
	c.dispatched = 0
	c.outcomes = make(map[string]*TimeStats)
	c.unmatched = make(map[string]int64)
}

// percentile picks the nearest-rank value from sorted samples: the
// smallest sample with at least p of all samples at or below it
func percentile(sorted []int64, p float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	// the epsilon keeps p*n = 19.000000000000004 from ranking as 20
	rank := int(math.Ceil(p*float64(n) - 1e-9))
	switch {
	case rank < 1:
		rank = 1
	case rank > n:
		rank = n
	}
	return sorted[rank-1]
}

// MetricsSummary represents a snapshot of all metrics
type MetricsSummary struct {
	Dispatched    int64                   `json:"dispatched"`
	InFlight      int64                   `json:"in_flight"`
	Outcomes      map[string]OutcomeStats `json:"outcomes"`
	Unmatched     map[string]int64        `json:"unmatched"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
}

// OutcomeStats represents latency statistics for one request outcome
type OutcomeStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

var _ bridge.MetricsCollector = (*SimpleMetricsCollector)(nil)
