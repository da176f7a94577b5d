// Package metrics provides the in-process observability layer: a
// bounded request-sample collector with quantile aggregation, alert
// rules evaluated on a schedule, deduplicated incidents, and a
// Prometheus mirror of the same counters for external scraping.
package metrics

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// sampleCapacity bounds the request ring buffer. At a steady 50 req/s
// the buffer covers well over the longest rule window.
const sampleCapacity = 8192

// maxRouteCardinality caps distinct route labels; beyond it new routes
// collapse into "other" so a scanner cannot blow up label space.
const maxRouteCardinality = 64

const overflowRoute = "other"

type sample struct {
	at         time.Time
	durationMs float64
	route      string
	status     int
}

// WindowStats aggregates request samples over a trailing window.
type WindowStats struct {
	Count      int     `json:"count"`
	ErrorCount int     `json:"error_count"`
	ErrorRate  float64 `json:"error_rate"`
	P50Ms      float64 `json:"p50_ms"`
	P95Ms      float64 `json:"p95_ms"`
	P99Ms      float64 `json:"p99_ms"`
}

// Collector records request outcomes into a fixed-size ring buffer and
// mirrors them to Prometheus. All methods are safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	samples [sampleCapacity]sample
	next    int
	filled  bool

	routes map[string]bool

	mirror *Mirror
}

// NewCollector creates a collector. The mirror may be nil in tests.
func NewCollector(mirror *Mirror) *Collector {
	return &Collector{
		routes: make(map[string]bool, maxRouteCardinality),
		mirror: mirror,
	}
}

// RecordRequest stores one request outcome.
func (c *Collector) RecordRequest(route string, status int, duration time.Duration) {
	c.mu.Lock()
	if !c.routes[route] {
		if len(c.routes) >= maxRouteCardinality {
			route = overflowRoute
		}
		c.routes[route] = true
	}
	c.samples[c.next] = sample{
		at:         time.Now(),
		durationMs: float64(duration) / float64(time.Millisecond),
		route:      route,
		status:     status,
	}
	c.next++
	if c.next == sampleCapacity {
		c.next = 0
		c.filled = true
	}
	c.mu.Unlock()

	if c.mirror != nil {
		c.mirror.ObserveRequest(route, status, duration)
	}
}

// Window aggregates all samples newer than now-window.
func (c *Collector) Window(window time.Duration) WindowStats {
	cutoff := time.Now().Add(-window)

	c.mu.Lock()
	size := c.next
	if c.filled {
		size = sampleCapacity
	}
	durations := make([]float64, 0, size)
	errors := 0
	for i := 0; i < size; i++ {
		s := c.samples[i]
		if s.at.Before(cutoff) {
			continue
		}
		durations = append(durations, s.durationMs)
		if s.status >= 500 {
			errors++
		}
	}
	c.mu.Unlock()

	stats := WindowStats{Count: len(durations), ErrorCount: errors}
	if len(durations) == 0 {
		return stats
	}

	stats.ErrorRate = float64(errors) / float64(len(durations))

	sort.Float64s(durations)
	stats.P50Ms = stat.Quantile(0.50, stat.Empirical, durations, nil)
	stats.P95Ms = stat.Quantile(0.95, stat.Empirical, durations, nil)
	stats.P99Ms = stat.Quantile(0.99, stat.Empirical, durations, nil)
	return stats
}
