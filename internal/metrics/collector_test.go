package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollector_WindowAggregates(t *testing.T) {
	c := NewCollector(nil)

	for i := 0; i < 80; i++ {
		c.RecordRequest("/api/orders", 200, 100*time.Millisecond)
	}
	for i := 0; i < 20; i++ {
		c.RecordRequest("/api/orders", 500, 2*time.Second)
	}

	stats := c.Window(time.Minute)
	assert.Equal(t, 100, stats.Count)
	assert.Equal(t, 20, stats.ErrorCount)
	assert.InDelta(t, 0.20, stats.ErrorRate, 0.001)

	// 80% of samples are 100ms, so the median sits there and the p99
	// lands in the slow tail.
	assert.InDelta(t, 100, stats.P50Ms, 1)
	assert.InDelta(t, 2000, stats.P99Ms, 1)
}

func TestCollector_WindowExcludesOldSamples(t *testing.T) {
	c := NewCollector(nil)
	c.RecordRequest("/api/orders", 200, 50*time.Millisecond)

	stats := c.Window(time.Nanosecond)
	assert.Equal(t, 0, stats.Count)
	assert.Equal(t, 0.0, stats.ErrorRate)
}

func TestCollector_ClientErrorsAreNotFailures(t *testing.T) {
	c := NewCollector(nil)
	c.RecordRequest("/api/orders", 400, 10*time.Millisecond)
	c.RecordRequest("/api/orders", 404, 10*time.Millisecond)
	c.RecordRequest("/api/orders", 503, 10*time.Millisecond)

	stats := c.Window(time.Minute)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 1, stats.ErrorCount)
}

func TestCollector_BoundsRouteCardinality(t *testing.T) {
	c := NewCollector(nil)

	for i := 0; i < maxRouteCardinality+50; i++ {
		c.RecordRequest(fmt.Sprintf("/scan/%d", i), 200, time.Millisecond)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The overflow route is itself one entry.
	assert.LessOrEqual(t, len(c.routes), maxRouteCardinality+1)
	assert.True(t, c.routes[overflowRoute])
}

func TestCollector_RingBufferWrapsAround(t *testing.T) {
	c := NewCollector(nil)

	for i := 0; i < sampleCapacity+100; i++ {
		c.RecordRequest("/api/portfolio", 200, time.Millisecond)
	}

	stats := c.Window(time.Hour)
	assert.Equal(t, sampleCapacity, stats.Count)
}
