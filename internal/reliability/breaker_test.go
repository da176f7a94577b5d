package reliability

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBreakerRegistry_For tests get-or-create semantics
func TestBreakerRegistry_For(t *testing.T) {
	registry := NewBreakerRegistry(zerolog.Nop())

	broker := registry.For("broker")
	custodian := registry.For("custodian:plaid")

	assert.Same(t, broker, registry.For("broker"))
	assert.NotSame(t, broker, custodian)
	assert.Equal(t, "closed", broker.State())
}

// TestTargetBreaker_OpensAfterConsecutiveFailures tests the failure
// threshold and the fast-fail behavior while open
func TestTargetBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	registry := NewBreakerRegistry(zerolog.Nop())
	tb := registry.For("broker")
	executor := failsafe.With[*http.Response](tb.Policy())

	boom := errors.New("connection refused")
	for i := 0; i < breakerFailureThreshold; i++ {
		_, err := executor.Get(func() (*http.Response, error) {
			return nil, boom
		})
		require.Error(t, err)
	}

	assert.Equal(t, "open", tb.State())

	// Calls now fail fast without reaching the target.
	called := false
	_, err := executor.Get(func() (*http.Response, error) {
		called = true
		return nil, boom
	})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, called)

	snapshot := tb.Snapshot()
	assert.Equal(t, "broker", snapshot.Name)
	assert.Equal(t, "open", snapshot.State)
	assert.Equal(t, int32(1), snapshot.ConsecutiveOpens)
}

// TestTargetBreaker_ServerErrorsCountAsFailures tests that 5xx responses
// trip the breaker without transport errors
func TestTargetBreaker_ServerErrorsCountAsFailures(t *testing.T) {
	registry := NewBreakerRegistry(zerolog.Nop())
	tb := registry.For("custodian:plaid")
	executor := failsafe.With[*http.Response](tb.Policy())

	for i := 0; i < breakerFailureThreshold; i++ {
		resp, err := executor.Get(func() (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusBadGateway}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}

	assert.Equal(t, "open", tb.State())
}

// TestTargetBreaker_CooldownDoubles tests the doubling schedule with cap
// and reset
func TestTargetBreaker_CooldownDoubles(t *testing.T) {
	tb := newTargetBreaker("broker", func(string, bool) {}, zerolog.Nop())

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		10 * time.Minute,
		10 * time.Minute,
	}
	for i, expected := range want {
		assert.Equal(t, expected, tb.nextCooldown(), "open #%d", i+1)
	}

	// A close resets the schedule.
	tb.opens.Store(0)
	assert.Equal(t, 30*time.Second, tb.nextCooldown())
}

// TestBreakerRegistry_StateListener tests that open and close transitions
// reach the registered listener with the target name
func TestBreakerRegistry_StateListener(t *testing.T) {
	registry := NewBreakerRegistry(zerolog.Nop())

	var mu sync.Mutex
	var seen []string
	registry.SetStateListener(func(target string, open bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%s open=%v", target, open))
	})

	tb := registry.For("custodian:plaid")
	executor := failsafe.With[*http.Response](tb.Policy())
	for i := 0; i < breakerFailureThreshold; i++ {
		_, _ = executor.Get(func() (*http.Response, error) {
			return nil, errors.New("connection refused")
		})
	}
	tb.Policy().Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"custodian:plaid open=true",
		"custodian:plaid open=false",
	}, seen)
}

// TestBreakerRegistry_Snapshots tests stable ordering
func TestBreakerRegistry_Snapshots(t *testing.T) {
	registry := NewBreakerRegistry(zerolog.Nop())
	registry.For("fx")
	registry.For("broker")
	registry.For("custodian:plaid")

	snapshots := registry.Snapshots()
	require.Len(t, snapshots, 3)
	assert.Equal(t, "broker", snapshots[0].Name)
	assert.Equal(t, "custodian:plaid", snapshots[1].Name)
	assert.Equal(t, "fx", snapshots[2].Name)
}
