package reliability

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/rs/zerolog"
)

// Breaker cooldown schedule: 30s on the first open, doubling on every
// consecutive re-open (a failed half-open probe), capped at 10 minutes.
// A successful probe closes the breaker and resets the schedule.
const (
	breakerInitialCooldown = 30 * time.Second
	breakerMaxCooldown     = 10 * time.Minute
)

// Failure threshold: the breaker opens when 5 of the last 10 calls fail.
const (
	breakerFailureThreshold   = 5
	breakerThresholdingWindow = 10
)

// TargetBreaker wraps one circuit breaker guarding a single outbound
// target (broker, custodian, FX provider).
type TargetBreaker struct {
	name   string
	cb     circuitbreaker.CircuitBreaker[*http.Response]
	opens  atomic.Int32 // consecutive opens since the last close
	notify func(target string, open bool)
	log    zerolog.Logger
}

func newTargetBreaker(name string, notify func(target string, open bool), log zerolog.Logger) *TargetBreaker {
	tb := &TargetBreaker{
		name:   name,
		notify: notify,
		log:    log.With().Str("breaker", name).Logger(),
	}

	tb.cb = circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				// A caller abort says nothing about the target's health.
				return !errors.Is(err, context.Canceled)
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(breakerFailureThreshold, breakerThresholdingWindow).
		WithDelayFunc(func(exec failsafe.ExecutionAttempt[*http.Response]) time.Duration {
			return tb.nextCooldown()
		}).
		OnOpen(func(e circuitbreaker.StateChangedEvent) {
			tb.log.Error().
				Int32("consecutive_opens", tb.opens.Load()).
				Msg("Circuit breaker opened")
			tb.notify(tb.name, true)
		}).
		OnHalfOpen(func(e circuitbreaker.StateChangedEvent) {
			// Still counts as open until the probe succeeds.
			tb.log.Info().Msg("Circuit breaker half-open, probing target")
		}).
		OnClose(func(e circuitbreaker.StateChangedEvent) {
			tb.opens.Store(0)
			tb.log.Info().Msg("Circuit breaker closed")
			tb.notify(tb.name, false)
		}).
		Build()

	return tb
}

// nextCooldown advances the doubling schedule. It runs once per open
// transition, when the breaker computes its remaining delay.
func (tb *TargetBreaker) nextCooldown() time.Duration {
	n := tb.opens.Add(1)
	if n >= 6 {
		return breakerMaxCooldown
	}
	d := breakerInitialCooldown << uint(n-1)
	if d > breakerMaxCooldown {
		d = breakerMaxCooldown
	}
	return d
}

// Policy exposes the underlying breaker for composing failsafe executors.
func (tb *TargetBreaker) Policy() circuitbreaker.CircuitBreaker[*http.Response] {
	return tb.cb
}

// Name returns the target name.
func (tb *TargetBreaker) Name() string {
	return tb.name
}

// State returns the breaker state as a lowercase string.
func (tb *TargetBreaker) State() string {
	switch tb.cb.State() {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerSnapshot is a point-in-time view of one breaker for health
// reporting.
type BreakerSnapshot struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	ConsecutiveOpens int32  `json:"consecutive_opens"`
}

// Snapshot captures the breaker's current state.
func (tb *TargetBreaker) Snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		Name:             tb.name,
		State:            tb.State(),
		ConsecutiveOpens: tb.opens.Load(),
	}
}

// BreakerRegistry creates and tracks one breaker per outbound target so
// health checks can report all of them.
type BreakerRegistry struct {
	mu       sync.Mutex
	log      zerolog.Logger
	breakers map[string]*TargetBreaker
	onState  func(target string, open bool)
}

// NewBreakerRegistry creates an empty breaker registry.
func NewBreakerRegistry(log zerolog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		log:      log,
		breakers: make(map[string]*TargetBreaker),
	}
}

// SetStateListener registers a callback invoked whenever any breaker in
// the registry opens or closes. The listener is read at transition time,
// so it may be installed after breakers exist.
func (r *BreakerRegistry) SetStateListener(fn func(target string, open bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = fn
}

func (r *BreakerRegistry) notifyState(target string, open bool) {
	r.mu.Lock()
	fn := r.onState
	r.mu.Unlock()
	if fn != nil {
		fn(target, open)
	}
}

// For returns the breaker for the named target, creating it on first use.
func (r *BreakerRegistry) For(target string) *TargetBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tb, ok := r.breakers[target]; ok {
		return tb
	}
	tb := newTargetBreaker(target, r.notifyState, r.log)
	r.breakers[target] = tb
	return tb
}

// Snapshots returns the state of every registered breaker, sorted by name.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, tb := range r.breakers {
		out = append(out, tb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
