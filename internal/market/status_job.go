package market

import (
	"context"
	"sync"
	"time"

	"github.com/monetahq/moneta/internal/events"
	"github.com/rs/zerolog"
)

// StatusJob polls the session clock and publishes a market-status event
// whenever the session phase changes. Runs every minute under the
// scheduler; the first run always publishes.
type StatusJob struct {
	clock  *Clock
	events *events.Manager
	log    zerolog.Logger

	mu   sync.Mutex
	last Status
	seen bool
}

// NewStatusJob creates the market status transition publisher.
func NewStatusJob(clock *Clock, eventManager *events.Manager, log zerolog.Logger) *StatusJob {
	return &StatusJob{
		clock:  clock,
		events: eventManager,
		log:    log.With().Str("task", "market_status").Logger(),
	}
}

// Name identifies the job to the scheduler.
func (j *StatusJob) Name() string {
	return "market_status"
}

// Run checks for a session transition and publishes it.
func (j *StatusJob) Run(ctx context.Context) error {
	snap := j.clock.SnapshotAt(time.Now())

	j.mu.Lock()
	changed := !j.seen || snap.Status != j.last
	j.last = snap.Status
	j.seen = true
	j.mu.Unlock()

	if !changed {
		return nil
	}

	j.log.Info().
		Str("status", string(snap.Status)).
		Time("next_open", snap.NextOpen).
		Time("next_close", snap.NextClose).
		Msg("Market session transition")

	j.events.EmitTyped(events.MarketStatusChanged, "market", &events.MarketStatusData{
		Status:    string(snap.Status),
		NextOpen:  snap.NextOpen,
		NextClose: snap.NextClose,
		Timezone:  snap.Timezone,
	})
	return nil
}
