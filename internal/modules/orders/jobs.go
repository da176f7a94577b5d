package orders

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/market"
)

// staleOrderWindow is how long an open order may go without an update
// before the sweep polls the broker for it.
const staleOrderWindow = 2 * time.Minute

// reconcileBatchLimit caps orders per sweep so one run stays bounded.
const reconcileBatchLimit = 200

// ReconcileJob is the scheduled sweep over stale non-terminal orders. It
// picks up fills the stream missed and adopts or re-submits orders whose
// original submission never came back.
type ReconcileJob struct {
	service *Service
	log     zerolog.Logger

	mu         sync.Mutex
	lastResult *ReconcileSummary
}

// NewReconcileJob creates the order reconcile sweep job.
func NewReconcileJob(service *Service, log zerolog.Logger) *ReconcileJob {
	return &ReconcileJob{
		service: service,
		log:     log.With().Str("task", "reconcile_orders").Logger(),
	}
}

// Name identifies the job to the scheduler.
func (j *ReconcileJob) Name() string {
	return "reconcile_orders"
}

// Run reconciles every stale open order once.
func (j *ReconcileJob) Run(ctx context.Context) error {
	summary, err := j.service.ReconcileStale(ctx, staleOrderWindow, reconcileBatchLimit)
	if summary != nil {
		j.mu.Lock()
		j.lastResult = summary
		j.mu.Unlock()

		j.log.Info().
			Int("checked", summary.Checked).
			Int("updated", summary.Updated).
			Int("adopted", summary.Adopted).
			Int("failed", summary.Failed).
			Msg("Order reconcile sweep finished")
	}
	return err
}

// Result returns the last sweep summary for the task store.
func (j *ReconcileJob) Result() interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastResult == nil {
		return nil
	}
	return j.lastResult
}

// ExpiryJob expires open DAY orders once the trading session has closed.
// Scheduled just after both the regular and the early close; runs that
// land while the market is still open are skipped.
type ExpiryJob struct {
	service *Service
	clock   *market.Clock
	log     zerolog.Logger

	mu         sync.Mutex
	lastResult *ReconcileSummary
}

// NewExpiryJob creates the day-order expiry job.
func NewExpiryJob(service *Service, clock *market.Clock, log zerolog.Logger) *ExpiryJob {
	return &ExpiryJob{
		service: service,
		clock:   clock,
		log:     log.With().Str("task", "expire_day_orders").Logger(),
	}
}

// Name identifies the job to the scheduler.
func (j *ExpiryJob) Name() string {
	return "expire_day_orders"
}

// Run expires open DAY orders when the session is closed.
func (j *ExpiryJob) Run(ctx context.Context) error {
	now := time.Now()
	if j.clock.IsOpen(now) {
		j.log.Debug().Msg("Market still open; day order expiry skipped")
		return nil
	}

	summary, err := j.service.ExpireDayOrders(ctx)
	if summary != nil {
		j.mu.Lock()
		j.lastResult = summary
		j.mu.Unlock()

		if summary.Checked > 0 {
			j.log.Info().
				Int("checked", summary.Checked).
				Int("expired", summary.Expired).
				Int("failed", summary.Failed).
				Msg("Day order expiry finished")
		}
	}
	return err
}

// Result returns the last expiry summary for the task store.
func (j *ExpiryJob) Result() interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastResult == nil {
		return nil
	}
	return j.lastResult
}
