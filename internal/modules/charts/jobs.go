package charts

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// historyRetention is how long value snapshots stay queryable. Five
// years covers the ALL timeframe at monthly resolution.
const historyRetention = 5 * 365 * 24 * time.Hour

// HistoryCleanupJob prunes portfolio value snapshots past retention.
type HistoryCleanupJob struct {
	history *HistoryRepository
	log     zerolog.Logger

	mu          sync.Mutex
	lastRemoved int64
}

// NewHistoryCleanupJob creates the history retention job.
func NewHistoryCleanupJob(history *HistoryRepository, log zerolog.Logger) *HistoryCleanupJob {
	return &HistoryCleanupJob{
		history: history,
		log:     log.With().Str("task", "cleanup_portfolio_history").Logger(),
	}
}

// Name identifies the job to the scheduler.
func (j *HistoryCleanupJob) Name() string {
	return "cleanup_portfolio_history"
}

// Run deletes snapshots older than the retention window.
func (j *HistoryCleanupJob) Run(ctx context.Context) error {
	removed, err := j.history.DeleteOlderThan(ctx, time.Now().Add(-historyRetention))
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.lastRemoved = removed
	j.mu.Unlock()

	if removed > 0 {
		j.log.Info().Int64("removed", removed).Msg("Portfolio history pruned")
	}
	return nil
}

// Result returns the last run's removal count for the task store.
func (j *HistoryCleanupJob) Result() interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return map[string]int64{"removed": j.lastRemoved}
}
