package scheduler

import (
	"context"
	"time"

	"github.com/monetahq/moneta/internal/metrics"
	"github.com/rs/zerolog"
)

// Retention windows. Task results must stay queryable for at least a
// day after finishing; resolved incidents keep a month of history.
const (
	taskRunRetention  = 48 * time.Hour
	incidentRetention = 30 * 24 * time.Hour
)

// HistoryCleanupJob prunes finished task runs and resolved incidents
// from the operational store.
type HistoryCleanupJob struct {
	store     *TaskStore
	incidents *metrics.IncidentRepository
	log       zerolog.Logger
}

// NewHistoryCleanupJob creates the operational-store cleanup job.
func NewHistoryCleanupJob(store *TaskStore, incidents *metrics.IncidentRepository, log zerolog.Logger) *HistoryCleanupJob {
	return &HistoryCleanupJob{
		store:     store,
		incidents: incidents,
		log:       log.With().Str("task", "cleanup_task_history").Logger(),
	}
}

// Name identifies the job to the scheduler.
func (j *HistoryCleanupJob) Name() string {
	return "cleanup_task_history"
}

// Run prunes both tables. A failure in one does not stop the other.
func (j *HistoryCleanupJob) Run(ctx context.Context) error {
	runs, err := j.store.PruneFinished(taskRunRetention)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to prune task runs")
		return err
	}

	incidents, err := j.incidents.PruneResolved(incidentRetention)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to prune incidents")
		return err
	}

	if runs > 0 || incidents > 0 {
		j.log.Info().
			Int64("task_runs", runs).
			Int64("incidents", incidents).
			Msg("Pruned operational history")
	}
	return nil
}
