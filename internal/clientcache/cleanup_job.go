package clientcache

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
)

// CleanupJob sweeps expired rows out of every cache table. Scheduled
// daily; the TTLs themselves were chosen by whoever stored each entry.
type CleanupJob struct {
	repo *Repository
	log  zerolog.Logger
}

// NewCleanupJob creates the cache sweep job.
func NewCleanupJob(repo *Repository, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		repo: repo,
		log:  log.With().Str("job", "client_cache_cleanup").Logger(),
	}
}

// Name identifies the job to the scheduler.
func (j *CleanupJob) Name() string {
	return "client_cache_cleanup"
}

// Run deletes expired rows from every table and reports what it freed.
// A sweep that finds nothing stays silent.
func (j *CleanupJob) Run(ctx context.Context) error {
	swept, err := j.repo.DeleteAllExpired()
	if err != nil {
		j.log.Error().Err(err).Msg("Client cache sweep failed")
		return err
	}

	var total int64
	touched := make([]string, 0, len(swept))
	for table, n := range swept {
		total += n
		if n > 0 {
			touched = append(touched, table)
		}
	}
	if total == 0 {
		return nil
	}
	sort.Strings(touched)

	evt := j.log.Info().Int64("total_deleted", total)
	for _, table := range touched {
		evt = evt.Int64(table, swept[table])
	}
	evt.Msg("Client cache sweep completed")
	return nil
}
