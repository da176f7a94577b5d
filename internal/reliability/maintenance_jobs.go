package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/database"
)

// Disk thresholds for the daily space check. Below the floor the job
// fails loudly so operators intervene before SQLite starts erroring
// mid-write.
const (
	diskFloorGB = 0.5
	diskWarnGB  = 2.0
)

// DailyMaintenanceJob keeps the stores healthy: a full integrity pass,
// WAL checkpoints, a disk space guard, and size logging for growth
// tracking. Scheduled for 02:00, ahead of the backup window.
type DailyMaintenanceJob struct {
	databases map[string]*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewDailyMaintenanceJob creates a new daily maintenance job
func NewDailyMaintenanceJob(
	databases map[string]*database.DB,
	dataDir string,
	log zerolog.Logger,
) *DailyMaintenanceJob {
	return &DailyMaintenanceJob{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("task", "daily_maintenance").Logger(),
	}
}

// Name returns the task name for the scheduler.
func (j *DailyMaintenanceJob) Name() string {
	return "daily_maintenance"
}

// Run executes the daily maintenance pass.
func (j *DailyMaintenanceJob) Run(ctx context.Context) error {
	start := time.Now()
	j.log.Info().Msg("Starting daily maintenance")

	for name, db := range j.databases {
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("Integrity check failed")
			return fmt.Errorf("integrity check failed for %s: %w", name, err)
		}
		// Checkpoint failures are tolerable; autocheckpoint still runs.
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	if err := j.guardDiskSpace(); err != nil {
		return err
	}
	j.reportSizes()

	j.log.Info().
		Dur("duration_ms", time.Since(start)).
		Msg("Daily maintenance completed")
	return nil
}

// guardDiskSpace fails the run when free space under the data directory
// falls below the floor. SQLite handles a full disk badly, so the
// condition surfaces here while writes still succeed.
func (j *DailyMaintenanceJob) guardDiskSpace() error {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(j.dataDir, &fs); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	freeGB := float64(fs.Bavail) * float64(fs.Bsize) / 1e9
	switch {
	case freeGB < diskFloorGB:
		j.log.Error().Float64("available_gb", freeGB).Msg("Insufficient disk space")
		return fmt.Errorf("only %.2f GB free, refusing to continue", freeGB)
	case freeGB < diskWarnGB:
		j.log.Warn().Float64("available_gb", freeGB).Msg("Disk space running low")
	default:
		j.log.Debug().Float64("available_gb", freeGB).Msg("Disk space check passed")
	}
	return nil
}

// reportSizes logs per-store file sizes so growth shows up in the logs
// long before it shows up as a problem.
func (j *DailyMaintenanceJob) reportSizes() {
	for name, db := range j.databases {
		stats, err := db.GetStats()
		if err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("Failed to read store stats")
			continue
		}
		j.log.Info().
			Str("database", name).
			Int64("size_bytes", stats.SizeBytes).
			Int64("wal_size_bytes", stats.WALSizeBytes).
			Int64("freelist_pages", stats.FreelistCount).
			Msg("Store size")
	}
}

// WeeklyMaintenanceJob reclaims space from the mutable stores with a
// full VACUUM. The canonical money store is append-heavy and opened
// with auto_vacuum off, so it is exempt. Scheduled for Sunday 04:00.
type WeeklyMaintenanceJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewWeeklyMaintenanceJob creates a new weekly maintenance job
func NewWeeklyMaintenanceJob(databases map[string]*database.DB, log zerolog.Logger) *WeeklyMaintenanceJob {
	return &WeeklyMaintenanceJob{
		databases: databases,
		log:       log.With().Str("task", "weekly_maintenance").Logger(),
	}
}

// Name returns the task name for the scheduler.
func (j *WeeklyMaintenanceJob) Name() string {
	return "weekly_maintenance"
}

// Run executes the weekly maintenance pass.
func (j *WeeklyMaintenanceJob) Run(ctx context.Context) error {
	start := time.Now()
	j.log.Info().Msg("Starting weekly maintenance")

	for name, db := range j.databases {
		if db.Profile() == database.ProfileLedger {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.reclaim(db, name); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("VACUUM failed")
			// Keep going; one noisy store must not block the others.
		}
	}

	j.log.Info().
		Dur("duration_ms", time.Since(start)).
		Msg("Weekly maintenance completed")
	return nil
}

// reclaim vacuums one store and logs how much the file shrank.
func (j *WeeklyMaintenanceJob) reclaim(db *database.DB, name string) error {
	before, err := db.GetStats()
	if err != nil {
		return fmt.Errorf("failed to get stats before vacuum: %w", err)
	}
	if err := db.Vacuum(); err != nil {
		return err
	}
	after, err := db.GetStats()
	if err != nil {
		return fmt.Errorf("failed to get stats after vacuum: %w", err)
	}

	j.log.Info().
		Str("database", name).
		Int64("size_before_bytes", before.SizeBytes).
		Int64("reclaimed_bytes", before.SizeBytes-after.SizeBytes).
		Msg("VACUUM completed")
	return nil
}
