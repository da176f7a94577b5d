package reliability

import (
	"context"

	"github.com/rs/zerolog"
)

// CloudBackupJob is the nightly scheduler task that ships a backup
// archive to object storage and rotates old ones.
type CloudBackupJob struct {
	service      *CloudBackupService
	retainDaily  int
	retainWeekly int
	log          zerolog.Logger
}

// NewCloudBackupJob creates a new cloud backup job
func NewCloudBackupJob(service *CloudBackupService, retainDaily, retainWeekly int, log zerolog.Logger) *CloudBackupJob {
	return &CloudBackupJob{
		service:      service,
		retainDaily:  retainDaily,
		retainWeekly: retainWeekly,
		log:          log.With().Str("task", "cloud_backup").Logger(),
	}
}

// Name returns the task name for the scheduler.
func (j *CloudBackupJob) Name() string {
	return "cloud_backup"
}

// Run creates and uploads a backup, then rotates expired archives.
// Rotation failure is logged but does not fail the run; the upload
// already succeeded.
func (j *CloudBackupJob) Run(ctx context.Context) error {
	if err := j.service.CreateAndUploadBackup(ctx); err != nil {
		return err
	}

	if err := j.service.RotateOldBackups(ctx, j.retainDaily, j.retainWeekly); err != nil {
		j.log.Error().Err(err).Msg("Backup rotation failed")
	}

	return nil
}
