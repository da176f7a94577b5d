package portfolio

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ReconcileAllJob is the nightly full sync across every linked account.
type ReconcileAllJob struct {
	syncer *SyncService
	log    zerolog.Logger

	mu         sync.Mutex
	lastSynced int
}

// NewReconcileAllJob creates the nightly account reconcile job.
func NewReconcileAllJob(syncService *SyncService, log zerolog.Logger) *ReconcileAllJob {
	return &ReconcileAllJob{
		syncer: syncService,
		log:    log.With().Str("task", "reconcile_all_accounts").Logger(),
	}
}

// Name identifies the job to the scheduler.
func (j *ReconcileAllJob) Name() string {
	return "reconcile_all_accounts"
}

// Run syncs every syncable account, user by user.
func (j *ReconcileAllJob) Run(ctx context.Context) error {
	synced, err := j.syncer.SyncAll(ctx)

	j.mu.Lock()
	j.lastSynced = synced
	j.mu.Unlock()

	if err != nil {
		return err
	}
	j.log.Info().Int("accounts_synced", synced).Msg("Full account reconcile finished")
	return nil
}

// Result returns the last run's synced-account count for the task store.
func (j *ReconcileAllJob) Result() interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return map[string]int{"accounts_synced": j.lastSynced}
}

// UserSyncJob is one on-demand sync pass for a single user, submitted
// through the scheduler so the caller gets a pollable task id. The job
// name embeds the user id, which makes the runner's in-flight dedup
// coalesce repeated requests for the same user.
type UserSyncJob struct {
	syncer *SyncService
	userID string

	mu         sync.Mutex
	lastReport *UserSyncReport
}

// NewUserSyncJob creates an on-demand sync job for the user.
func NewUserSyncJob(syncService *SyncService, userID string) *UserSyncJob {
	return &UserSyncJob{syncer: syncService, userID: userID}
}

// Name identifies the job to the scheduler.
func (j *UserSyncJob) Name() string {
	return "sync_user_" + j.userID
}

// Run syncs every syncable account the user has.
func (j *UserSyncJob) Run(ctx context.Context) error {
	report, err := j.syncer.SyncUser(ctx, j.userID)
	if report != nil {
		j.mu.Lock()
		j.lastReport = report
		j.mu.Unlock()
	}
	return err
}

// Result returns the per-account sync report for the task store.
func (j *UserSyncJob) Result() interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastReport == nil {
		return nil
	}
	return j.lastReport
}
