package scheduler

import (
	"testing"
	"time"

	testhelpers "github.com/monetahq/moneta/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *TaskStore {
	t.Helper()
	conn, cleanup := testhelpers.NewTestConn(t, "operational")
	t.Cleanup(cleanup)
	return NewTaskStore(conn, zerolog.Nop())
}

func TestTaskStore_CreateStartsQueued(t *testing.T) {
	store := newTestStore(t)

	run, err := store.Create("reconcile_all_accounts")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, TaskStateQueued, run.State)

	loaded, err := store.Get(run.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "reconcile_all_accounts", loaded.Name)
	assert.Equal(t, TaskStateQueued, loaded.State)
	assert.Nil(t, loaded.StartedAt)
	assert.Nil(t, loaded.FinishedAt)
	assert.False(t, loaded.QueuedAt.IsZero())
}

func TestTaskStore_LifecycleToSuccessWithResult(t *testing.T) {
	store := newTestStore(t)

	run, err := store.Create("refresh_market_data")
	require.NoError(t, err)

	require.NoError(t, store.MarkRunning(run.ID))
	mid, err := store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateRunning, mid.State)
	require.NotNil(t, mid.StartedAt)
	assert.Nil(t, mid.FinishedAt)

	result := map[string]interface{}{"symbols": 4, "repriced": true}
	require.NoError(t, store.MarkSucceeded(run.ID, result))

	done, err := store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateSucceeded, done.State)
	require.NotNil(t, done.FinishedAt)

	decoded, err := done.ResultMap()
	require.NoError(t, err)
	assert.EqualValues(t, 4, decoded["symbols"])
	assert.Equal(t, true, decoded["repriced"])
}

func TestTaskStore_SucceededWithoutResultDecodesEmpty(t *testing.T) {
	store := newTestStore(t)

	run, err := store.Create("daily_maintenance")
	require.NoError(t, err)
	require.NoError(t, store.MarkSucceeded(run.ID, nil))

	done, err := store.Get(run.ID)
	require.NoError(t, err)

	decoded, err := done.ResultMap()
	require.NoError(t, err)
	assert.Nil(t, decoded)

	var out map[string]interface{}
	ok, err := done.DecodeResult(&out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskStore_MarkFailedRecordsError(t *testing.T) {
	store := newTestStore(t)

	run, err := store.Create("expire_day_orders")
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(run.ID))
	require.NoError(t, store.MarkFailed(run.ID, "broker unavailable"))

	failed, err := store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateFailed, failed.State)
	assert.Equal(t, "broker unavailable", failed.LastError)
	require.NotNil(t, failed.FinishedAt)
}

func TestTaskStore_MarkCancelledRecordsReason(t *testing.T) {
	store := newTestStore(t)

	run, err := store.Create("sync_user_shed")
	require.NoError(t, err)
	require.NoError(t, store.MarkCancelled(run.ID, "worker queue full"))

	cancelled, err := store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateCancelled, cancelled.State)
	assert.Equal(t, "worker queue full", cancelled.LastError)
}

func TestTaskStore_GetUnknownReturnsNilNil(t *testing.T) {
	store := newTestStore(t)

	run, err := store.Get("no-such-task")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestTaskStore_FindRunningMatchesQueuedAndRunning(t *testing.T) {
	store := newTestStore(t)

	queued, err := store.Create("evaluate_alert_rules")
	require.NoError(t, err)

	found, err := store.FindRunning("evaluate_alert_rules")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, queued.ID, found.ID)

	require.NoError(t, store.MarkRunning(queued.ID))
	found, err = store.FindRunning("evaluate_alert_rules")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, TaskStateRunning, found.State)

	require.NoError(t, store.MarkSucceeded(queued.ID, nil))
	found, err = store.FindRunning("evaluate_alert_rules")
	require.NoError(t, err)
	assert.Nil(t, found, "terminal runs are not in flight")

	other, err := store.FindRunning("some_other_job")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestTaskStore_ListRecentFiltersAndLimits(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		run, err := store.Create("reconcile_orders")
		require.NoError(t, err)
		require.NoError(t, store.MarkSucceeded(run.ID, nil))
		// Distinct queued_at so the DESC ordering is deterministic.
		time.Sleep(2 * time.Millisecond)
	}
	other, err := store.Create("cloud_backup")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(other.ID, "bucket unreachable"))

	all, err := store.ListRecent("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "cloud_backup", all[0].Name, "newest first")

	filtered, err := store.ListRecent("reconcile_orders", 10)
	require.NoError(t, err)
	assert.Len(t, filtered, 3)
	for _, run := range filtered {
		assert.Equal(t, "reconcile_orders", run.Name)
	}

	limited, err := store.ListRecent("reconcile_orders", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestTaskState_IsFinal(t *testing.T) {
	assert.False(t, TaskStateQueued.IsFinal())
	assert.False(t, TaskStateRunning.IsFinal())
	assert.True(t, TaskStateSucceeded.IsFinal())
	assert.True(t, TaskStateFailed.IsFinal())
	assert.True(t, TaskStateCancelled.IsFinal())
}
