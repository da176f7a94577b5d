package di

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/config"
	"github.com/monetahq/moneta/internal/scheduler"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:            t.TempDir(),
		Environment:        "test",
		DevMode:            true,
		AllowedOrigins:     []string{"*"},
		TokenEncryptionKey: "0123456789abcdef0123456789abcdef",
		BrokerBaseURL:      "https://broker.invalid",
		BrokerStreamURL:    "wss://broker.invalid/stream",
		BrokerAPIKey:       "key",
		BrokerAPISecret:    "secret",
		BrokerTimeout:      10 * time.Second,
		PlaidBaseURL:       "https://custodian.invalid",
		PlaidClientID:      "client",
		PlaidSecret:        "secret",
		CustodianTimeout:   30 * time.Second,
		BaseCurrency:       "USD",
		ExchangeRateAPIURL: "https://fx.invalid/v6",
		MarketTimezone:     "America/New_York",
		SchedulerWorkers:   2,
	}
}

func wireTestContainer(t *testing.T) *Container {
	t.Helper()
	container, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		container.Hub.Close()
		container.Runner.Stop(2 * time.Second)
		container.CloseDatabases()
	})
	return container
}

func TestWireBuildsFullContainer(t *testing.T) {
	container := wireTestContainer(t)

	assert.NotNil(t, container.MonetaDB)
	assert.NotNil(t, container.OperationalDB)
	assert.NotNil(t, container.CacheDB)

	assert.NotNil(t, container.BrokerClient)
	assert.NotNil(t, container.FillStream)
	assert.NotNil(t, container.FXClient)
	require.Len(t, container.Adapters, 1)
	assert.Equal(t, "plaid", container.Adapters[0].Slug())

	assert.NotNil(t, container.UserRepo)
	assert.NotNil(t, container.CustodianRepo)
	assert.NotNil(t, container.AccountRepo)
	assert.NotNil(t, container.HoldingRepo)
	assert.NotNil(t, container.TransactionRepo)
	assert.NotNil(t, container.OrderRepo)
	assert.NotNil(t, container.StrategyRepo)
	assert.NotNil(t, container.HistoryRepo)
	assert.NotNil(t, container.IncidentRepo)
	assert.NotNil(t, container.ClientCache)
	assert.NotNil(t, container.TaskStore)

	assert.NotNil(t, container.OrderService)
	assert.NotNil(t, container.LinkService)
	assert.NotNil(t, container.SyncService)
	assert.NotNil(t, container.ViewService)
	assert.NotNil(t, container.ChartService)
	assert.NotNil(t, container.Recorder)
	assert.NotNil(t, container.DriftService)
	assert.NotNil(t, container.MarketClock)
	assert.NotNil(t, container.QuoteCache)
	assert.NotNil(t, container.BackupService)
	assert.Nil(t, container.CloudBackup, "cloud backup should stay unwired when disabled")

	assert.NotNil(t, container.EventBus)
	assert.NotNil(t, container.EventManager)
	assert.NotNil(t, container.Mirror)
	assert.NotNil(t, container.Collector)
	assert.NotNil(t, container.Breakers)
	assert.NotNil(t, container.Box)

	assert.NotNil(t, container.Runner)
	assert.NotNil(t, container.Hub)
	assert.NotNil(t, container.SyncLauncher)
}

func TestWireRegistersScheduledJobs(t *testing.T) {
	container := wireTestContainer(t)

	// Every cron entry lands before Start; cloud backup is disabled in
	// the test config so it must not be among them.
	assert.Equal(t, 11, container.Runner.Snapshot().ScheduledJobs)
}

func TestWireRejectsShortEncryptionKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.TokenEncryptionKey = "too-short"

	container, err := Wire(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Nil(t, container)
	assert.Contains(t, err.Error(), "failed to initialize services")
}

func TestLaunchUserSyncRunsToCompletion(t *testing.T) {
	container := wireTestContainer(t)

	// A user without linked accounts syncs trivially, which is enough to
	// prove the launcher, runner, and task store are wired end to end.
	taskID, coalesced, err := container.SyncLauncher.LaunchUserSync("user-without-accounts")
	require.NoError(t, err)
	assert.False(t, coalesced)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		run, err := container.TaskStore.Get(taskID)
		if err != nil || run == nil {
			return false
		}
		return run.State == scheduler.TaskStateSucceeded
	}, 5*time.Second, 20*time.Millisecond)
}
