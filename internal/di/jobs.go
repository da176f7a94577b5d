// Package di provides dependency injection for scheduled jobs.
package di

import (
	"context"
	"fmt"

	"github.com/monetahq/moneta/internal/clientcache"
	"github.com/monetahq/moneta/internal/config"
	"github.com/monetahq/moneta/internal/market"
	"github.com/monetahq/moneta/internal/marketdata"
	"github.com/monetahq/moneta/internal/metrics"
	"github.com/monetahq/moneta/internal/modules/charts"
	"github.com/monetahq/moneta/internal/modules/orders"
	"github.com/monetahq/moneta/internal/modules/portfolio"
	"github.com/monetahq/moneta/internal/reliability"
	"github.com/monetahq/moneta/internal/scheduler"
	"github.com/rs/zerolog"
)

// RegisterJobs constructs the background jobs and registers their cron
// entries with the runner. Cron specs are five-field; market-sensitive
// entries pin CRON_TZ to the exchange timezone so they track its clock
// through DST, while housekeeping runs on server time.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// ==========================================
	// PORTFOLIO SYNC
	// ==========================================
	reconcileAll := portfolio.NewReconcileAllJob(container.SyncService, log)

	// ==========================================
	// ORDER LIFECYCLE
	// ==========================================
	reconcileOrders := orders.NewReconcileJob(container.OrderService, log)
	expireDayOrders := orders.NewExpiryJob(container.OrderService, container.MarketClock, log)

	// ==========================================
	// MARKET DATA
	// ==========================================
	marketStatus := market.NewStatusJob(container.MarketClock, container.EventManager, log)

	refreshMarketData := marketdata.NewRefreshJob(
		container.BrokerClient,
		&symbolUnion{holdings: container.HoldingRepo, orders: container.OrderService},
		container.HoldingRepo,
		container.QuoteCache,
		container.MarketClock,
		container.EventManager,
		log,
	).WithAfterRefresh(func(ctx context.Context) {
		// Fresh prices move portfolio values, so take a history point
		// for every user once the reprice lands.
		if _, err := container.Recorder.RecordAll(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to record portfolio values after refresh")
		}
	})

	// ==========================================
	// ALERTING
	// ==========================================
	evaluateRules := metrics.NewEvaluationJob(
		metrics.DefaultRules(container.Collector),
		container.IncidentRepo,
		container.EventManager,
		cfg.AlertWebhookURL,
		log,
	)

	// ==========================================
	// HOUSEKEEPING
	// ==========================================
	cacheCleanup := clientcache.NewCleanupJob(container.ClientCache, log)
	taskHistoryCleanup := scheduler.NewHistoryCleanupJob(container.TaskStore, container.IncidentRepo, log)
	valueHistoryCleanup := charts.NewHistoryCleanupJob(container.HistoryRepo, log)
	dailyMaintenance := reliability.NewDailyMaintenanceJob(container.Databases(), cfg.DataDir, log)
	weeklyMaintenance := reliability.NewWeeklyMaintenanceJob(container.Databases(), log)

	entries := []struct {
		spec string
		job  scheduler.Job
	}{
		{"0 1 * * *", reconcileAll},
		{"* * * * *", reconcileOrders},
		{fmt.Sprintf("CRON_TZ=%s 5 16 * * 1-5", cfg.MarketTimezone), expireDayOrders},
		{"* * * * *", marketStatus},
		{fmt.Sprintf("CRON_TZ=%s 0 * * * *", cfg.MarketTimezone), refreshMarketData},
		{"* * * * *", evaluateRules},
		{"15 * * * *", cacheCleanup},
		{"30 3 * * *", taskHistoryCleanup},
		{"45 3 * * *", valueHistoryCleanup},
		{"0 2 * * *", dailyMaintenance},
		{"0 4 * * 0", weeklyMaintenance},
	}

	// ==========================================
	// CLOUD BACKUP (optional)
	// ==========================================
	if container.CloudBackup != nil {
		cloudBackup := reliability.NewCloudBackupJob(
			container.CloudBackup,
			cfg.Backup.RetainDaily,
			cfg.Backup.RetainWeekly,
			log,
		)
		entries = append(entries, struct {
			spec string
			job  scheduler.Job
		}{"0 3 * * *", cloudBackup})
	}

	for _, entry := range entries {
		if err := container.Runner.Schedule(entry.spec, entry.job); err != nil {
			return err
		}
	}

	log.Info().Int("jobs", len(entries)).Msg("All scheduled jobs registered")
	return nil
}
