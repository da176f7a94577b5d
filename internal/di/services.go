// Package di provides dependency injection for service implementations.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/monetahq/moneta/internal/clients/alpaca"
	"github.com/monetahq/moneta/internal/clients/exchangerate"
	"github.com/monetahq/moneta/internal/clients/plaid"
	"github.com/monetahq/moneta/internal/config"
	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/events"
	"github.com/monetahq/moneta/internal/market"
	"github.com/monetahq/moneta/internal/marketdata"
	"github.com/monetahq/moneta/internal/metrics"
	"github.com/monetahq/moneta/internal/modules/charts"
	"github.com/monetahq/moneta/internal/modules/orders"
	"github.com/monetahq/moneta/internal/modules/portfolio"
	"github.com/monetahq/moneta/internal/modules/strategies"
	"github.com/monetahq/moneta/internal/modules/stream"
	"github.com/monetahq/moneta/internal/reliability"
	"github.com/monetahq/moneta/internal/scheduler"
	"github.com/monetahq/moneta/internal/secrets"
	"github.com/rs/zerolog"
)

// initialSyncTimeout bounds the background sync that runs right after an
// account is linked. Detached from the link request's context.
const initialSyncTimeout = 2 * time.Minute

// InitializeServices creates all services and stores them in the container
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// Token seal box for custodian access handles at rest
	box, err := secrets.NewBox(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token seal box: %w", err)
	}
	container.Box = box

	// Circuit breakers for all outbound HTTP
	container.Breakers = reliability.NewBreakerRegistry(log)

	// Prometheus mirror and the in-process rolling window it feeds
	container.Mirror = metrics.NewMirror()
	container.Collector = metrics.NewCollector(container.Mirror)

	// Event bus (FIFO per subscriber) and the typed emit facade
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)

	// Market session clock
	clock, err := market.NewClock(cfg.MarketTimezone)
	if err != nil {
		return fmt.Errorf("failed to initialize market clock: %w", err)
	}
	container.MarketClock = clock

	// External clients. The broker fill stream is constructed here but
	// not started; cmd/server starts it after wiring completes.
	container.BrokerClient = alpaca.NewClient(
		cfg.BrokerBaseURL,
		cfg.BrokerAPIKey,
		cfg.BrokerAPISecret,
		cfg.BrokerTimeout,
		container.Breakers,
		log,
	)
	container.FXClient = exchangerate.NewClient(
		cfg.ExchangeRateAPIURL,
		container.ClientCache,
		container.Breakers,
		log,
	)
	container.Adapters = []domain.CustodianAdapter{
		plaid.NewClient(
			cfg.PlaidBaseURL,
			cfg.PlaidClientID,
			cfg.PlaidSecret,
			cfg.CustodianTimeout,
			container.Breakers,
			log,
		),
	}

	// Quote cache, persisted through the client cache so restarts keep
	// the last known prices
	container.QuoteCache = marketdata.NewCache(container.ClientCache, log)

	// Order lifecycle engine
	container.OrderService = orders.NewService(
		container.OrderRepo,
		container.AccountRepo,
		container.HoldingRepo,
		container.QuoteCache,
		container.BrokerClient,
		container.EventManager,
		container.Mirror,
		log,
	)

	// Custodian link flow
	container.LinkService = portfolio.NewLinkService(
		container.UserRepo,
		container.AccountRepo,
		container.CustodianRepo,
		container.Adapters,
		container.Box,
		container.ClientCache,
		log,
	)

	// Account sync engine
	container.SyncService = portfolio.NewSyncService(
		container.AccountRepo,
		container.HoldingRepo,
		container.TransactionRepo,
		container.CustodianRepo,
		container.Adapters,
		container.Box,
		container.EventManager,
		log,
	)

	// Unified portfolio view
	container.ViewService = portfolio.NewViewService(
		container.UserRepo,
		container.AccountRepo,
		container.HoldingRepo,
		container.CustodianRepo,
		container.FXClient,
		container.HistoryRepo,
		log,
	)

	// Charts and the value history recorder
	container.ChartService = charts.NewService(container.HistoryRepo, log)
	container.Recorder = charts.NewRecorder(
		container.HistoryRepo,
		container.ViewService,
		container.UserRepo,
		log,
	)

	// Strategy drift evaluation
	container.DriftService = strategies.NewDriftService(
		container.StrategyRepo,
		container.ViewService,
		container.EventManager,
		log,
	)

	// Scheduler runner: cron entries and on-demand submissions share one pool
	container.Runner = scheduler.NewRunner(
		container.TaskStore,
		container.EventManager,
		container.Mirror,
		cfg.SchedulerWorkers,
		log,
	)
	container.SyncLauncher = NewUserSyncLauncher(container.Runner, container.SyncService)

	// Websocket hub, fed by the event bus
	container.Hub = stream.NewHub(
		container.EventBus,
		container.ViewService,
		container.ChartService,
		container.MarketClock,
		container.Mirror,
		log,
	)

	// Broker trade-update stream feeding the order engine
	container.FillStream = alpaca.NewFillStream(
		cfg.BrokerStreamURL,
		cfg.BrokerAPIKey,
		cfg.BrokerAPISecret,
		container.OrderService,
		container.EventManager,
		log,
	)

	// Local backups, plus the cloud pipeline when configured
	container.BackupService = reliability.NewBackupService(container.Databases(), log)
	if cfg.Backup != nil && cfg.Backup.Enabled {
		s3Client, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 client: %w", err)
		}
		container.CloudBackup = reliability.NewCloudBackupService(
			s3Client,
			container.BackupService,
			cfg.DataDir,
			log,
		)
	}

	registerHooks(container, log)

	log.Debug().Msg("All services initialized")
	return nil
}

// registerHooks connects the cross-module callbacks that close the data
// loops: a new link triggers its first sync, a completed sync feeds the
// value history and strategy drift checks, and breaker transitions feed
// the scrape gauge and the custodian health flag.
func registerHooks(container *Container, log zerolog.Logger) {
	container.Breakers.SetStateListener(func(target string, open bool) {
		container.Mirror.SetBreakerOpen(target, open)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cust, err := container.CustodianRepo.GetBySlug(ctx, target)
		if err != nil || cust == nil {
			return
		}
		if err := container.CustodianRepo.SetHealthy(ctx, cust.ID, !open); err != nil {
			log.Warn().Err(err).Str("custodian", target).Msg("Failed to update custodian health flag")
		}
	})

	// The link exchange response must not wait on the custodian, so the
	// initial sync runs detached from the request context.
	container.LinkService.SetOnLinked(func(_ context.Context, accountID string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), initialSyncTimeout)
			defer cancel()
			if _, err := container.SyncService.SyncAccount(ctx, accountID); err != nil {
				log.Error().Err(err).Str("account_id", accountID).Msg("Initial account sync failed")
			}
		}()
	})

	// Runs inside the sync job's context after any sync that changed data.
	container.SyncService.SetAfterSync(func(ctx context.Context, userID string) {
		if err := container.Recorder.Record(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to record portfolio value point")
		}
		if _, err := container.DriftService.EvaluateUser(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Strategy drift evaluation failed")
		}
	})
}
