// Package main is the entry point for the Moneta investment management backend.
// The service runs the order lifecycle engine against the broker, aggregates
// held-away accounts from custodians, and streams portfolio state to connected
// clients over websockets.
//
// The application follows clean architecture principles:
// - Domain layer is pure (no infrastructure dependencies)
// - Dependency injection via DI container
// - Repository pattern for data access
// - Service layer for business logic
// - HTTP handlers for API endpoints
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/monetahq/moneta/internal/config"
	"github.com/monetahq/moneta/internal/di"
	"github.com/monetahq/moneta/internal/domain"
	ordershandlers "github.com/monetahq/moneta/internal/modules/orders/handlers"
	portfoliohandlers "github.com/monetahq/moneta/internal/modules/portfolio/handlers"
	strategieshandlers "github.com/monetahq/moneta/internal/modules/strategies/handlers"
	streamhandlers "github.com/monetahq/moneta/internal/modules/stream/handlers"
	"github.com/monetahq/moneta/internal/server"
	"github.com/monetahq/moneta/pkg/logger"
)

// bootTimeout bounds the startup seeding queries.
const bootTimeout = 10 * time.Second

// main orchestrates the system startup sequence:
// 1. Loads configuration from environment variables (.env honored)
// 2. Initializes structured logging
// 3. Wires all dependencies via the DI container (databases, repositories,
//    services, scheduled jobs)
// 4. Seeds the operator account and custodian registry
// 5. Recovers task runs interrupted by the previous shutdown
// 6. Starts the scheduler, the broker fill stream, and the HTTP server
// 7. Waits for a shutdown signal and drains everything in reverse order
//
// The application uses a 3-database architecture:
// - moneta.db: canonical state (users, accounts, holdings, orders, strategies)
// - operational.db: task runs, alert incidents, portfolio value history
// - cache.db: rebuildable client cache (link sessions, webhook dedup, FX, quotes)
func main() {
	// Load configuration first to get the log level
	cfg, err := config.Load()
	if err != nil {
		// Use a fallback logger so the configuration error is still visible
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Structured logging (zerolog) with redaction; pretty output is for
	// development consoles only
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("environment", cfg.Environment).Msg("Starting Moneta")

	// Wire all dependencies using the DI container. This initializes the
	// databases, repositories, services, and scheduled jobs.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// All databases must close on exit so WAL checkpoints are written.
	// Using defer ensures cleanup even on panic.
	defer container.CloseDatabases()

	// Boot-time seeding: the operator account plus the custodian registry
	// row the link flow resolves adapters against. Both are idempotent.
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), bootTimeout)
	_, err = container.UserRepo.EnsureUser(bootCtx, cfg.DefaultUserEmail, domain.Currency(cfg.BaseCurrency))
	if err != nil {
		cancelBoot()
		log.Fatal().Err(err).Msg("Failed to provision default user")
	}
	_, err = container.CustodianRepo.Ensure(bootCtx, "plaid", "Plaid", []domain.CustodianCapability{
		domain.CapabilityReadBalance,
		domain.CapabilityReadHoldings,
		domain.CapabilityReadTransactions,
	})
	cancelBoot()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register custodian")
	}

	// Task runs left "running" by a crash can never finish; mark them
	// failed before the scheduler starts so polling clients reach a
	// terminal state instead of waiting forever.
	if recovered, err := container.TaskStore.RecoverInterrupted(); err != nil {
		log.Error().Err(err).Msg("Failed to recover interrupted task runs")
	} else if recovered > 0 {
		log.Warn().Int64("tasks", recovered).Msg("Marked interrupted task runs as failed")
	}

	// Start cron scheduling. Jobs were registered during wiring, so the
	// first ticks can fire as soon as this returns.
	container.Runner.Start()

	// Broker trade-update stream feeding the order engine. A failed first
	// dial is not fatal; reconnection continues in the background.
	if err := container.FillStream.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start broker fill stream")
	}

	// Webhook handlers own a small dispatch pool, so main keeps a handle
	// for draining it on shutdown.
	webhookHandlers := server.NewWebhookHandlers(
		cfg.WebhookSecrets,
		container.ClientCache,
		container.OrderService,
		container.SyncService,
		log,
	)

	// Initialize the HTTP server with the handler sets built on container
	// services. The server provides REST endpoints for order management,
	// portfolio aggregation, strategies, task polling, webhooks, health,
	// and Prometheus metrics, plus the portfolio websocket.
	srv := server.New(server.Config{
		Log:             log,
		Config:          cfg,
		Databases:       container.Databases(),
		Mirror:          container.Mirror,
		Breakers:        container.Breakers,
		Hub:             container.Hub,
		Runner:          container.Runner,
		Tasks:           container.TaskStore,
		Clock:           container.MarketClock,
		RequestObserver: container.Collector,
		OrderHandlers:   ordershandlers.NewOrderHandlers(container.OrderService, log),
		PortfolioHandlers: portfoliohandlers.NewPortfolioHandlers(
			container.LinkService,
			container.ViewService,
			container.SyncLauncher,
			log,
		),
		StrategyHandlers: strategieshandlers.NewStrategyHandlers(container.StrategyRepo, container.DriftService, log),
		StreamHandlers:   streamhandlers.NewStreamHandlers(container.Hub, cfg.AllowedOrigins, log),
		WebhookHandlers:  webhookHandlers,
	})

	// Start the server in a goroutine so shutdown handling below can own
	// the main thread
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Block until SIGINT (Ctrl+C) or SIGTERM (kill)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop inbound work first. In-flight requests get up to 10 seconds to
	// complete before the listener is forced closed.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the broker stream so no new fills enter the order engine
	if err := container.FillStream.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping broker fill stream")
	}

	// Webhook events already acknowledged drain before the pool stops;
	// their senders have no reason to redeliver them
	webhookHandlers.Close()

	// Detach websocket sessions, then give running jobs a grace period
	container.Hub.Close()
	container.Runner.Stop(30 * time.Second)

	// Event bus last: everything publishing into it has stopped
	container.EventBus.Close()

	log.Info().Msg("Server stopped")
}
