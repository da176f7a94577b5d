/**
 * Package di provides dependency injection type definitions.
 *
 * This package defines the Container type which holds all application dependencies.
 * The Container is the single source of truth for all service instances and is
 * passed to the server and handlers for access to services.
 */
package di

import (
	"github.com/monetahq/moneta/internal/clientcache"
	"github.com/monetahq/moneta/internal/clients/alpaca"
	"github.com/monetahq/moneta/internal/clients/exchangerate"
	"github.com/monetahq/moneta/internal/database"
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
)

/**
 * Container holds all dependencies for the application.
 *
 * This is the single source of truth for all service instances.
 * The container is created by Wire() and handed to cmd/server, which builds
 * the HTTP handlers on top of it.
 *
 * Architecture:
 * - Databases: 3-database architecture (moneta, operational, cache)
 * - Clients: External API clients (broker, custodians, FX rates)
 * - Repositories: Data access layer (users, accounts, holdings, orders, etc.)
 * - Services: Business logic layer (order engine, sync engine, views, charts)
 * - Background work: scheduler runner, stream hub, broker fill stream
 *
 * All dependencies are injected via constructor injection.
 */
type Container struct {
	// Databases (3-database architecture)
	// Each database uses SQLite with WAL mode and profile-specific PRAGMAs
	MonetaDB      *database.DB // Canonical state (users, accounts, holdings, orders, strategies)
	OperationalDB *database.DB // Operational state (task runs, incidents, portfolio value history)
	CacheDB       *database.DB // Rebuildable client cache (link sessions, webhook dedup, FX rates, quotes)

	// Clients - External API integrations
	BrokerClient domain.BrokerClient       // Broker REST API (Alpaca adapter)
	FillStream   *alpaca.FillStream        // Broker trade-update websocket
	FXClient     *exchangerate.Client      // Exchange rate API client
	Adapters     []domain.CustodianAdapter // Custodian adapters keyed by slug (plaid, alpaca)

	// Repositories - Data access layer
	UserRepo        *portfolio.UserRepository
	CustodianRepo   *portfolio.CustodianRepository
	AccountRepo     *portfolio.AccountRepository
	HoldingRepo     *portfolio.HoldingRepository
	TransactionRepo *portfolio.TransactionRepository
	OrderRepo       *orders.Repository
	StrategyRepo    *strategies.Repository
	HistoryRepo     *charts.HistoryRepository
	IncidentRepo    *metrics.IncidentRepository
	ClientCache     *clientcache.Repository
	TaskStore       *scheduler.TaskStore

	// Services - Business logic layer
	OrderService  *orders.Service       // Order lifecycle engine
	LinkService   *portfolio.LinkService
	SyncService   *portfolio.SyncService
	ViewService   *portfolio.ViewService
	ChartService  *charts.Service
	Recorder      *charts.Recorder
	DriftService  *strategies.DriftService
	MarketClock   *market.Clock
	QuoteCache    *marketdata.Cache
	BackupService *reliability.BackupService
	CloudBackup   *reliability.CloudBackupService // nil when cloud backup is disabled

	// Events and observability
	EventBus     *events.Bus
	EventManager *events.Manager
	Mirror       *metrics.Mirror
	Collector    *metrics.Collector
	Breakers     *reliability.BreakerRegistry
	Box          *secrets.Box

	// Background work
	Runner       *scheduler.Runner  // Worker pool shared by cron and on-demand jobs
	Hub          *stream.Hub        // Websocket session registry
	SyncLauncher *UserSyncLauncher  // Submits per-user sync tasks for the reconcile endpoint
}

// Databases returns the named database handles, keyed the way backups,
// maintenance jobs, and the health endpoint report them.
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		"moneta":      c.MonetaDB,
		"operational": c.OperationalDB,
		"cache":       c.CacheDB,
	}
}

// CloseDatabases closes every database handle. Used for cleanup when a
// wiring step fails and during shutdown.
func (c *Container) CloseDatabases() {
	if c.MonetaDB != nil {
		c.MonetaDB.Close()
	}
	if c.OperationalDB != nil {
		c.OperationalDB.Close()
	}
	if c.CacheDB != nil {
		c.CacheDB.Close()
	}
}
