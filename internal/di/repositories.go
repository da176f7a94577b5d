// Package di provides dependency injection for repository implementations.
package di

import (
	"fmt"

	"github.com/monetahq/moneta/internal/clientcache"
	"github.com/monetahq/moneta/internal/metrics"
	"github.com/monetahq/moneta/internal/modules/charts"
	"github.com/monetahq/moneta/internal/modules/orders"
	"github.com/monetahq/moneta/internal/modules/portfolio"
	"github.com/monetahq/moneta/internal/modules/strategies"
	"github.com/monetahq/moneta/internal/scheduler"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates all repositories and stores them in the container
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// Portfolio repositories (moneta.db)
	container.UserRepo = portfolio.NewUserRepository(container.MonetaDB.Conn(), log)
	container.CustodianRepo = portfolio.NewCustodianRepository(container.MonetaDB.Conn(), log)
	container.AccountRepo = portfolio.NewAccountRepository(container.MonetaDB.Conn(), log)
	container.HoldingRepo = portfolio.NewHoldingRepository(container.MonetaDB.Conn(), log)
	container.TransactionRepo = portfolio.NewTransactionRepository(container.MonetaDB.Conn(), log)

	// Order repository (moneta.db)
	container.OrderRepo = orders.NewRepository(container.MonetaDB.Conn(), log)

	// Strategy repository (moneta.db)
	container.StrategyRepo = strategies.NewRepository(container.MonetaDB.Conn(), log)

	// Portfolio value history, for charts and day-change math (operational.db)
	container.HistoryRepo = charts.NewHistoryRepository(container.OperationalDB.Conn(), log)

	// Alert incidents raised by the rule evaluation job (operational.db)
	container.IncidentRepo = metrics.NewIncidentRepository(container.OperationalDB.Conn(), log)

	// Task runs for the scheduler and the task polling endpoint (operational.db)
	container.TaskStore = scheduler.NewTaskStore(container.OperationalDB.Conn(), log)

	// TTL'd client cache: link sessions, webhook dedup, FX rates, quotes (cache.db)
	container.ClientCache = clientcache.NewRepository(container.CacheDB.Conn())

	log.Debug().Msg("All repositories initialized")
	return nil
}
