// Package di provides dependency injection for database connections.
package di

import (
	"fmt"

	"github.com/monetahq/moneta/internal/config"
	"github.com/monetahq/moneta/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens all 3 databases and applies their schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// 1. moneta.db - canonical state (users, accounts, holdings, orders, strategies)
	monetaDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/moneta.db",
		Profile: database.ProfileLedger, // Maximum safety for the money store
		Name:    "moneta",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize moneta database: %w", err)
	}
	container.MonetaDB = monetaDB

	// 2. operational.db - task runs, alert incidents, portfolio value history
	operationalDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/operational.db",
		Profile: database.ProfileStandard,
		Name:    "operational",
	})
	if err != nil {
		monetaDB.Close()
		return nil, fmt.Errorf("failed to initialize operational database: %w", err)
	}
	container.OperationalDB = operationalDB

	// 3. cache.db - link sessions, webhook dedup, FX rates, quote snapshots
	cacheDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/cache.db",
		Profile: database.ProfileCache, // Contents are rebuildable, favor speed
		Name:    "cache",
	})
	if err != nil {
		monetaDB.Close()
		operationalDB.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	container.CacheDB = cacheDB

	// Apply schemas to all databases
	for _, db := range []*database.DB{monetaDB, operationalDB, cacheDB} {
		if err := db.Migrate(); err != nil {
			container.CloseDatabases()
			return nil, fmt.Errorf("failed to apply %s schema: %w", db.Name(), err)
		}
	}

	log.Info().Msg("All databases initialized and schemas applied")
	return container, nil
}
