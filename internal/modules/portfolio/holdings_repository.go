package portfolio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/database"
	"github.com/monetahq/moneta/internal/domain"
)

const holdingsColumns = `id, account_id, symbol, quantity, unit_price, market_value,
	cost_basis, unrealized_pl, currency, last_updated`

// HoldingRepository persists positions keyed by (account, symbol).
type HoldingRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHoldingRepository creates a holding repository.
func NewHoldingRepository(db *sql.DB, log zerolog.Logger) *HoldingRepository {
	return &HoldingRepository{
		db:  db,
		log: log.With().Str("repo", "holdings").Logger(),
	}
}

// SnapshotResult reports what a snapshot sync changed.
type SnapshotResult struct {
	Upserted []domain.Holding
	Removed  []string
}

// SyncSnapshot replaces the account's positions with the custodian's
// snapshot in one transaction: create new rows, update changed ones,
// delete whatever the snapshot no longer contains.
func (r *HoldingRepository) SyncSnapshot(ctx context.Context, accountID string, snapshot []domain.Holding) (*SnapshotResult, error) {
	now := time.Now().UTC()
	result := &SnapshotResult{}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		seen := make(map[string]bool, len(snapshot))
		for i := range snapshot {
			h := snapshot[i]
			h.AccountID = accountID
			h.Symbol = domain.NormalizeSymbol(h.Symbol)
			if h.Symbol == "" {
				continue
			}
			if h.ID == "" {
				h.ID = uuid.New().String()
			}
			h.LastUpdated = now
			seen[h.Symbol] = true

			_, err := tx.ExecContext(ctx, `
				INSERT INTO holdings
				(id, account_id, symbol, quantity, unit_price, market_value,
				 cost_basis, unrealized_pl, currency, last_updated)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (account_id, symbol) DO UPDATE SET
					quantity = excluded.quantity,
					unit_price = excluded.unit_price,
					market_value = excluded.market_value,
					cost_basis = excluded.cost_basis,
					unrealized_pl = excluded.unrealized_pl,
					currency = excluded.currency,
					last_updated = excluded.last_updated`,
				h.ID, h.AccountID, h.Symbol,
				h.Quantity.String(), h.UnitPrice.String(), h.MarketValue.String(),
				h.CostBasis.String(), h.UnrealizedPL.String(), string(h.Currency),
				h.LastUpdated.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to upsert holding %s: %w", h.Symbol, err)
			}
			result.Upserted = append(result.Upserted, h)
		}

		// Positions absent from the snapshot are gone from the account.
		rows, err := tx.QueryContext(ctx, "SELECT symbol FROM holdings WHERE account_id = ?", accountID)
		if err != nil {
			return fmt.Errorf("failed to list holdings for prune: %w", err)
		}
		var stale []string
		for rows.Next() {
			var symbol string
			if err := rows.Scan(&symbol); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan holding symbol: %w", err)
			}
			if !seen[symbol] {
				stale = append(stale, symbol)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating holdings: %w", err)
		}

		for _, symbol := range stale {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM holdings WHERE account_id = ? AND symbol = ?", accountID, symbol); err != nil {
				return fmt.Errorf("failed to prune holding %s: %w", symbol, err)
			}
			result.Removed = append(result.Removed, symbol)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug().
		Str("account_id", accountID).
		Int("upserted", len(result.Upserted)).
		Int("removed", len(result.Removed)).
		Msg("Holdings snapshot applied")
	return result, nil
}

// GetByAccountSymbol returns one position, or nil.
func (r *HoldingRepository) GetByAccountSymbol(ctx context.Context, accountID, symbol string) (*domain.Holding, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+holdingsColumns+" FROM holdings WHERE account_id = ? AND symbol = ?",
		accountID, domain.NormalizeSymbol(symbol))
	holding, err := scanHolding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return holding, nil
}

// Quantity returns the held quantity of a symbol in an account; zero when
// the position does not exist. Feeds the sell-side order check.
func (r *HoldingRepository) Quantity(ctx context.Context, accountID, symbol string) (decimal.Decimal, error) {
	holding, err := r.GetByAccountSymbol(ctx, accountID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if holding == nil {
		return decimal.Zero, nil
	}
	return holding.Quantity, nil
}

// ListByAccount returns the account's positions ordered by market value.
func (r *HoldingRepository) ListByAccount(ctx context.Context, accountID string) ([]domain.Holding, error) {
	return r.listWhere(ctx,
		"SELECT "+holdingsColumns+" FROM holdings WHERE account_id = ?", accountID)
}

// ListByUser returns every position in the user's active accounts.
func (r *HoldingRepository) ListByUser(ctx context.Context, userID string) ([]domain.Holding, error) {
	return r.listWhere(ctx, `
		SELECT h.id, h.account_id, h.symbol, h.quantity, h.unit_price, h.market_value,
			h.cost_basis, h.unrealized_pl, h.currency, h.last_updated
		FROM holdings h
		JOIN accounts a ON a.id = h.account_id
		WHERE a.user_id = ? AND a.is_active = 1`, userID)
}

func (r *HoldingRepository) listWhere(ctx context.Context, query string, args ...interface{}) ([]domain.Holding, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		holding, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, *holding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holdings: %w", err)
	}
	return holdings, nil
}

// ActiveSymbols returns the distinct symbols held in securities-bearing
// accounts. Feeds the market data refresh.
func (r *HoldingRepository) ActiveSymbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT h.symbol
		FROM holdings h
		JOIN accounts a ON a.id = h.account_id
		WHERE a.is_active = 1 AND a.kind IN ('investment', 'retirement')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// RepriceHoldings applies fresh market prices to every matching position
// and recomputes the derived columns. Returns how many rows changed.
func (r *HoldingRepository) RepriceHoldings(ctx context.Context, prices map[string]decimal.Decimal) (int, error) {
	if len(prices) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	repriced := 0

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for symbol, price := range prices {
			symbol = domain.NormalizeSymbol(symbol)

			rows, err := tx.QueryContext(ctx,
				"SELECT id, quantity, cost_basis FROM holdings WHERE symbol = ?", symbol)
			if err != nil {
				return fmt.Errorf("failed to list holdings for reprice: %w", err)
			}

			type holdingRow struct {
				id, quantity, costBasis string
			}
			var pending []holdingRow
			for rows.Next() {
				var hr holdingRow
				if err := rows.Scan(&hr.id, &hr.quantity, &hr.costBasis); err != nil {
					rows.Close()
					return fmt.Errorf("failed to scan holding for reprice: %w", err)
				}
				pending = append(pending, hr)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("error iterating holdings: %w", err)
			}

			for _, hr := range pending {
				quantity, err := decimal.NewFromString(hr.quantity)
				if err != nil {
					return fmt.Errorf("corrupt quantity %q: %w", hr.quantity, err)
				}
				costBasis, err := decimal.NewFromString(hr.costBasis)
				if err != nil {
					return fmt.Errorf("corrupt cost basis %q: %w", hr.costBasis, err)
				}

				marketValue := quantity.Mul(price)
				unrealized := marketValue.Sub(costBasis)
				_, err = tx.ExecContext(ctx, `
					UPDATE holdings SET unit_price = ?, market_value = ?,
						unrealized_pl = ?, last_updated = ?
					WHERE id = ?`,
					price.String(), marketValue.String(), unrealized.String(),
					now.UnixMilli(), hr.id)
				if err != nil {
					return fmt.Errorf("failed to reprice holding: %w", err)
				}
				repriced++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return repriced, nil
}

func scanHolding(row rowScanner) (*domain.Holding, error) {
	var (
		h                            domain.Holding
		quantityStr, priceStr, mvStr string
		costStr, plStr, currency     string
		lastUpdated                  int64
	)

	err := row.Scan(
		&h.ID,
		&h.AccountID,
		&h.Symbol,
		&quantityStr,
		&priceStr,
		&mvStr,
		&costStr,
		&plStr,
		&currency,
		&lastUpdated,
	)
	if err != nil {
		return nil, err
	}

	if h.Quantity, err = decimal.NewFromString(quantityStr); err != nil {
		return nil, fmt.Errorf("corrupt quantity %q: %w", quantityStr, err)
	}
	if h.UnitPrice, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("corrupt unit price %q: %w", priceStr, err)
	}
	if h.MarketValue, err = decimal.NewFromString(mvStr); err != nil {
		return nil, fmt.Errorf("corrupt market value %q: %w", mvStr, err)
	}
	if h.CostBasis, err = decimal.NewFromString(costStr); err != nil {
		return nil, fmt.Errorf("corrupt cost basis %q: %w", costStr, err)
	}
	if h.UnrealizedPL, err = decimal.NewFromString(plStr); err != nil {
		return nil, fmt.Errorf("corrupt unrealized P/L %q: %w", plStr, err)
	}
	h.Currency = domain.Currency(currency)
	h.LastUpdated = time.UnixMilli(lastUpdated).UTC()

	return &h, nil
}
