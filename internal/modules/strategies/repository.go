// Package strategies stores user-defined target allocations and detects
// when actual positions drift away from them.
package strategies

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/database"
	"github.com/monetahq/moneta/internal/domain"
)

// Repository persists strategies and their target weights.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a strategy repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "strategies").Logger(),
	}
}

// Create inserts a strategy with its holdings.
func (r *Repository) Create(ctx context.Context, s *domain.Strategy) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.DriftThreshold.IsZero() {
		s.DriftThreshold = decimal.NewFromInt(5)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	normalizeHoldings(s)
	if err := validateStrategy(s); err != nil {
		return err
	}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategies (id, user_id, name, drift_threshold, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			s.ID, s.UserID, s.Name, s.DriftThreshold.String(), s.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert strategy: %w", err)
		}
		return insertHoldings(ctx, tx, s.ID, s.Holdings)
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("strategy_id", s.ID).
		Str("user_id", s.UserID).
		Int("symbols", len(s.Holdings)).
		Msg("Strategy created")
	return nil
}

// GetByID returns one strategy with holdings, or nil when unknown.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Strategy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, drift_threshold, created_at
		FROM strategies WHERE id = ?`, id)
	s, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if s.Holdings, err = r.holdingsFor(ctx, s.ID); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListByUser returns the user's strategies with holdings, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Strategy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, drift_threshold, created_at
		FROM strategies WHERE user_id = ?
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Holdings, err = r.holdingsFor(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Update rewrites the strategy's name, threshold, and holdings.
func (r *Repository) Update(ctx context.Context, s *domain.Strategy) error {
	normalizeHoldings(s)
	if err := validateStrategy(s); err != nil {
		return err
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE strategies SET name = ?, drift_threshold = ? WHERE id = ?`,
			s.Name, s.DriftThreshold.String(), s.ID)
		if err != nil {
			return fmt.Errorf("failed to update strategy: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.NewNotFoundError("strategy not found")
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM strategy_holdings WHERE strategy_id = ?`, s.ID); err != nil {
			return fmt.Errorf("failed to clear strategy holdings: %w", err)
		}
		return insertHoldings(ctx, tx, s.ID, s.Holdings)
	})
}

// Delete removes a strategy; holdings cascade.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete strategy: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.NewNotFoundError("strategy not found")
	}
	return nil
}

func (r *Repository) holdingsFor(ctx context.Context, strategyID string) ([]domain.StrategyHolding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT strategy_id, symbol, target_weight
		FROM strategy_holdings WHERE strategy_id = ?
		ORDER BY symbol ASC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy holdings: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyHolding
	for rows.Next() {
		var (
			h   domain.StrategyHolding
			raw string
		)
		if err := rows.Scan(&h.StrategyID, &h.Symbol, &raw); err != nil {
			return nil, err
		}
		if h.TargetWeight, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("corrupt target weight %q: %w", raw, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func insertHoldings(ctx context.Context, tx *sql.Tx, strategyID string, holdings []domain.StrategyHolding) error {
	for i := range holdings {
		h := &holdings[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_holdings (strategy_id, symbol, target_weight)
			VALUES (?, ?, ?)`,
			strategyID, h.Symbol, h.TargetWeight.String())
		if err != nil {
			return fmt.Errorf("failed to insert strategy holding %s: %w", h.Symbol, err)
		}
	}
	return nil
}

func validateStrategy(s *domain.Strategy) error {
	switch {
	case s.UserID == "":
		return domain.NewValidationError(domain.CodeInvalidRequest, "strategy requires a user")
	case s.Name == "":
		return domain.NewValidationError(domain.CodeInvalidRequest, "strategy requires a name")
	case s.DriftThreshold.IsNegative():
		return domain.NewValidationError(domain.CodeInvalidStrategy, "drift threshold must not be negative")
	}
	return s.ValidateWeights()
}

// normalizeHoldings uppercases symbols and collapses duplicates, keeping
// the last weight given for a symbol.
func normalizeHoldings(s *domain.Strategy) {
	seen := make(map[string]int, len(s.Holdings))
	normalized := make([]domain.StrategyHolding, 0, len(s.Holdings))
	for i := range s.Holdings {
		h := s.Holdings[i]
		h.StrategyID = s.ID
		h.Symbol = domain.NormalizeSymbol(h.Symbol)
		if h.Symbol == "" {
			continue
		}
		if at, ok := seen[h.Symbol]; ok {
			normalized[at] = h
			continue
		}
		seen[h.Symbol] = len(normalized)
		normalized = append(normalized, h)
	}
	s.Holdings = normalized
}

type strategyScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row strategyScanner) (domain.Strategy, error) {
	var (
		s         domain.Strategy
		threshold string
		createdAt int64
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.Name, &threshold, &createdAt); err != nil {
		return s, err
	}

	var err error
	if s.DriftThreshold, err = decimal.NewFromString(threshold); err != nil {
		return s, fmt.Errorf("corrupt drift threshold %q: %w", threshold, err)
	}
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	return s, nil
}
