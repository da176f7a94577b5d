// Package charts records portfolio value snapshots and turns them into
// the time-series frames the streaming hub sends to clients.
package charts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// HistoryPoint is one recorded portfolio valuation.
type HistoryPoint struct {
	Ts            time.Time
	TotalValue    decimal.Decimal
	InvestedValue decimal.Decimal
	CashValue     decimal.Decimal
}

// HistoryRepository persists portfolio value snapshots in the
// operational store. Snapshots are keyed (user, timestamp); re-recording
// the same instant replaces the row.
type HistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepository creates a history repository.
func NewHistoryRepository(db *sql.DB, log zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:  db,
		log: log.With().Str("repo", "portfolio_history").Logger(),
	}
}

// Append records one valuation snapshot.
func (r *HistoryRepository) Append(ctx context.Context, userID string, p HistoryPoint) error {
	if p.Ts.IsZero() {
		p.Ts = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO portfolio_history
		(user_id, ts, total_value, invested_value, cash_value)
		VALUES (?, ?, ?, ?, ?)`,
		userID, p.Ts.UnixMilli(),
		p.TotalValue.String(), p.InvestedValue.String(), p.CashValue.String())
	if err != nil {
		return fmt.Errorf("failed to append portfolio history: %w", err)
	}
	return nil
}

// Range returns snapshots with from <= ts <= to, oldest first. A zero
// from means no lower bound.
func (r *HistoryRepository) Range(ctx context.Context, userID string, from, to time.Time) ([]HistoryPoint, error) {
	var lower int64
	if !from.IsZero() {
		lower = from.UnixMilli()
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, total_value, invested_value, cash_value
		FROM portfolio_history
		WHERE user_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`,
		userID, lower, to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio history: %w", err)
	}
	defer rows.Close()

	var points []HistoryPoint
	for rows.Next() {
		p, err := scanHistoryPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Latest returns the most recent snapshot, or nil when none exists.
func (r *HistoryRepository) Latest(ctx context.Context, userID string) (*HistoryPoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT ts, total_value, invested_value, cash_value
		FROM portfolio_history
		WHERE user_id = ?
		ORDER BY ts DESC LIMIT 1`,
		userID)
	p, err := scanHistoryPoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ValueAt returns the last total value recorded strictly before at, used
// by the portfolio view for day-change math. ok is false when the user
// has no snapshot that old.
func (r *HistoryRepository) ValueAt(ctx context.Context, userID string, at time.Time) (decimal.Decimal, bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `
		SELECT total_value FROM portfolio_history
		WHERE user_id = ? AND ts < ?
		ORDER BY ts DESC LIMIT 1`,
		userID, at.UnixMilli()).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to query portfolio history: %w", err)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt total value %q: %w", raw, err)
	}
	return value, true, nil
}

// DeleteOlderThan prunes snapshots recorded before the cutoff and
// returns how many were removed.
func (r *HistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM portfolio_history WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune portfolio history: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.log.Debug().Int64("removed", removed).Time("cutoff", cutoff).Msg("Pruned portfolio history")
	}
	return removed, nil
}

type historyScanner interface {
	Scan(dest ...interface{}) error
}

func scanHistoryPoint(row historyScanner) (HistoryPoint, error) {
	var (
		p        HistoryPoint
		ts       int64
		total    string
		invested string
		cash     string
	)
	if err := row.Scan(&ts, &total, &invested, &cash); err != nil {
		return p, err
	}
	p.Ts = time.UnixMilli(ts).UTC()

	var err error
	if p.TotalValue, err = decimal.NewFromString(total); err != nil {
		return p, fmt.Errorf("corrupt total value %q: %w", total, err)
	}
	if p.InvestedValue, err = decimal.NewFromString(invested); err != nil {
		return p, fmt.Errorf("corrupt invested value %q: %w", invested, err)
	}
	if p.CashValue, err = decimal.NewFromString(cash); err != nil {
		return p, fmt.Errorf("corrupt cash value %q: %w", cash, err)
	}
	return p, nil
}
