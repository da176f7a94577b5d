// Package orders maintains the authoritative state of every trading
// order from submission through a terminal outcome, reconciling against
// a broker that may be slow, unavailable, or mutate orders
// asynchronously.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/domain"
)

// ordersColumns is the column list for the orders table. Order must
// match the scan helpers below.
const ordersColumns = `id, user_id, account_id, symbol, side, type, time_in_force, state,
	quantity, limit_price, stop_price, filled_quantity, avg_fill_price,
	broker_order_id, client_idempotency_key, retry_count, last_error,
	submitted_at, created_at, updated_at`

// openStatesClause matches every non-terminal state.
const openStatesClause = `state IN ('PENDING', 'SUBMITTED', 'PARTIALLY_FILLED')`

// Repository persists orders in the canonical store.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an order repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// validateForInsert rejects rows that would trip table constraints with
// an opaque SQLite error.
func validateForInsert(o *domain.Order) error {
	switch {
	case o.UserID == "":
		return domain.NewValidationError(domain.CodeInvalidOrder, "order requires a user")
	case o.AccountID == "":
		return domain.NewValidationError(domain.CodeInvalidOrder, "order requires an account")
	case o.Symbol == "":
		return domain.NewValidationError(domain.CodeInvalidOrder, "order requires a symbol")
	case o.Side == "":
		return domain.NewValidationError(domain.CodeInvalidOrder, "order requires a side")
	case o.Type == "":
		return domain.NewValidationError(domain.CodeInvalidOrder, "order requires a type")
	case o.TimeInForce == "":
		return domain.NewValidationError(domain.CodeInvalidOrder, "order requires a time in force")
	case o.IdempotencyKey == "":
		return domain.NewValidationError(domain.CodeInvalidOrder, "order requires an idempotency key")
	case !o.Quantity.IsPositive():
		return domain.NewValidationError(domain.CodeInvalidOrder, "order quantity must be positive")
	case o.FilledQuantity.GreaterThan(o.Quantity):
		return domain.NewValidationError(domain.CodeInvalidOrder, "filled quantity cannot exceed order quantity")
	}
	return nil
}

// Create inserts a new order. The idempotency key is unique; a second
// insert under the same key returns a DUPLICATE error so the caller can
// fetch the original row instead.
func (r *Repository) Create(ctx context.Context, o *domain.Order) error {
	if err := validateForInsert(o); err != nil {
		return err
	}

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.Symbol = domain.NormalizeSymbol(o.Symbol)

	query := `
		INSERT INTO orders
		(id, user_id, account_id, symbol, side, type, time_in_force, state,
		 quantity, limit_price, stop_price, filled_quantity, avg_fill_price,
		 broker_order_id, client_idempotency_key, retry_count, last_error,
		 submitted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		o.ID,
		o.UserID,
		o.AccountID,
		o.Symbol,
		string(o.Side),
		string(o.Type),
		string(o.TimeInForce),
		string(o.State),
		o.Quantity.String(),
		nullDecimal(o.LimitPrice),
		nullDecimal(o.StopPrice),
		o.FilledQuantity.String(),
		nullDecimal(o.AvgFillPrice),
		nullString(o.BrokerOrderID),
		o.IdempotencyKey,
		o.RetryCount,
		nullString(o.LastError),
		nullTime(o.SubmittedAt),
		o.CreatedAt.UnixMilli(),
		o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "client_idempotency_key") {
			return domain.NewError(domain.CodeDuplicate, "an order with this idempotency key already exists", domain.CategoryBusinessLogic, domain.SeverityLow)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	r.log.Info().
		Str("order_id", o.ID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Str("quantity", o.Quantity.String()).
		Msg("Order created")

	return nil
}

// Update writes the mutable fields of an order and advances updated_at.
func (r *Repository) Update(ctx context.Context, o *domain.Order) error {
	if o.FilledQuantity.GreaterThan(o.Quantity) {
		return domain.NewValidationError(domain.CodeInvalidOrder, "filled quantity cannot exceed order quantity")
	}

	o.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE orders SET
			state = ?, filled_quantity = ?, avg_fill_price = ?,
			broker_order_id = ?, retry_count = ?, last_error = ?,
			submitted_at = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := r.db.ExecContext(ctx, query,
		string(o.State),
		o.FilledQuantity.String(),
		nullDecimal(o.AvgFillPrice),
		nullString(o.BrokerOrderID),
		o.RetryCount,
		nullString(o.LastError),
		nullTime(o.SubmittedAt),
		o.UpdatedAt.UnixMilli(),
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	if affected == 0 {
		return domain.NewNotFoundError("order " + o.ID + " not found")
	}
	return nil
}

// GetByID returns one order, or nil when unknown.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+ordersColumns+" FROM orders WHERE id = ?", id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by id: %w", err)
	}
	return order, nil
}

// GetByIdempotencyKey returns the order created under the key, or nil.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+ordersColumns+" FROM orders WHERE client_idempotency_key = ?", key)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by idempotency key: %w", err)
	}
	return order, nil
}

// GetByBrokerOrderID returns the order tracking a broker order, or nil.
func (r *Repository) GetByBrokerOrderID(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+ordersColumns+" FROM orders WHERE broker_order_id = ?", brokerOrderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by broker order id: %w", err)
	}
	return order, nil
}

// List returns orders matching the filter, most recent first.
func (r *Repository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	query := "SELECT " + ordersColumns + " FROM orders"

	var conds []string
	var args []interface{}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, domain.NormalizeSymbol(filter.Symbol))
	}
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Side != "" {
		conds = append(conds, "side = ?")
		args = append(args, string(filter.Side))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// ListNonTerminalUpdatedBefore returns open orders whose last update is
// older than the cutoff. Feeds the reconcile sweep.
func (r *Repository) ListNonTerminalUpdatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT ` + ordersColumns + ` FROM orders
		WHERE ` + openStatesClause + ` AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// ListOpenDayOrders returns every non-terminal DAY order. Feeds the
// session-close expiry sweep.
func (r *Repository) ListOpenDayOrders(ctx context.Context) ([]domain.Order, error) {
	query := `
		SELECT ` + ordersColumns + ` FROM orders
		WHERE ` + openStatesClause + ` AND time_in_force = 'DAY'
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open day orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// ReservedSellQuantity sums the unfilled remainder of every open SELL
// order for (account, symbol). Decimal columns are TEXT, so the sum
// happens here rather than in SQL.
func (r *Repository) ReservedSellQuantity(ctx context.Context, accountID, symbol string) (decimal.Decimal, error) {
	query := `
		SELECT quantity, filled_quantity FROM orders
		WHERE account_id = ? AND symbol = ? AND side = 'SELL' AND ` + openStatesClause

	rows, err := r.db.QueryContext(ctx, query, accountID, domain.NormalizeSymbol(symbol))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum reserved sell quantity: %w", err)
	}
	defer rows.Close()

	reserved := decimal.Zero
	for rows.Next() {
		var quantityStr, filledStr string
		if err := rows.Scan(&quantityStr, &filledStr); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan reserved quantity: %w", err)
		}
		quantity, err := decimal.NewFromString(quantityStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt quantity %q: %w", quantityStr, err)
		}
		filled, err := decimal.NewFromString(filledStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt filled quantity %q: %w", filledStr, err)
		}
		reserved = reserved.Add(quantity.Sub(filled))
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("error iterating reserved quantities: %w", err)
	}
	return reserved, nil
}

// ActiveSymbols returns the distinct symbols referenced by open orders.
func (r *Repository) ActiveSymbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT symbol FROM orders WHERE "+openStatesClause)
	if err != nil {
		return nil, fmt.Errorf("failed to list active order symbols: %w", err)
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

// CountByState returns order counts grouped by state, for health detail.
func (r *Repository) CountByState(ctx context.Context) (map[domain.OrderState]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM orders GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count orders by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.OrderState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan order count: %w", err)
		}
		counts[domain.OrderState(state)] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                           domain.Order
		side, orderType, tif, state string
		quantityStr, filledStr      string
		limitStr, stopStr, avgStr   sql.NullString
		brokerOrderID, lastError    sql.NullString
		submittedAt                 sql.NullInt64
		createdAt, updatedAt        int64
	)

	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.AccountID,
		&o.Symbol,
		&side,
		&orderType,
		&tif,
		&state,
		&quantityStr,
		&limitStr,
		&stopStr,
		&filledStr,
		&avgStr,
		&brokerOrderID,
		&o.IdempotencyKey,
		&o.RetryCount,
		&lastError,
		&submittedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.TimeInForce = domain.TimeInForce(tif)
	o.State = domain.OrderState(state)

	if o.Quantity, err = decimal.NewFromString(quantityStr); err != nil {
		return nil, fmt.Errorf("corrupt quantity %q: %w", quantityStr, err)
	}
	if o.FilledQuantity, err = decimal.NewFromString(filledStr); err != nil {
		return nil, fmt.Errorf("corrupt filled quantity %q: %w", filledStr, err)
	}
	if o.LimitPrice, err = decimalPtr(limitStr); err != nil {
		return nil, fmt.Errorf("corrupt limit price: %w", err)
	}
	if o.StopPrice, err = decimalPtr(stopStr); err != nil {
		return nil, fmt.Errorf("corrupt stop price: %w", err)
	}
	if o.AvgFillPrice, err = decimalPtr(avgStr); err != nil {
		return nil, fmt.Errorf("corrupt avg fill price: %w", err)
	}

	o.BrokerOrderID = brokerOrderID.String
	o.LastError = lastError.String
	if submittedAt.Valid {
		t := time.UnixMilli(submittedAt.Int64).UTC()
		o.SubmittedAt = &t
	}
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	o.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return &o, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func decimalPtr(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
