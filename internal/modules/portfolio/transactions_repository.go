package portfolio

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/database"
	"github.com/monetahq/moneta/internal/domain"
)

const transactionsColumns = `id, account_id, user_id, kind, amount, currency, description,
	symbol, quantity, unit_price, fee, external_id, dedup_key, is_pending, date, created_at`

// TransactionRepository persists the immutable ledger of account activity.
type TransactionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTransactionRepository creates a transaction repository.
func NewTransactionRepository(db *sql.DB, log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:  db,
		log: log.With().Str("repo", "transactions").Logger(),
	}
}

// transactionDedupKey derives an idempotency key for custodians that do not
// assign transaction ids: a content hash over the fields that identify the
// entry. Two genuinely identical same-day entries will collapse into one;
// custodian-assigned external ids avoid that and take precedence.
func transactionDedupKey(t *domain.Transaction) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s",
		t.AccountID,
		t.Date.UTC().Format("2006-01-02"),
		t.Amount.String(),
		strings.TrimSpace(strings.ToLower(t.Description)))
	return hex.EncodeToString(h.Sum(nil))
}

// UpsertBatch inserts new transactions and silently skips ones already
// recorded, keyed by the custodian's external id when present and by
// content hash otherwise. Returns how many rows were actually inserted.
func (r *TransactionRepository) UpsertBatch(ctx context.Context, userID string, txns []domain.Transaction) (int, error) {
	if len(txns) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	inserted := 0

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for i := range txns {
			t := txns[i]
			if t.ID == "" {
				t.ID = uuid.New().String()
			}
			t.UserID = userID
			t.Symbol = domain.NormalizeSymbol(t.Symbol)
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			if t.ExternalID == "" && t.DedupKey == "" {
				t.DedupKey = transactionDedupKey(&t)
			}

			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO transactions
				(`+transactionsColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.AccountID, t.UserID, string(t.Kind),
				t.Amount.String(), string(t.Currency), t.Description,
				nullString(t.Symbol), nullDecimal(t.Quantity), nullDecimal(t.UnitPrice),
				nullDecimal(t.Fee), nullString(t.ExternalID), nullString(t.DedupKey),
				boolToInt(t.IsPending), t.Date.UnixMilli(), t.CreatedAt.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to insert transaction: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read insert result: %w", err)
			}
			inserted += int(affected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if skipped := len(txns) - inserted; skipped > 0 {
		r.log.Debug().
			Int("inserted", inserted).
			Int("skipped", skipped).
			Msg("Transaction batch partially deduplicated")
	}
	return inserted, nil
}

// ListByAccount returns the account's transactions since a point in time,
// newest first. A zero since means no lower bound.
func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID string, since time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionsColumns+`
		FROM transactions
		WHERE account_id = ? AND date >= ?
		ORDER BY date DESC, created_at DESC
		LIMIT ?`, accountID, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListByUser returns the user's transactions across accounts, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, since time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionsColumns+`
		FROM transactions
		WHERE user_id = ? AND date >= ?
		ORDER BY date DESC, created_at DESC
		LIMIT ?`, userID, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// CountByAccount returns how many transactions an account has on record.
func (r *TransactionRepository) CountByAccount(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE account_id = ?", accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t                             domain.Transaction
		kind, amountStr, currency     string
		symbol, externalID, dedupKey  sql.NullString
		quantityStr, priceStr, feeStr sql.NullString
		isPending                     int
		date, createdAt               int64
	)

	err := row.Scan(
		&t.ID,
		&t.AccountID,
		&t.UserID,
		&kind,
		&amountStr,
		&currency,
		&t.Description,
		&symbol,
		&quantityStr,
		&priceStr,
		&feeStr,
		&externalID,
		&dedupKey,
		&isPending,
		&date,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = domain.TransactionKind(kind)
	t.Currency = domain.Currency(currency)
	if t.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amountStr, err)
	}
	t.Symbol = symbol.String
	t.ExternalID = externalID.String
	t.DedupKey = dedupKey.String
	if t.Quantity, err = decimalPtr(quantityStr); err != nil {
		return nil, fmt.Errorf("corrupt quantity: %w", err)
	}
	if t.UnitPrice, err = decimalPtr(priceStr); err != nil {
		return nil, fmt.Errorf("corrupt unit price: %w", err)
	}
	if t.Fee, err = decimalPtr(feeStr); err != nil {
		return nil, fmt.Errorf("corrupt fee: %w", err)
	}
	t.IsPending = isPending != 0
	t.Date = time.UnixMilli(date).UTC()
	t.CreatedAt = time.UnixMilli(createdAt).UTC()

	return &t, nil
}
