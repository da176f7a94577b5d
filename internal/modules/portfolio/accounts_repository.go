// Package portfolio aggregates balances, holdings, and transactions
// across heterogeneous custodians into one unified per-user view, and
// keeps that view reconciled against the custodians' snapshots.
package portfolio

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

const accountsColumns = `id, user_id, portfolio_id, custodian_id, name, kind, external_id,
	access_token, currency, current_balance, available_balance, sync_status,
	is_manual, is_active, last_synced_at, created_at`

// AccountRepository persists accounts in the canonical store.
type AccountRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAccountRepository creates an account repository.
func NewAccountRepository(db *sql.DB, log zerolog.Logger) *AccountRepository {
	return &AccountRepository{
		db:  db,
		log: log.With().Str("repo", "accounts").Logger(),
	}
}

// Create inserts a new account. Linked accounts are unique per
// (custodian, external id); re-linking an institution returns DUPLICATE
// so the caller can reuse the existing row.
func (r *AccountRepository) Create(ctx context.Context, a *domain.Account) error {
	switch {
	case a.UserID == "":
		return domain.NewValidationError(domain.CodeInvalidRequest, "account requires a user")
	case a.Name == "":
		return domain.NewValidationError(domain.CodeInvalidRequest, "account requires a name")
	case a.Kind == "":
		return domain.NewValidationError(domain.CodeInvalidRequest, "account requires a kind")
	case !a.IsManual && a.CustodianID == "":
		return domain.NewValidationError(domain.CodeInvalidRequest, "linked accounts require a custodian")
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Currency == "" {
		a.Currency = domain.CurrencyUSD
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO accounts
		(id, user_id, portfolio_id, custodian_id, name, kind, external_id,
		 access_token, currency, current_balance, available_balance, sync_status,
		 is_manual, is_active, last_synced_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.UserID,
		nullString(a.PortfolioID),
		nullString(a.CustodianID),
		a.Name,
		string(a.Kind),
		nullString(a.ExternalID),
		nullString(a.AccessToken),
		string(a.Currency),
		a.CurrentBalance.String(),
		a.AvailableBalance.String(),
		nullString(string(a.SyncStatus)),
		boolToInt(a.IsManual),
		boolToInt(a.IsActive),
		nullTime(a.LastSyncedAt),
		a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "accounts.external_id") {
			return domain.NewError(domain.CodeDuplicate,
				"this custodian account is already linked", domain.CategoryBusinessLogic, domain.SeverityLow)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	r.log.Info().
		Str("account_id", a.ID).
		Str("kind", string(a.Kind)).
		Bool("manual", a.IsManual).
		Msg("Account created")
	return nil
}

// GetByID returns one account, or nil when unknown.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+accountsColumns+" FROM accounts WHERE id = ?", id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// GetByExternalID returns the account linked under (custodian, external
// id), or nil.
func (r *AccountRepository) GetByExternalID(ctx context.Context, custodianID, externalID string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+accountsColumns+" FROM accounts WHERE custodian_id = ? AND external_id = ?",
		custodianID, externalID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by external id: %w", err)
	}
	return account, nil
}

// ListByUser returns the user's active accounts.
func (r *AccountRepository) ListByUser(ctx context.Context, userID string) ([]domain.Account, error) {
	return r.list(ctx, "WHERE user_id = ? AND is_active = 1 ORDER BY created_at ASC", userID)
}

// ListSyncableByUser returns the user's accounts eligible for a custodian
// sync: active, linked, and holding an access token.
func (r *AccountRepository) ListSyncableByUser(ctx context.Context, userID string) ([]domain.Account, error) {
	return r.list(ctx, `
		WHERE user_id = ? AND is_active = 1 AND is_manual = 0
		  AND custodian_id IS NOT NULL AND access_token IS NOT NULL
		ORDER BY created_at ASC`, userID)
}

// ListSyncable returns every sync-eligible account across all users, for
// the daily full reconcile.
func (r *AccountRepository) ListSyncable(ctx context.Context) ([]domain.Account, error) {
	return r.list(ctx, `
		WHERE is_active = 1 AND is_manual = 0
		  AND custodian_id IS NOT NULL AND access_token IS NOT NULL
		ORDER BY user_id, created_at ASC`)
}

func (r *AccountRepository) list(ctx context.Context, clause string, args ...interface{}) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+accountsColumns+" FROM accounts "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// UpdateBalances writes the balances delivered by a sync along with the
// sync bookkeeping columns.
func (r *AccountRepository) UpdateBalances(ctx context.Context, id string, current, available decimal.Decimal, status domain.SyncStatus, syncedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET current_balance = ?, available_balance = ?,
			sync_status = ?, last_synced_at = ?
		WHERE id = ?`,
		current.String(), available.String(), string(status), syncedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update account balances: %w", err)
	}
	return requireAffected(res, "account "+id)
}

// UpdateSyncStatus records the sync outcome without touching balances.
// Used on failure so the last good snapshot stays visible.
func (r *AccountRepository) UpdateSyncStatus(ctx context.Context, id string, status domain.SyncStatus) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE accounts SET sync_status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return requireAffected(res, "account "+id)
}

// UpdateAccessToken replaces the sealed access token, e.g. after a
// re-link of an expired credential.
func (r *AccountRepository) UpdateAccessToken(ctx context.Context, id, sealedToken string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE accounts SET access_token = ? WHERE id = ?", sealedToken, id)
	if err != nil {
		return fmt.Errorf("failed to update access token: %w", err)
	}
	return requireAffected(res, "account "+id)
}

// AdjustAvailableBalance atomically applies a signed delta to the
// available balance. Fills consume buying power through this.
func (r *AccountRepository) AdjustAvailableBalance(ctx context.Context, id string, delta decimal.Decimal) error {
	// Decimal columns are TEXT; the arithmetic happens here under a
	// single-row optimistic retry rather than in SQL.
	for attempt := 0; attempt < 3; attempt++ {
		var availableStr string
		err := r.db.QueryRowContext(ctx,
			"SELECT available_balance FROM accounts WHERE id = ?", id).Scan(&availableStr)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NewNotFoundError("account " + id + " not found")
		}
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}

		available, err := decimal.NewFromString(availableStr)
		if err != nil {
			return fmt.Errorf("corrupt balance %q: %w", availableStr, err)
		}
		next := available.Add(delta)

		res, err := r.db.ExecContext(ctx,
			"UPDATE accounts SET available_balance = ? WHERE id = ? AND available_balance = ?",
			next.String(), id, availableStr)
		if err != nil {
			return fmt.Errorf("failed to adjust balance: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to adjust balance: %w", err)
		}
		if affected == 1 {
			return nil
		}
		// Another writer moved the balance between read and write.
	}
	return domain.NewDatabaseError(nil, "balance adjustment for account "+id+" kept losing races")
}

// Deactivate soft-deletes an account; history and holdings stay.
func (r *AccountRepository) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE accounts SET is_active = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	return requireAffected(res, "account "+id)
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		a                                  domain.Account
		kind, currency                     string
		portfolioID, custodianID           sql.NullString
		externalID, accessToken, syncState sql.NullString
		currentStr, availableStr           string
		isManual, isActive                 int
		lastSyncedAt                       sql.NullInt64
		createdAt                          int64
	)

	err := row.Scan(
		&a.ID,
		&a.UserID,
		&portfolioID,
		&custodianID,
		&a.Name,
		&kind,
		&externalID,
		&accessToken,
		&currency,
		&currentStr,
		&availableStr,
		&syncState,
		&isManual,
		&isActive,
		&lastSyncedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	a.Kind = domain.AccountKind(kind)
	a.Currency = domain.Currency(currency)
	a.PortfolioID = portfolioID.String
	a.CustodianID = custodianID.String
	a.ExternalID = externalID.String
	a.AccessToken = accessToken.String
	a.SyncStatus = domain.SyncStatus(syncState.String)
	a.IsManual = isManual == 1
	a.IsActive = isActive == 1

	if a.CurrentBalance, err = decimal.NewFromString(currentStr); err != nil {
		return nil, fmt.Errorf("corrupt balance %q: %w", currentStr, err)
	}
	if a.AvailableBalance, err = decimal.NewFromString(availableStr); err != nil {
		return nil, fmt.Errorf("corrupt balance %q: %w", availableStr, err)
	}
	if lastSyncedAt.Valid {
		t := time.UnixMilli(lastSyncedAt.Int64).UTC()
		a.LastSyncedAt = &t
	}
	a.CreatedAt = time.UnixMilli(createdAt).UTC()

	return &a, nil
}

// Shared scan/bind helpers for the package's repositories.

type rowScanner interface {
	Scan(dest ...interface{}) error
}

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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(res sql.Result, what string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return domain.NewNotFoundError(what + " not found")
	}
	return nil
}
