package portfolio

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/domain"
)

// UserRepository persists users. User management has no public API; rows
// are provisioned at boot or by operator tooling.
type UserRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewUserRepository creates a user repository.
func NewUserRepository(db *sql.DB, log zerolog.Logger) *UserRepository {
	return &UserRepository{
		db:  db,
		log: log.With().Str("repo", "users").Logger(),
	}
}

// GetByID returns one user, or nil when unknown.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, credential_handle, base_currency, is_active, created_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetByEmail returns the user registered under the email, or nil.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, credential_handle, base_currency, is_active, created_at
		FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// EnsureUser returns the user for the email, creating it when absent.
// Boot provisioning runs through this so a fresh deployment has an owner.
func (r *UserRepository) EnsureUser(ctx context.Context, email string, baseCurrency domain.Currency) (*domain.User, error) {
	existing, err := r.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	user := &domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		BaseCurrency: baseCurrency,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, base_currency, is_active, created_at)
		VALUES (?, ?, ?, 1, ?)`,
		user.ID, user.Email, string(user.BaseCurrency), user.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO portfolios (id, user_id, name, is_primary, created_at)
		VALUES (?, ?, 'Primary', 1, ?)`,
		uuid.New().String(), user.ID, user.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create primary portfolio: %w", err)
	}

	r.log.Info().Str("user_id", user.ID).Str("email", email).Msg("User provisioned")
	return user, nil
}

// GetPrimaryPortfolio returns the user's primary portfolio, or nil.
func (r *UserRepository) GetPrimaryPortfolio(ctx context.Context, userID string) (*domain.Portfolio, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, is_primary, created_at
		FROM portfolios WHERE user_id = ? AND is_primary = 1`, userID)

	var (
		p         domain.Portfolio
		isPrimary int
		createdAt int64
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &isPrimary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get primary portfolio: %w", err)
	}
	p.IsPrimary = isPrimary == 1
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &p, nil
}

// ListActive returns every active user, for full reconcile fan-out.
func (r *UserRepository) ListActive(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email, credential_handle, base_currency, is_active, created_at
		FROM users WHERE is_active = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u         domain.User
		currency  string
		isActive  int
		createdAt int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.CredentialHandle, &currency, &isActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.BaseCurrency = domain.Currency(currency)
	u.IsActive = isActive == 1
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &u, nil
}

// CustodianRepository persists custodian reference data.
type CustodianRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCustodianRepository creates a custodian repository.
func NewCustodianRepository(db *sql.DB, log zerolog.Logger) *CustodianRepository {
	return &CustodianRepository{
		db:  db,
		log: log.With().Str("repo", "custodians").Logger(),
	}
}

// Ensure registers a custodian by slug, creating or refreshing the row.
// Runs at boot for every configured adapter.
func (r *CustodianRepository) Ensure(ctx context.Context, slug, name string, caps []domain.CustodianCapability) (*domain.Custodian, error) {
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capabilities: %w", err)
	}

	existing, err := r.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		_, err = r.db.ExecContext(ctx,
			"UPDATE custodians SET name = ?, capabilities = ? WHERE id = ?",
			name, string(capsJSON), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh custodian: %w", err)
		}
		existing.Name = name
		existing.Capabilities = caps
		return existing, nil
	}

	custodian := &domain.Custodian{
		ID:           uuid.New().String(),
		Slug:         slug,
		Name:         name,
		Capabilities: caps,
		IsHealthy:    true,
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO custodians (id, slug, name, capabilities, is_healthy)
		VALUES (?, ?, ?, ?, 1)`,
		custodian.ID, custodian.Slug, custodian.Name, string(capsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create custodian: %w", err)
	}

	r.log.Info().Str("slug", slug).Msg("Custodian registered")
	return custodian, nil
}

// GetBySlug returns the custodian registered under the slug, or nil.
func (r *CustodianRepository) GetBySlug(ctx context.Context, slug string) (*domain.Custodian, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, slug, name, capabilities, is_healthy FROM custodians WHERE slug = ?", slug)
	return scanCustodian(row)
}

// GetByID returns one custodian, or nil when unknown.
func (r *CustodianRepository) GetByID(ctx context.Context, id string) (*domain.Custodian, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, slug, name, capabilities, is_healthy FROM custodians WHERE id = ?", id)
	return scanCustodian(row)
}

// List returns all registered custodians.
func (r *CustodianRepository) List(ctx context.Context) ([]domain.Custodian, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, slug, name, capabilities, is_healthy FROM custodians ORDER BY slug")
	if err != nil {
		return nil, fmt.Errorf("failed to list custodians: %w", err)
	}
	defer rows.Close()

	var custodians []domain.Custodian
	for rows.Next() {
		c, err := scanCustodian(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan custodian: %w", err)
		}
		custodians = append(custodians, *c)
	}
	return custodians, rows.Err()
}

// SetHealthy flips the custodian health flag, mirroring its breaker.
func (r *CustodianRepository) SetHealthy(ctx context.Context, id string, healthy bool) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE custodians SET is_healthy = ? WHERE id = ?", boolToInt(healthy), id)
	if err != nil {
		return fmt.Errorf("failed to update custodian health: %w", err)
	}
	return nil
}

func scanCustodian(row rowScanner) (*domain.Custodian, error) {
	var (
		c         domain.Custodian
		capsJSON  string
		isHealthy int
	)
	err := row.Scan(&c.ID, &c.Slug, &c.Name, &capsJSON, &isHealthy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &c.Capabilities); err != nil {
		return nil, fmt.Errorf("corrupt capabilities %q: %w", capsJSON, err)
	}
	c.IsHealthy = isHealthy == 1
	return &c, nil
}
