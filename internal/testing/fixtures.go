package testing

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/monetahq/moneta/internal/domain"
	"github.com/shopspring/decimal"
)

// Fixture helpers insert canonical rows directly so repository and
// service tests can start from a populated store without going through
// the full sync or order paths.

// SeedUser inserts a user and returns it.
func SeedUser(t *testing.T, db *sql.DB, email string) domain.User {
	t.Helper()

	user := domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		BaseCurrency: domain.CurrencyUSD,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
	_, err := db.Exec(`
		INSERT INTO users (id, email, base_currency, is_active, created_at)
		VALUES (?, ?, ?, 1, ?)`,
		user.ID, user.Email, string(user.BaseCurrency), user.CreatedAt.UnixMilli())
	if err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}
	return user
}

// SeedCustodian inserts a custodian with the given capabilities.
func SeedCustodian(t *testing.T, db *sql.DB, slug string, caps ...domain.CustodianCapability) domain.Custodian {
	t.Helper()

	if len(caps) == 0 {
		caps = []domain.CustodianCapability{
			domain.CapabilityReadBalance,
			domain.CapabilityReadHoldings,
			domain.CapabilityReadTransactions,
		}
	}
	capsJSON := `["` + string(caps[0]) + `"`
	for _, c := range caps[1:] {
		capsJSON += `,"` + string(c) + `"`
	}
	capsJSON += `]`

	custodian := domain.Custodian{
		ID:           uuid.New().String(),
		Slug:         slug,
		Name:         slug,
		Capabilities: caps,
		IsHealthy:    true,
	}
	_, err := db.Exec(`
		INSERT INTO custodians (id, slug, name, capabilities, is_healthy)
		VALUES (?, ?, ?, ?, 1)`,
		custodian.ID, custodian.Slug, custodian.Name, capsJSON)
	if err != nil {
		t.Fatalf("Failed to seed custodian: %v", err)
	}
	return custodian
}

// SeedAccount inserts a manual investment account for the user.
func SeedAccount(t *testing.T, db *sql.DB, userID string, balance string) domain.Account {
	t.Helper()

	account := domain.Account{
		ID:               uuid.New().String(),
		UserID:           userID,
		Name:             "Test Brokerage",
		Kind:             domain.AccountKindInvestment,
		Currency:         domain.CurrencyUSD,
		CurrentBalance:   decimal.RequireFromString(balance),
		AvailableBalance: decimal.RequireFromString(balance),
		IsActive:         true,
		CreatedAt:        time.Now(),
	}
	_, err := db.Exec(`
		INSERT INTO accounts (id, user_id, name, kind, currency, current_balance,
			available_balance, is_manual, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1, ?)`,
		account.ID, account.UserID, account.Name, string(account.Kind),
		string(account.Currency), account.CurrentBalance.String(),
		account.AvailableBalance.String(), account.CreatedAt.UnixMilli())
	if err != nil {
		t.Fatalf("Failed to seed account: %v", err)
	}
	return account
}

// SeedLinkedAccount inserts a custodian-linked account with an external id.
func SeedLinkedAccount(t *testing.T, db *sql.DB, userID, custodianID, externalID string) domain.Account {
	t.Helper()

	account := domain.Account{
		ID:          uuid.New().String(),
		UserID:      userID,
		CustodianID: custodianID,
		Name:        "Linked Brokerage",
		Kind:        domain.AccountKindInvestment,
		ExternalID:  externalID,
		Currency:    domain.CurrencyUSD,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	_, err := db.Exec(`
		INSERT INTO accounts (id, user_id, custodian_id, name, kind, external_id,
			currency, current_balance, available_balance, is_manual, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '0', '0', 0, 1, ?)`,
		account.ID, account.UserID, account.CustodianID, account.Name,
		string(account.Kind), account.ExternalID, string(account.Currency),
		account.CreatedAt.UnixMilli())
	if err != nil {
		t.Fatalf("Failed to seed linked account: %v", err)
	}
	return account
}

// SeedHolding inserts one position into an account.
func SeedHolding(t *testing.T, db *sql.DB, accountID, symbol, quantity, unitPrice string) domain.Holding {
	t.Helper()

	qty := decimal.RequireFromString(quantity)
	price := decimal.RequireFromString(unitPrice)
	holding := domain.Holding{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Symbol:      domain.NormalizeSymbol(symbol),
		Quantity:    qty,
		UnitPrice:   price,
		MarketValue: qty.Mul(price),
		CostBasis:   qty.Mul(price),
		Currency:    domain.CurrencyUSD,
		LastUpdated: time.Now(),
	}
	_, err := db.Exec(`
		INSERT INTO holdings (id, account_id, symbol, quantity, unit_price,
			market_value, cost_basis, unrealized_pl, currency, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, '0', ?, ?)`,
		holding.ID, holding.AccountID, holding.Symbol, holding.Quantity.String(),
		holding.UnitPrice.String(), holding.MarketValue.String(),
		holding.CostBasis.String(), string(holding.Currency),
		holding.LastUpdated.UnixMilli())
	if err != nil {
		t.Fatalf("Failed to seed holding: %v", err)
	}
	return holding
}

// NewOrderDraft builds a valid market day order for tests. Callers
// override fields as needed before submitting or inserting it.
func NewOrderDraft(userID, accountID, symbol string) domain.Order {
	now := time.Now()
	return domain.Order{
		ID:             uuid.New().String(),
		UserID:         userID,
		AccountID:      accountID,
		Symbol:         domain.NormalizeSymbol(symbol),
		Side:           domain.OrderSideBuy,
		Type:           domain.OrderTypeMarket,
		TimeInForce:    domain.TimeInForceDay,
		State:          domain.OrderStatePending,
		Quantity:       decimal.NewFromInt(10),
		FilledQuantity: decimal.Zero,
		IdempotencyKey: uuid.New().String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
