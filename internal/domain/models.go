// Package domain provides core domain models and types.
// All monetary quantities are exact decimals with an explicit currency
// code; floats never enter persisted state.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO-4217 currency code
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyCAD Currency = "CAD"
)

// Money represents a monetary value with currency
type Money struct {
	Currency Currency        `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// NewMoney creates a new Money value
func NewMoney(amount decimal.Decimal, currency Currency) Money {
	return Money{
		Amount:   amount,
		Currency: currency,
	}
}

// NormalizeSymbol canonicalizes a ticker symbol. Symbols are compared and
// stored upper-cased with surrounding whitespace removed.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// User owns portfolios, accounts, orders, and strategies. Deleting a user
// cascades to all owned rows.
type User struct {
	CreatedAt        time.Time `json:"created_at"`
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	CredentialHandle string    `json:"-"`
	BaseCurrency     Currency  `json:"base_currency"`
	IsActive         bool      `json:"is_active"`
}

// CustodianCapability describes one thing a custodian adapter can do
type CustodianCapability string

const (
	CapabilityReadBalance      CustodianCapability = "read_balance"
	CapabilityReadHoldings     CustodianCapability = "read_holdings"
	CapabilityReadTransactions CustodianCapability = "read_transactions"
	CapabilityTrade            CustodianCapability = "trade"
)

// Custodian is a financial institution adapter binding. Reference data,
// never owned by a user.
type Custodian struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Slug         string                `json:"slug"`
	Capabilities []CustodianCapability `json:"capabilities"`
	IsHealthy    bool                  `json:"is_healthy"`
}

// HasCapability reports whether the custodian supports the capability.
func (c *Custodian) HasCapability(cap CustodianCapability) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// AccountKind represents the type of financial account
type AccountKind string

const (
	AccountKindChecking   AccountKind = "checking"
	AccountKindSavings    AccountKind = "savings"
	AccountKindInvestment AccountKind = "investment"
	AccountKindCredit     AccountKind = "credit"
	AccountKindLoan       AccountKind = "loan"
	AccountKindMortgage   AccountKind = "mortgage"
	AccountKindRetirement AccountKind = "retirement"
)

// HoldsSecurities reports whether the account kind carries holdings.
func (k AccountKind) HoldsSecurities() bool {
	return k == AccountKindInvestment || k == AccountKindRetirement
}

// SyncStatus records the outcome of the most recent account sync
type SyncStatus string

const (
	SyncStatusOK      SyncStatus = "ok"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
)

// Account belongs to exactly one user and optionally one portfolio and one
// custodian. If IsManual is false a custodian must be set and LastSyncedAt
// is advanced by every successful sync.
type Account struct {
	CreatedAt        time.Time       `json:"created_at"`
	LastSyncedAt     *time.Time      `json:"last_synced_at,omitempty"`
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	PortfolioID      string          `json:"portfolio_id,omitempty"`
	CustodianID      string          `json:"custodian_id,omitempty"`
	Name             string          `json:"name"`
	Kind             AccountKind     `json:"kind"`
	ExternalID       string          `json:"external_id,omitempty"`
	AccessToken      string          `json:"-"`
	Currency         Currency        `json:"currency"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	SyncStatus       SyncStatus      `json:"sync_status,omitempty"`
	IsManual         bool            `json:"is_manual"`
	IsActive         bool            `json:"is_active"`
}

// Portfolio is a user-owned grouping of accounts. IsPrimary is unique per
// user.
type Portfolio struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	IsPrimary bool      `json:"is_primary"`
}

// Holding is a position in one security within one account, identified by
// (account, symbol). Quantity never goes negative; market value is
// recomputed on every price update.
type Holding struct {
	LastUpdated  time.Time       `json:"last_updated"`
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	Currency     Currency        `json:"currency"`
}

// Reprice updates the unit price and recomputes the derived values.
func (h *Holding) Reprice(price decimal.Decimal, at time.Time) {
	h.UnitPrice = price
	h.MarketValue = h.Quantity.Mul(price)
	h.UnrealizedPL = h.MarketValue.Sub(h.CostBasis)
	h.LastUpdated = at
}

// TransactionKind represents the type of a ledger transaction
type TransactionKind string

const (
	TransactionDeposit    TransactionKind = "deposit"
	TransactionWithdrawal TransactionKind = "withdrawal"
	TransactionTransfer   TransactionKind = "transfer"
	TransactionPurchase   TransactionKind = "purchase"
	TransactionSale       TransactionKind = "sale"
	TransactionDividend   TransactionKind = "dividend"
	TransactionInterest   TransactionKind = "interest"
	TransactionFee        TransactionKind = "fee"
)

// Transaction belongs to one account and user. Amount is signed; credits
// are positive. ExternalID is the idempotency key for re-sync when the
// custodian provides one.
type Transaction struct {
	Date        time.Time        `json:"date"`
	CreatedAt   time.Time        `json:"created_at"`
	ID          string           `json:"id"`
	AccountID   string           `json:"account_id"`
	UserID      string           `json:"user_id"`
	Kind        TransactionKind  `json:"kind"`
	Amount      decimal.Decimal  `json:"amount"`
	Currency    Currency         `json:"currency"`
	Description string           `json:"description,omitempty"`
	Symbol      string           `json:"symbol,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	Fee         *decimal.Decimal `json:"fee,omitempty"`
	ExternalID  string           `json:"external_id,omitempty"`
	DedupKey    string           `json:"-"`
	IsPending   bool             `json:"is_pending"`
}

// Strategy is a user-defined target allocation with a drift threshold in
// percentage points.
type Strategy struct {
	CreatedAt      time.Time         `json:"created_at"`
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Name           string            `json:"name"`
	DriftThreshold decimal.Decimal   `json:"drift_threshold"`
	Holdings       []StrategyHolding `json:"holdings,omitempty"`
}

// StrategyHolding maps a symbol to a target weight in [0, 1]. Weights of
// one strategy sum to at most 1.
type StrategyHolding struct {
	StrategyID   string          `json:"strategy_id"`
	Symbol       string          `json:"symbol"`
	TargetWeight decimal.Decimal `json:"target_weight"`
}

// ValidateWeights checks the strategy weight invariants.
func (s *Strategy) ValidateWeights() error {
	sum := decimal.Zero
	for _, h := range s.Holdings {
		if h.TargetWeight.IsNegative() || h.TargetWeight.GreaterThan(decimal.NewFromInt(1)) {
			return NewError(CodeInvalidStrategy, "target weight must be within [0, 1]", CategoryValidation, SeverityLow)
		}
		sum = sum.Add(h.TargetWeight)
	}
	if sum.GreaterThan(decimal.NewFromInt(1)) {
		return NewError(CodeInvalidStrategy, "target weights must sum to at most 1", CategoryValidation, SeverityLow)
	}
	return nil
}
