package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Custodian adapter contract types. Adapters are stateless with respect to
// the core; the access handle is opaque and stored encrypted.

// LinkSession is the first leg of the custodian link flow. The token is
// handed to the client, which completes institution selection out-of-band.
type LinkSession struct {
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"link_token"`
	Custodian string    `json:"custodian"`
}

// AccessHandle is the opaque credential returned by the public-token
// exchange. Only its encrypted form is persisted.
type AccessHandle struct {
	Token  string
	ItemID string
}

// CustodianAccount is one account as reported by a custodian.
type CustodianAccount struct {
	ExternalID       string
	Name             string
	Kind             AccountKind
	Currency         Currency
	CurrentBalance   decimal.Decimal
	AvailableBalance decimal.Decimal
}

// CustodianHolding is one position as reported by a custodian.
type CustodianHolding struct {
	AccountExternalID string
	Symbol            string
	Quantity          decimal.Decimal
	UnitPrice         decimal.Decimal
	CostBasis         decimal.Decimal
	Currency          Currency
}

// CustodianTransaction is one ledger entry as reported by a custodian.
// ExternalID may be empty; the sync engine then derives a content hash.
type CustodianTransaction struct {
	Date              time.Time
	AccountExternalID string
	ExternalID        string
	Kind              TransactionKind
	Amount            decimal.Decimal
	Currency          Currency
	Description       string
	Symbol            string
	Quantity          *decimal.Decimal
	UnitPrice         *decimal.Decimal
	Fee               *decimal.Decimal
	IsPending         bool
}
