package domain

import (
	"context"
	"time"
)

// BrokerClient defines broker-agnostic order execution operations.
// Concrete clients translate vendor payloads into the Broker* types so the
// order engine never depends on a specific venue. Every call honors the
// context deadline; the engine wraps calls in the broker circuit breaker.
type BrokerClient interface {
	// SubmitOrder places an order. A *BrokerRejection error means the
	// broker refused it (no retry); other errors are transport-level.
	SubmitOrder(ctx context.Context, req BrokerOrderRequest) (*BrokerOrderAck, error)

	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrder polls the current snapshot of one order.
	GetOrder(ctx context.Context, brokerOrderID string) (*BrokerOrderSnapshot, error)

	// FindOrderByClientID locates an order by its client idempotency key.
	// Used to adopt orders the broker accepted but the local commit lost.
	// Returns nil, nil when the broker has no such order.
	FindOrderByClientID(ctx context.Context, clientOrderID string) (*BrokerOrderSnapshot, error)

	// GetQuotes returns current quotes for the given symbols.
	GetQuotes(ctx context.Context, symbols []string) ([]BrokerQuote, error)
}

// CustodianAdapter defines the per-custodian aggregation contract.
// Adapters are stateless; the access handle is opaque to the core.
type CustodianAdapter interface {
	// Slug identifies the adapter, e.g. "plaid".
	Slug() string

	// LinkFlow starts a link session for the user.
	LinkFlow(ctx context.Context, userID string) (*LinkSession, error)

	// ExchangePublicCredential completes the link flow, trading the
	// client-supplied public token for a durable access handle.
	ExchangePublicCredential(ctx context.Context, publicToken string) (*AccessHandle, error)

	// ListAccounts returns every account visible through the handle.
	ListAccounts(ctx context.Context, handle AccessHandle) ([]CustodianAccount, error)

	// ListHoldings returns the full holdings snapshot for the handle.
	ListHoldings(ctx context.Context, handle AccessHandle) ([]CustodianHolding, error)

	// ListTransactions returns transactions since the given time.
	ListTransactions(ctx context.Context, handle AccessHandle, since time.Time) ([]CustodianTransaction, error)
}
