package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Broker-agnostic types. Concrete broker clients translate their wire
// formats into these so the order engine never sees vendor payloads.

// BrokerOrderRequest is the outbound shape of an order submission. The
// ClientOrderID carries the idempotency key persisted before the call.
type BrokerOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	TimeInForce   TimeInForce
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
}

// BrokerOrderAck is the broker's acceptance of a submission.
type BrokerOrderAck struct {
	AcceptedAt    time.Time
	BrokerOrderID string
	State         OrderState
}

// BrokerOrderSnapshot is a point-in-time view of an order at the broker,
// delivered by webhook, stream, or poll. Ingest is idempotent on it.
type BrokerOrderSnapshot struct {
	AsOf           time.Time
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	State          OrderState
	FilledQuantity decimal.Decimal
	AvgFillPrice   *decimal.Decimal
	Reason         string
}

// BrokerQuote is a single-symbol market quote.
type BrokerQuote struct {
	AsOf   time.Time
	Symbol string
	Price  decimal.Decimal
}

// BrokerRejection carries the broker's reason code for a 4xx refusal.
type BrokerRejection struct {
	Code    string
	Message string
}

func (r *BrokerRejection) Error() string {
	return "broker rejected order: " + r.Code + ": " + r.Message
}
