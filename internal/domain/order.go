package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the execution type of an order
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce specifies how long an order remains active
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderState represents the lifecycle state of an order
type OrderState string

const (
	OrderStatePending         OrderState = "PENDING"
	OrderStateSubmitted       OrderState = "SUBMITTED"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
)

// orderTransitions is the closed set of legal state transitions. Terminal
// states have no outgoing edges.
var orderTransitions = map[OrderState][]OrderState{
	OrderStatePending: {
		OrderStateSubmitted,
		OrderStateRejected,
		OrderStateCancelled,
		OrderStateExpired,
	},
	OrderStateSubmitted: {
		OrderStatePartiallyFilled,
		OrderStateFilled,
		OrderStateCancelled,
		OrderStateRejected,
		OrderStateExpired,
	},
	OrderStatePartiallyFilled: {
		OrderStateFilled,
		OrderStateCancelled,
		OrderStateRejected,
		OrderStateExpired,
	},
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to OrderState) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether CancelOrder is legal from this state.
func (s OrderState) Cancellable() bool {
	switch s {
	case OrderStatePending, OrderStateSubmitted, OrderStatePartiallyFilled:
		return true
	}
	return false
}

// Order is the authoritative record of one trading order. FilledQuantity
// only advances monotonically and never exceeds Quantity; terminal states
// are immutable.
type Order struct {
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	SubmittedAt    *time.Time       `json:"submitted_at,omitempty"`
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	AccountID      string           `json:"account_id"`
	Symbol         string           `json:"symbol"`
	Side           OrderSide        `json:"side"`
	Type           OrderType        `json:"type"`
	TimeInForce    TimeInForce      `json:"time_in_force"`
	State          OrderState       `json:"state"`
	Quantity       decimal.Decimal  `json:"quantity"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   *decimal.Decimal `json:"avg_fill_price,omitempty"`
	BrokerOrderID  string           `json:"broker_order_id,omitempty"`
	IdempotencyKey string           `json:"client_idempotency_key"`
	RetryCount     int              `json:"retry_count"`
	LastError      string           `json:"last_error,omitempty"`
}

// RemainingQuantity returns the unfilled remainder of the order.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// RequiresLimitPrice reports whether the order type needs a limit price.
func (t OrderType) RequiresLimitPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// RequiresStopPrice reports whether the order type needs a stop price.
func (t OrderType) RequiresStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// AllowsTimeInForce reports whether tif is compatible with the order type.
// IOC and FOK only make sense for orders the broker can act on in one
// round-trip.
func (t OrderType) AllowsTimeInForce(tif TimeInForce) bool {
	if tif == TimeInForceIOC || tif == TimeInForceFOK {
		return t == OrderTypeLimit || t == OrderTypeMarket
	}
	return true
}

// OrderFilter narrows ListOrders results. Zero values mean "any".
type OrderFilter struct {
	UserID    string
	AccountID string
	Symbol    string
	State     OrderState
	Side      OrderSide
	Limit     int
}

// OrderWarning is a non-fatal validation finding surfaced to the caller
// alongside a successful submission.
type OrderWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
