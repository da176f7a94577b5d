package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := []struct {
		from OrderState
		to   OrderState
	}{
		{OrderStatePending, OrderStateSubmitted},
		{OrderStatePending, OrderStateRejected},
		{OrderStatePending, OrderStateCancelled},
		{OrderStatePending, OrderStateExpired},
		{OrderStateSubmitted, OrderStatePartiallyFilled},
		{OrderStateSubmitted, OrderStateFilled},
		{OrderStateSubmitted, OrderStateCancelled},
		{OrderStateSubmitted, OrderStateRejected},
		{OrderStateSubmitted, OrderStateExpired},
		{OrderStatePartiallyFilled, OrderStateFilled},
		{OrderStatePartiallyFilled, OrderStateCancelled},
		{OrderStatePartiallyFilled, OrderStateRejected},
		{OrderStatePartiallyFilled, OrderStateExpired},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct {
		from OrderState
		to   OrderState
	}{
		{OrderStatePending, OrderStateFilled},
		{OrderStatePending, OrderStatePartiallyFilled},
		{OrderStateSubmitted, OrderStatePending},
		{OrderStatePartiallyFilled, OrderStateSubmitted},
		{OrderStateFilled, OrderStateCancelled},
		{OrderStateCancelled, OrderStateSubmitted},
		{OrderStateRejected, OrderStatePending},
		{OrderStateExpired, OrderStateFilled},
		{OrderStateFilled, OrderStateFilled},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestOrderStateTerminal(t *testing.T) {
	assert.False(t, OrderStatePending.IsTerminal())
	assert.False(t, OrderStateSubmitted.IsTerminal())
	assert.False(t, OrderStatePartiallyFilled.IsTerminal())

	for _, s := range []OrderState{OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired} {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
		// No outgoing edges from a terminal state.
		for _, to := range []OrderState{OrderStatePending, OrderStateSubmitted, OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired} {
			assert.False(t, CanTransition(s, to))
		}
	}
}

func TestOrderStateCancellable(t *testing.T) {
	assert.True(t, OrderStatePending.Cancellable())
	assert.True(t, OrderStateSubmitted.Cancellable())
	assert.True(t, OrderStatePartiallyFilled.Cancellable())
	assert.False(t, OrderStateFilled.Cancellable())
	assert.False(t, OrderStateCancelled.Cancellable())
	assert.False(t, OrderStateRejected.Cancellable())
	assert.False(t, OrderStateExpired.Cancellable())
}

func TestOrderTypePriceRequirements(t *testing.T) {
	assert.False(t, OrderTypeMarket.RequiresLimitPrice())
	assert.True(t, OrderTypeLimit.RequiresLimitPrice())
	assert.False(t, OrderTypeStop.RequiresLimitPrice())
	assert.True(t, OrderTypeStopLimit.RequiresLimitPrice())

	assert.False(t, OrderTypeMarket.RequiresStopPrice())
	assert.False(t, OrderTypeLimit.RequiresStopPrice())
	assert.True(t, OrderTypeStop.RequiresStopPrice())
	assert.True(t, OrderTypeStopLimit.RequiresStopPrice())
}

func TestAllowsTimeInForce(t *testing.T) {
	// DAY and GTC are always fine.
	for _, typ := range []OrderType{OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit} {
		assert.True(t, typ.AllowsTimeInForce(TimeInForceDay))
		assert.True(t, typ.AllowsTimeInForce(TimeInForceGTC))
	}

	// IOC/FOK need an immediately actionable order type.
	assert.True(t, OrderTypeMarket.AllowsTimeInForce(TimeInForceIOC))
	assert.True(t, OrderTypeLimit.AllowsTimeInForce(TimeInForceFOK))
	assert.False(t, OrderTypeStop.AllowsTimeInForce(TimeInForceIOC))
	assert.False(t, OrderTypeStopLimit.AllowsTimeInForce(TimeInForceFOK))
}

func TestOrderRemainingQuantity(t *testing.T) {
	o := Order{
		Quantity:       decimal.NewFromInt(100),
		FilledQuantity: decimal.NewFromInt(40),
	}
	assert.True(t, o.RemainingQuantity().Equal(decimal.NewFromInt(60)))

	o.FilledQuantity = decimal.NewFromInt(100)
	assert.True(t, o.RemainingQuantity().IsZero())
}

func TestOrderJSONOmitsEmptyPrices(t *testing.T) {
	now := time.Now()
	o := Order{
		ID:        "ord-1",
		CreatedAt: now,
		UpdatedAt: now,
		Symbol:    "AAPL",
		Side:      OrderSideBuy,
		Type:      OrderTypeMarket,
		State:     OrderStatePending,
		Quantity:  decimal.NewFromInt(10),
	}
	require.Nil(t, o.LimitPrice)
	require.Nil(t, o.StopPrice)
	assert.Equal(t, OrderTypeMarket, o.Type)
}
