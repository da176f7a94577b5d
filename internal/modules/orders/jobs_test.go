package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/market"
)

// clockInState scans timezones for one whose session is currently in the
// wanted state and stays there for the next minute. A closed session
// always exists somewhere; an open one does not (weekends), so callers
// asking for open must tolerate nil.
func clockInState(t *testing.T, open bool) *market.Clock {
	t.Helper()
	zones := []string{
		"America/New_York", "America/Los_Angeles", "Europe/London",
		"Asia/Dubai", "Asia/Tokyo", "Pacific/Auckland",
	}
	now := time.Now()
	for _, tz := range zones {
		clock, err := market.NewClock(tz)
		require.NoError(t, err)
		if clock.IsOpen(now) == open && clock.IsOpen(now.Add(time.Minute)) == open {
			return clock
		}
	}
	return nil
}

func TestReconcileJobSweepsStaleOrders(t *testing.T) {
	f := newEngineFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	result, err := f.service.SubmitOrder(ctx, f.submitRequest())
	require.NoError(t, err)
	backdate(t, f, result.Order.ID, time.Now().Add(-10*time.Minute))

	avg := decimal.NewFromInt(100)
	f.broker.SetSnapshot(result.Order.BrokerOrderID, &domain.BrokerOrderSnapshot{
		BrokerOrderID:  result.Order.BrokerOrderID,
		State:          domain.OrderStateFilled,
		FilledQuantity: decimal.NewFromInt(10),
		AvgFillPrice:   &avg,
	})

	job := NewReconcileJob(f.service, f.service.log)
	assert.Equal(t, "reconcile_orders", job.Name())
	assert.Nil(t, job.Result(), "no result before the first run")

	require.NoError(t, job.Run(ctx))

	summary, ok := job.Result().(*ReconcileSummary)
	require.True(t, ok)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, domain.OrderStateFilled, mustGet(t, f.repo, result.Order.ID).State)

	// Nothing stale remains; the next run reports an empty sweep.
	require.NoError(t, job.Run(ctx))
	summary, ok = job.Result().(*ReconcileSummary)
	require.True(t, ok)
	assert.Equal(t, 0, summary.Checked)
}

func TestReconcileJobKeepsSweepingPastFailures(t *testing.T) {
	f := newEngineFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	good, err := f.service.SubmitOrder(ctx, f.submitRequest())
	require.NoError(t, err)
	sell := f.submitRequest()
	sell.Side = domain.OrderSideSell
	sell.Quantity = decimal.NewFromInt(5)
	bad, err := f.service.SubmitOrder(ctx, sell)
	require.NoError(t, err)

	backdate(t, f, good.Order.ID, time.Now().Add(-10*time.Minute))
	backdate(t, f, bad.Order.ID, time.Now().Add(-10*time.Minute))

	avg := decimal.NewFromInt(100)
	f.broker.SetSnapshot(good.Order.BrokerOrderID, &domain.BrokerOrderSnapshot{
		BrokerOrderID:  good.Order.BrokerOrderID,
		State:          domain.OrderStateFilled,
		FilledQuantity: decimal.NewFromInt(10),
		AvgFillPrice:   &avg,
	})
	// The sell order has no snapshot at the broker, so its poll errors.

	job := NewReconcileJob(f.service, f.service.log)
	require.NoError(t, job.Run(ctx), "per-order failures must not abort the sweep")

	summary, ok := job.Result().(*ReconcileSummary)
	require.True(t, ok)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Failed)
}

func TestExpiryJobExpiresDayOrdersAfterClose(t *testing.T) {
	clock := clockInState(t, false)
	require.NotNil(t, clock, "some scanned timezone is always outside its session")

	f := newEngineFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	dayOrder, err := f.service.SubmitOrder(ctx, f.submitRequest())
	require.NoError(t, err)
	gtc := f.submitRequest()
	gtc.TimeInForce = domain.TimeInForceGTC
	gtcOrder, err := f.service.SubmitOrder(ctx, gtc)
	require.NoError(t, err)

	job := NewExpiryJob(f.service, clock, f.service.log)
	assert.Equal(t, "expire_day_orders", job.Name())

	require.NoError(t, job.Run(ctx))

	summary, ok := job.Result().(*ReconcileSummary)
	require.True(t, ok)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.Expired)

	assert.Equal(t, domain.OrderStateExpired, mustGet(t, f.repo, dayOrder.Order.ID).State)
	assert.Equal(t, domain.OrderStateSubmitted, mustGet(t, f.repo, gtcOrder.Order.ID).State)
}

func TestExpiryJobSkipsWhileSessionOpen(t *testing.T) {
	clock := clockInState(t, true)
	if clock == nil {
		t.Skip("no scanned timezone is inside a trading session right now")
	}

	f := newEngineFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	dayOrder, err := f.service.SubmitOrder(ctx, f.submitRequest())
	require.NoError(t, err)

	job := NewExpiryJob(f.service, clock, f.service.log)
	require.NoError(t, job.Run(ctx))

	assert.Nil(t, job.Result(), "skipped runs record nothing")
	assert.Equal(t, domain.OrderStateSubmitted, mustGet(t, f.repo, dayOrder.Order.ID).State)
}
