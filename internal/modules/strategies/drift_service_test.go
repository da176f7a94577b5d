package strategies

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/events"
	"github.com/monetahq/moneta/internal/modules/portfolio"
	testhelpers "github.com/monetahq/moneta/internal/testing"
)

// fakeSummaries serves a canned position set: invested value plus one
// market value per symbol.
type fakeSummaries struct {
	invested  decimal.Decimal
	positions map[string]decimal.Decimal
	calls     int
}

func (f *fakeSummaries) Summary(_ context.Context, userID string) (*portfolio.Summary, error) {
	f.calls++
	summary := &portfolio.Summary{
		AsOf:          time.Now().UTC(),
		UserID:        userID,
		InvestedValue: f.invested,
		TotalValue:    f.invested,
	}
	for symbol, mv := range f.positions {
		summary.Positions = append(summary.Positions, portfolio.AggregatedPosition{
			Symbol:      symbol,
			MarketValue: mv,
		})
	}
	return summary, nil
}

type driftFixture struct {
	service   *DriftService
	repo      *Repository
	summaries *fakeSummaries
	bus       *events.Bus
	user      domain.User
	alerts    chan *events.Event
}

func newDriftFixture(t *testing.T) (*driftFixture, func()) {
	t.Helper()
	conn, cleanupDB := testhelpers.NewTestConn(t, "moneta")
	log := zerolog.Nop()

	f := &driftFixture{
		repo:      NewRepository(conn, log),
		summaries: &fakeSummaries{invested: decimal.Zero, positions: map[string]decimal.Decimal{}},
		bus:       events.NewBus(log),
		user:      testhelpers.SeedUser(t, conn, "allocator@example.com"),
		alerts:    make(chan *events.Event, 8),
	}
	f.bus.Subscribe(events.AlertRaised, func(e *events.Event) {
		f.alerts <- e
	})
	f.service = NewDriftService(f.repo, f.summaries, events.NewManager(f.bus, log), log)
	return f, func() {
		f.bus.Close()
		cleanupDB()
	}
}

func (f *driftFixture) seedStrategy(t *testing.T, name, threshold string, targets map[string]string) *domain.Strategy {
	t.Helper()
	strategy := &domain.Strategy{
		UserID:         f.user.ID,
		Name:           name,
		DriftThreshold: decimal.RequireFromString(threshold),
	}
	for symbol, w := range targets {
		strategy.Holdings = append(strategy.Holdings, domain.StrategyHolding{
			Symbol:       symbol,
			TargetWeight: decimal.RequireFromString(w),
		})
	}
	require.NoError(t, f.repo.Create(context.Background(), strategy))
	return strategy
}

func (f *driftFixture) waitAlert(t *testing.T) *events.Event {
	t.Helper()
	select {
	case e := <-f.alerts:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("expected an alert event")
		return nil
	}
}

func TestEvaluateUserFlagsDrift(t *testing.T) {
	f, cleanup := newDriftFixture(t)
	defer cleanup()

	strategy := f.seedStrategy(t, "Core", "5", map[string]string{"AAPL": "0.6", "MSFT": "0.4"})
	f.summaries.invested = decimal.NewFromInt(1000)
	f.summaries.positions = map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(700),
		"MSFT": decimal.NewFromInt(300),
	}

	reports, err := f.service.EvaluateUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	report := reports[0]
	assert.True(t, report.Breached())
	assert.Equal(t, 2, report.Drifted)
	assert.True(t, report.MaxDrift.Equal(decimal.NewFromInt(10)), "got %s", report.MaxDrift)

	bySymbol := map[string]SymbolDrift{}
	for _, sd := range report.Symbols {
		bySymbol[sd.Symbol] = sd
	}
	aapl := bySymbol["AAPL"]
	assert.True(t, aapl.TargetWeight.Equal(decimal.NewFromInt(60)))
	assert.True(t, aapl.CurrentWeight.Equal(decimal.NewFromInt(70)))
	assert.True(t, aapl.Drift.Equal(decimal.NewFromInt(10)))
	// 10pp is over the 5pp threshold but not over 2x.
	assert.Equal(t, "MEDIUM", aapl.Severity)

	alert := f.waitAlert(t)
	assert.Equal(t, "strategy_drift_"+strategy.ID, alert.Data["rule_id"])
	assert.Equal(t, "MEDIUM", alert.Data["severity"])
	assert.Equal(t, f.user.ID, alert.Data["user_id"])
}

func TestEvaluateUserEscalatesLargeDrift(t *testing.T) {
	f, cleanup := newDriftFixture(t)
	defer cleanup()

	f.seedStrategy(t, "Concentrated", "5", map[string]string{"AAPL": "0.5"})
	f.summaries.invested = decimal.NewFromInt(1000)
	f.summaries.positions = map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(800)}

	reports, err := f.service.EvaluateUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Symbols, 1)
	// 30pp drift is past double the 5pp threshold.
	assert.Equal(t, "HIGH", reports[0].Symbols[0].Severity)

	alert := f.waitAlert(t)
	assert.Equal(t, "HIGH", alert.Data["severity"])
}

func TestEvaluateUserWithinThreshold(t *testing.T) {
	f, cleanup := newDriftFixture(t)
	defer cleanup()

	f.seedStrategy(t, "Steady", "5", map[string]string{"AAPL": "0.7"})
	f.summaries.invested = decimal.NewFromInt(1000)
	f.summaries.positions = map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(720)}

	reports, err := f.service.EvaluateUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Breached())
	assert.Empty(t, reports[0].Symbols[0].Severity)
	assert.True(t, reports[0].MaxDrift.Equal(decimal.NewFromInt(2)))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.alerts, "no alert inside the threshold")
}

func TestEvaluateStrategyCountsMissingPositionAsFullDrift(t *testing.T) {
	f, cleanup := newDriftFixture(t)
	defer cleanup()

	strategy := f.seedStrategy(t, "Aspirational", "5", map[string]string{"GOOG": "0.2"})
	f.summaries.invested = decimal.NewFromInt(1000)
	f.summaries.positions = map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(1000)}

	report, err := f.service.EvaluateStrategy(context.Background(), strategy.ID)
	require.NoError(t, err)
	require.Len(t, report.Symbols, 1)
	assert.True(t, report.Symbols[0].CurrentWeight.IsZero())
	assert.True(t, report.Symbols[0].Drift.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, "HIGH", report.Symbols[0].Severity)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.alerts, "single-strategy evaluation does not alert")
}

func TestEvaluateStrategyUnknown(t *testing.T) {
	f, cleanup := newDriftFixture(t)
	defer cleanup()

	_, err := f.service.EvaluateStrategy(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestEvaluateUserWithoutStrategiesSkipsValuation(t *testing.T) {
	f, cleanup := newDriftFixture(t)
	defer cleanup()

	reports, err := f.service.EvaluateUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Nil(t, reports)
	assert.Zero(t, f.summaries.calls)
}
