package portfolio

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/domain"
	testhelpers "github.com/monetahq/moneta/internal/testing"
)

func TestSyncSnapshotUpsertsAndPrunes(t *testing.T) {
	conn, cleanup := testhelpers.NewTestConn(t, "moneta")
	defer cleanup()
	user := testhelpers.SeedUser(t, conn, "holder@example.com")
	account := testhelpers.SeedAccount(t, conn, user.ID, "1000")
	repo := NewHoldingRepository(conn, zerolog.Nop())

	first := []domain.Holding{
		{Symbol: "aapl", Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(100),
			MarketValue: decimal.NewFromInt(1000), CostBasis: decimal.NewFromInt(900), Currency: domain.CurrencyUSD},
		{Symbol: "MSFT", Quantity: decimal.NewFromInt(5), UnitPrice: decimal.NewFromInt(200),
			MarketValue: decimal.NewFromInt(1000), CostBasis: decimal.NewFromInt(950), Currency: domain.CurrencyUSD},
	}
	result, err := repo.SyncSnapshot(context.Background(), account.ID, first)
	require.NoError(t, err)
	assert.Len(t, result.Upserted, 2)
	assert.Empty(t, result.Removed)

	// Symbols are stored normalized.
	aapl, err := repo.GetByAccountSymbol(context.Background(), account.ID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, aapl)
	assert.Equal(t, "AAPL", aapl.Symbol)

	// Second snapshot changes AAPL, drops MSFT, adds VTI.
	second := []domain.Holding{
		{Symbol: "AAPL", Quantity: decimal.NewFromInt(12), UnitPrice: decimal.NewFromInt(110),
			MarketValue: decimal.NewFromInt(1320), CostBasis: decimal.NewFromInt(1100), Currency: domain.CurrencyUSD},
		{Symbol: "VTI", Quantity: decimal.NewFromInt(3), UnitPrice: decimal.NewFromInt(250),
			MarketValue: decimal.NewFromInt(750), CostBasis: decimal.NewFromInt(700), Currency: domain.CurrencyUSD},
	}
	result, err = repo.SyncSnapshot(context.Background(), account.ID, second)
	require.NoError(t, err)
	assert.Len(t, result.Upserted, 2)
	assert.Equal(t, []string{"MSFT"}, result.Removed)

	listed, err := repo.ListByAccount(context.Background(), account.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	aapl, err = repo.GetByAccountSymbol(context.Background(), account.ID, "AAPL")
	require.NoError(t, err)
	assert.True(t, aapl.Quantity.Equal(decimal.NewFromInt(12)))
	assert.True(t, aapl.MarketValue.Equal(decimal.NewFromInt(1320)))
}

func TestQuantityIsZeroForUnknownPosition(t *testing.T) {
	conn, cleanup := testhelpers.NewTestConn(t, "moneta")
	defer cleanup()
	user := testhelpers.SeedUser(t, conn, "holder@example.com")
	account := testhelpers.SeedAccount(t, conn, user.ID, "1000")
	repo := NewHoldingRepository(conn, zerolog.Nop())

	qty, err := repo.Quantity(context.Background(), account.ID, "AAPL")
	require.NoError(t, err)
	assert.True(t, qty.IsZero())

	testhelpers.SeedHolding(t, conn, account.ID, "AAPL", "7", "100")
	qty, err = repo.Quantity(context.Background(), account.ID, "aapl")
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.NewFromInt(7)))
}

func TestRepriceHoldingsRecomputesDerivedColumns(t *testing.T) {
	conn, cleanup := testhelpers.NewTestConn(t, "moneta")
	defer cleanup()
	user := testhelpers.SeedUser(t, conn, "holder@example.com")
	account := testhelpers.SeedAccount(t, conn, user.ID, "1000")
	other := testhelpers.SeedAccount(t, conn, user.ID, "1000")
	repo := NewHoldingRepository(conn, zerolog.Nop())

	testhelpers.SeedHolding(t, conn, account.ID, "AAPL", "10", "100") // cost 1000
	testhelpers.SeedHolding(t, conn, other.ID, "AAPL", "2", "100")    // cost 200
	testhelpers.SeedHolding(t, conn, account.ID, "MSFT", "5", "200")

	repriced, err := repo.RepriceHoldings(context.Background(), map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(120),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, repriced, "both AAPL positions reprice")

	h, err := repo.GetByAccountSymbol(context.Background(), account.ID, "AAPL")
	require.NoError(t, err)
	assert.True(t, h.UnitPrice.Equal(decimal.NewFromInt(120)))
	assert.True(t, h.MarketValue.Equal(decimal.NewFromInt(1200)))
	assert.True(t, h.UnrealizedPL.Equal(decimal.NewFromInt(200)))

	untouched, err := repo.GetByAccountSymbol(context.Background(), account.ID, "MSFT")
	require.NoError(t, err)
	assert.True(t, untouched.UnitPrice.Equal(decimal.NewFromInt(200)))
}

func TestActiveSymbolsSpansSecuritiesAccountsOnly(t *testing.T) {
	conn, cleanup := testhelpers.NewTestConn(t, "moneta")
	defer cleanup()
	user := testhelpers.SeedUser(t, conn, "holder@example.com")
	investment := testhelpers.SeedAccount(t, conn, user.ID, "1000")
	repo := NewHoldingRepository(conn, zerolog.Nop())

	// A checking account's rows never feed the market data refresh.
	checking := testhelpers.SeedAccount(t, conn, user.ID, "500")
	_, err := conn.Exec("UPDATE accounts SET kind = 'checking' WHERE id = ?", checking.ID)
	require.NoError(t, err)

	testhelpers.SeedHolding(t, conn, investment.ID, "AAPL", "10", "100")
	testhelpers.SeedHolding(t, conn, investment.ID, "MSFT", "5", "200")
	testhelpers.SeedHolding(t, conn, checking.ID, "XXXX", "1", "1")

	symbols, err := repo.ActiveSymbols(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, symbols)
}

func TestListByUserJoinsActiveAccounts(t *testing.T) {
	conn, cleanup := testhelpers.NewTestConn(t, "moneta")
	defer cleanup()
	user := testhelpers.SeedUser(t, conn, "holder@example.com")
	active := testhelpers.SeedAccount(t, conn, user.ID, "1000")
	closed := testhelpers.SeedAccount(t, conn, user.ID, "1000")
	repo := NewHoldingRepository(conn, zerolog.Nop())

	testhelpers.SeedHolding(t, conn, active.ID, "AAPL", "10", "100")
	testhelpers.SeedHolding(t, conn, closed.ID, "MSFT", "5", "200")

	accounts := NewAccountRepository(conn, zerolog.Nop())
	require.NoError(t, accounts.Deactivate(context.Background(), closed.ID))

	holdings, err := repo.ListByUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "AAPL", holdings[0].Symbol)
}
