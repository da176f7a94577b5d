package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monetahq/moneta/internal/domain"
	testhelpers "github.com/monetahq/moneta/internal/testing"
)

func newTransactionRepoFixture(t *testing.T) (*TransactionRepository, domain.User, domain.Account, func()) {
	t.Helper()
	conn, cleanup := testhelpers.NewTestConn(t, "moneta")
	user := testhelpers.SeedUser(t, conn, "ledger@example.com")
	account := testhelpers.SeedAccount(t, conn, user.ID, "1000")
	return NewTransactionRepository(conn, zerolog.Nop()), user, account, cleanup
}

func TestUpsertBatchDeduplicatesByExternalID(t *testing.T) {
	repo, user, account, cleanup := newTransactionRepoFixture(t)
	defer cleanup()

	batch := []domain.Transaction{{
		AccountID:   account.ID,
		Kind:        domain.TransactionPurchase,
		Amount:      decimal.NewFromInt(-500),
		Currency:    domain.CurrencyUSD,
		Description: "BUY AAPL",
		ExternalID:  "txn-1",
		Date:        time.Now().Add(-24 * time.Hour),
	}}

	inserted, err := repo.UpsertBatch(context.Background(), user.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	// Same external id again, even with different content, is skipped.
	batch[0].Description = "BUY AAPL (restated)"
	inserted, err = repo.UpsertBatch(context.Background(), user.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	count, err := repo.CountByAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsertBatchDeduplicatesByContentHash(t *testing.T) {
	repo, user, account, cleanup := newTransactionRepoFixture(t)
	defer cleanup()

	date := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	entry := domain.Transaction{
		AccountID:   account.ID,
		Kind:        domain.TransactionFee,
		Amount:      decimal.NewFromInt(-1),
		Currency:    domain.CurrencyUSD,
		Description: "wire fee",
		Date:        date,
	}

	inserted, err := repo.UpsertBatch(context.Background(), user.ID, []domain.Transaction{entry})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	// Re-sync delivers the same entry at a different intraday time.
	replay := entry
	replay.Date = date.Add(4 * time.Hour)
	inserted, err = repo.UpsertBatch(context.Background(), user.ID, []domain.Transaction{replay})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	// A genuinely different entry on the same day lands.
	other := entry
	other.Description = "monthly service fee"
	inserted, err = repo.UpsertBatch(context.Background(), user.ID, []domain.Transaction{other})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
}

func TestListByAccountHonorsSinceAndOrder(t *testing.T) {
	repo, user, account, cleanup := newTransactionRepoFixture(t)
	defer cleanup()

	now := time.Now().UTC()
	batch := []domain.Transaction{
		{AccountID: account.ID, Kind: domain.TransactionDeposit, Amount: decimal.NewFromInt(100),
			Currency: domain.CurrencyUSD, Description: "old deposit", ExternalID: "t-old",
			Date: now.Add(-40 * 24 * time.Hour)},
		{AccountID: account.ID, Kind: domain.TransactionDeposit, Amount: decimal.NewFromInt(200),
			Currency: domain.CurrencyUSD, Description: "mid deposit", ExternalID: "t-mid",
			Date: now.Add(-10 * 24 * time.Hour)},
		{AccountID: account.ID, Kind: domain.TransactionDeposit, Amount: decimal.NewFromInt(300),
			Currency: domain.CurrencyUSD, Description: "new deposit", ExternalID: "t-new",
			Date: now.Add(-time.Hour)},
	}
	_, err := repo.UpsertBatch(context.Background(), user.ID, batch)
	require.NoError(t, err)

	listed, err := repo.ListByAccount(context.Background(), account.ID, now.Add(-30*24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "t-new", listed[0].ExternalID, "newest first")
	assert.Equal(t, "t-mid", listed[1].ExternalID)

	limited, err := repo.ListByAccount(context.Background(), account.ID, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "t-new", limited[0].ExternalID)
}

func TestListByUserSpansAccounts(t *testing.T) {
	conn, cleanup := testhelpers.NewTestConn(t, "moneta")
	defer cleanup()
	user := testhelpers.SeedUser(t, conn, "ledger@example.com")
	first := testhelpers.SeedAccount(t, conn, user.ID, "1000")
	second := testhelpers.SeedAccount(t, conn, user.ID, "1000")
	repo := NewTransactionRepository(conn, zerolog.Nop())

	now := time.Now().UTC()
	_, err := repo.UpsertBatch(context.Background(), user.ID, []domain.Transaction{
		{AccountID: first.ID, Kind: domain.TransactionDeposit, Amount: decimal.NewFromInt(100),
			Currency: domain.CurrencyUSD, Description: "a", ExternalID: "t-1", Date: now.Add(-time.Hour)},
		{AccountID: second.ID, Kind: domain.TransactionDeposit, Amount: decimal.NewFromInt(200),
			Currency: domain.CurrencyUSD, Description: "b", ExternalID: "t-2", Date: now},
	})
	require.NoError(t, err)

	listed, err := repo.ListByUser(context.Background(), user.ID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "t-2", listed[0].ExternalID)
	assert.True(t, listed[0].Amount.Equal(decimal.NewFromInt(200)))
}

func TestUpsertBatchRoundTripsOptionalFields(t *testing.T) {
	repo, user, account, cleanup := newTransactionRepoFixture(t)
	defer cleanup()

	qty := decimal.NewFromInt(4)
	price := decimal.RequireFromString("125.50")
	fee := decimal.RequireFromString("0.35")
	_, err := repo.UpsertBatch(context.Background(), user.ID, []domain.Transaction{{
		AccountID:   account.ID,
		Kind:        domain.TransactionSale,
		Amount:      decimal.RequireFromString("501.65"),
		Currency:    domain.CurrencyUSD,
		Description: "SELL AAPL",
		Symbol:      "aapl",
		Quantity:    &qty,
		UnitPrice:   &price,
		Fee:         &fee,
		ExternalID:  "t-sale",
		IsPending:   true,
		Date:        time.Now().UTC(),
	}})
	require.NoError(t, err)

	listed, err := repo.ListByAccount(context.Background(), account.ID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	got := listed[0]
	assert.Equal(t, "AAPL", got.Symbol)
	assert.Equal(t, user.ID, got.UserID)
	require.NotNil(t, got.Quantity)
	assert.True(t, got.Quantity.Equal(qty))
	require.NotNil(t, got.UnitPrice)
	assert.True(t, got.UnitPrice.Equal(price))
	require.NotNil(t, got.Fee)
	assert.True(t, got.Fee.Equal(fee))
	assert.True(t, got.IsPending)
}
