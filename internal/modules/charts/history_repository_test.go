package charts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/monetahq/moneta/internal/testing"
)

func newHistoryFixture(t *testing.T) (*HistoryRepository, func()) {
	t.Helper()
	conn, cleanup := testhelpers.NewTestConn(t, "operational")
	return NewHistoryRepository(conn, zerolog.Nop()), cleanup
}

func appendPoint(t *testing.T, repo *HistoryRepository, userID string, ts time.Time, total int64) {
	t.Helper()
	err := repo.Append(context.Background(), userID, HistoryPoint{
		Ts:            ts,
		TotalValue:    decimal.NewFromInt(total),
		InvestedValue: decimal.NewFromInt(total / 2),
		CashValue:     decimal.NewFromInt(total - total/2),
	})
	require.NoError(t, err)
}

func TestRangeReturnsAscendingWithinBounds(t *testing.T) {
	repo, cleanup := newHistoryFixture(t)
	defer cleanup()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	appendPoint(t, repo, "u1", base, 100)
	appendPoint(t, repo, "u1", base.Add(time.Hour), 110)
	appendPoint(t, repo, "u1", base.Add(2*time.Hour), 120)
	appendPoint(t, repo, "u2", base.Add(time.Hour), 999)

	points, err := repo.Range(context.Background(), "u1", time.Time{}, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.True(t, points[0].Ts.Before(points[1].Ts))
	assert.True(t, points[1].Ts.Before(points[2].Ts))
	assert.True(t, points[0].TotalValue.Equal(decimal.NewFromInt(100)))

	bounded, err := repo.Range(context.Background(), "u1", base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, bounded, 2)
	assert.True(t, bounded[0].TotalValue.Equal(decimal.NewFromInt(110)))
}

func TestAppendReplacesSameInstant(t *testing.T) {
	repo, cleanup := newHistoryFixture(t)
	defer cleanup()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	appendPoint(t, repo, "u1", ts, 100)
	appendPoint(t, repo, "u1", ts, 150)

	points, err := repo.Range(context.Background(), "u1", time.Time{}, ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, points[0].TotalValue.Equal(decimal.NewFromInt(150)))
}

func TestValueAtReturnsLastValueStrictlyBefore(t *testing.T) {
	repo, cleanup := newHistoryFixture(t)
	defer cleanup()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	appendPoint(t, repo, "u1", base, 100)
	appendPoint(t, repo, "u1", base.Add(time.Hour), 110)

	value, ok, err := repo.ValueAt(context.Background(), "u1", base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Equal(decimal.NewFromInt(100)), "a point at the boundary is not strictly before it")

	_, ok, err = repo.ValueAt(context.Background(), "u1", base)
	require.NoError(t, err)
	assert.False(t, ok, "no snapshot precedes the first one")

	_, ok, err = repo.ValueAt(context.Background(), "nobody", base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatest(t *testing.T) {
	repo, cleanup := newHistoryFixture(t)
	defer cleanup()

	latest, err := repo.Latest(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	appendPoint(t, repo, "u1", base, 100)
	appendPoint(t, repo, "u1", base.Add(time.Hour), 110)

	latest, err = repo.Latest(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.TotalValue.Equal(decimal.NewFromInt(110)))
	assert.True(t, latest.Ts.Equal(base.Add(time.Hour)))
}

func TestDeleteOlderThan(t *testing.T) {
	repo, cleanup := newHistoryFixture(t)
	defer cleanup()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	appendPoint(t, repo, "u1", base, 100)
	appendPoint(t, repo, "u1", base.Add(48*time.Hour), 110)

	removed, err := repo.DeleteOlderThan(context.Background(), base.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	points, err := repo.Range(context.Background(), "u1", time.Time{}, base.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, points[0].TotalValue.Equal(decimal.NewFromInt(110)))
}
