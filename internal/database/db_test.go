package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, name string, profile DatabaseProfile) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewAppliesProfilePragmas(t *testing.T) {
	tests := []struct {
		profile     DatabaseProfile
		synchronous int // 0=OFF, 1=NORMAL, 2=FULL
	}{
		{ProfileLedger, 2},
		{ProfileStandard, 1},
		{ProfileCache, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.profile), func(t *testing.T) {
			db := newTestDB(t, "moneta", tt.profile)

			var mode string
			require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
			assert.Equal(t, "wal", mode)

			var sync int
			require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&sync))
			assert.Equal(t, tt.synchronous, sync)

			var fk int
			require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
			assert.Equal(t, 1, fk)
		})
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t, "moneta", ProfileLedger)

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate(), "second migrate must be a no-op")

	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'orders'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "orders", name)
}

func TestMigrateUnknownNameIsNoop(t *testing.T) {
	db := newTestDB(t, "scratch", ProfileStandard)
	assert.NoError(t, db.Migrate())
}

func TestQuickCheckAndHealthCheck(t *testing.T) {
	db := newTestDB(t, "operational", ProfileStandard)
	require.NoError(t, db.Migrate())

	ctx := context.Background()
	assert.NoError(t, db.QuickCheck(ctx))
	assert.NoError(t, db.HealthCheck(ctx))
}

func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	db := newTestDB(t, "cache", ProfileCache)
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO quotes (key, data, expires_at) VALUES ('k', '{}', 0)`)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM quotes`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	db := newTestDB(t, "cache", ProfileCache)
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO quotes (key, data, expires_at) VALUES ('k', '{}', 0)`); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM quotes`).Scan(&count))
	assert.Equal(t, 0, count, "insert must roll back with the failed transaction")
}

func TestWithTransactionRecoversPanic(t *testing.T) {
	db := newTestDB(t, "cache", ProfileCache)
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")
}

func TestGetStatsReportsPages(t *testing.T) {
	db := newTestDB(t, "moneta", ProfileLedger)
	require.NoError(t, db.Migrate())

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}
