// Package database opens the service's SQLite stores and keeps them
// healthy: per-store pragma profiles, pool tuning, embedded schema
// migration, and the maintenance hooks the reliability jobs call.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DatabaseProfile selects the pragma set a store is opened with.
type DatabaseProfile string

const (
	// ProfileLedger favors durability over speed. The canonical money
	// store runs with full fsync and never auto-shrinks.
	ProfileLedger DatabaseProfile = "ledger"
	// ProfileCache favors speed over durability; everything in a cache
	// store can be rebuilt from upstream.
	ProfileCache DatabaseProfile = "cache"
	// ProfileStandard is the balanced default for operational data.
	ProfileStandard DatabaseProfile = "standard"
)

// DB wraps one SQLite file together with its profile and friendly name.
type DB struct {
	conn    *sql.DB
	path    string
	profile DatabaseProfile
	name    string
}

// Config describes a store to open.
type Config struct {
	Path    string
	Profile DatabaseProfile
	Name    string // keys the embedded schema: "moneta", "operational", "cache"
}

// New opens a store, applies its pragma profile, tunes the pool, and
// verifies the connection with a short ping.
func New(cfg Config) (*DB, error) {
	// file: URIs (in-memory test databases) bypass path resolution.
	if !strings.HasPrefix(cfg.Path, "file:") {
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path to absolute: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = abs
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", dsn(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}
	tunePool(conn, cfg.Profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile, name: cfg.Name}, nil
}

// dsn assembles the connection string for a profile. Every store runs in
// WAL mode; the profile decides how hard it fsyncs and whether it
// reclaims space.
func dsn(path string, profile DatabaseProfile) string {
	pragmas := []string{"journal_mode(WAL)"}

	switch profile {
	case ProfileLedger:
		pragmas = append(pragmas,
			"synchronous(FULL)", // fsync every write; this file is real money
			"auto_vacuum(NONE)", // append-heavy, never shrink
		)
	case ProfileCache:
		pragmas = append(pragmas,
			"synchronous(OFF)", // rebuildable data, skip fsync
			"auto_vacuum(FULL)",
			"temp_store(MEMORY)",
		)
	default: // ProfileStandard
		pragmas = append(pragmas,
			"synchronous(NORMAL)", // fsync at checkpoints
			"auto_vacuum(INCREMENTAL)",
			"temp_store(MEMORY)",
		)
	}

	pragmas = append(pragmas,
		"foreign_keys(1)",
		"wal_autocheckpoint(1000)",
		"cache_size(-64000)", // 64MB, negative means KB
		"busy_timeout(5000)", // wait out writer contention instead of failing
	)

	return path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// tunePool sizes the connection pool for a long-running process. Cache
// stores see less traffic and hold fewer connections.
func tunePool(conn *sql.DB, profile DatabaseProfile) {
	open, idle := 25, 5
	if profile == ProfileCache {
		open, idle = 10, 2
	}
	conn.SetMaxOpenConns(open)
	conn.SetMaxIdleConns(idle)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)
}

// Close closes the underlying pool.
func (db *DB) Close() error { return db.conn.Close() }

// Conn exposes the raw pool. Repositories hold this rather than the
// wrapper so they stay testable against plain *sql.DB fixtures.
func (db *DB) Conn() *sql.DB { return db.conn }

// Name returns the store's friendly name.
func (db *DB) Name() string { return db.name }

// Profile returns the pragma profile the store was opened with.
func (db *DB) Profile() DatabaseProfile { return db.profile }

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Exec runs a statement without returning rows.
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// QueryRow runs a query expected to return at most one row.
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}

// WithTransaction runs fn inside a transaction: commit on nil error,
// rollback on error or panic. A panic is converted into the returned
// error instead of crossing the call boundary.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
				return
			}
			err = fmt.Errorf("transaction failed: %w", err)
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cErr)
		}
	}()

	err = fn(tx)
	return err
}

// HealthCheck pings the store and runs a full integrity check. The
// integrity pass reads every page, so callers should treat it as a
// maintenance-window operation.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.QuickCheck(ctx); err != nil {
		return fmt.Errorf("ping failed for %s: %w", db.name, err)
	}

	var verdict string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&verdict); err != nil {
		return fmt.Errorf("integrity check query failed for %s: %w", db.name, err)
	}
	if verdict != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", db.name, verdict)
	}
	return nil
}

// QuickCheck is the cheap liveness probe: one ping, no page reads.
func (db *DB) QuickCheck(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// WALCheckpoint folds the write-ahead log back into the main file.
// TRUNCATE additionally resets the WAL to its minimal size, which is
// what the nightly maintenance wants.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed for %s: %w", db.name, err)
	}
	return nil
}

// Vacuum rebuilds the file to reclaim free pages. Expensive; the weekly
// maintenance job owns it.
func (db *DB) Vacuum() error {
	if _, err := db.conn.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed for %s: %w", db.name, err)
	}
	return nil
}

// Stats is a size snapshot used by maintenance logging.
type Stats struct {
	SizeBytes     int64
	WALSizeBytes  int64
	PageCount     int64
	PageSize      int64
	FreelistCount int64
}

// GetStats reports file sizes and page accounting for the store.
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{}

	if info, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	if info, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = info.Size()
	}

	counters := []struct {
		pragma string
		dest   *int64
	}{
		{"page_count", &stats.PageCount},
		{"page_size", &stats.PageSize},
		{"freelist_count", &stats.FreelistCount},
	}
	for _, c := range counters {
		if err := db.conn.QueryRow("PRAGMA " + c.pragma).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to read %s for %s: %w", c.pragma, db.name, err)
		}
	}

	return stats, nil
}
