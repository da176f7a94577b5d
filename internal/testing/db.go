// Package testing provides testing utilities shared by package tests:
// throwaway SQLite databases with the embedded schema applied, domain
// fixtures, and scripted mocks for the broker and custodian seams.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/monetahq/moneta/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB opens a throwaway store under t.TempDir() and applies the
// embedded schema for the given name. The returned cleanup closes the
// connection; it is safe to call more than once, and the file itself is
// removed with the test's temp dir.
//
// Schema names: "moneta" (users, accounts, holdings, orders),
// "operational" (task runs, incidents, portfolio history), "cache"
// (link sessions, webhook events, quotes). Any other name yields an
// empty database.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to open test database %s: %v", name, err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	closed := false
	return db, func() {
		if closed {
			return
		}
		closed = true
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database %s: %v", name, err)
		}
	}
}

// NewTestConn is NewTestDB for code that takes a bare *sql.DB.
func NewTestConn(t *testing.T, name string) (*sql.DB, func()) {
	t.Helper()
	db, cleanup := NewTestDB(t, name)
	return db.Conn(), cleanup
}
