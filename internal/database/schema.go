package database

import (
	"embed"
	"fmt"
	"strings"
)

// Schema files are compiled into the binary so migration never depends on
// the working directory or deployment layout.
//
//go:embed schemas/*.sql
var schemaFS embed.FS

// schemaFiles maps database names to their embedded schema files.
var schemaFiles = map[string]string{
	"moneta":      "schemas/moneta_schema.sql",
	"operational": "schemas/operational_schema.sql",
	"cache":       "schemas/cache_schema.sql",
}

// Migrate applies the embedded schema for this database. The DDL is
// idempotent (CREATE TABLE IF NOT EXISTS), so Migrate is safe on every
// startup.
func (db *DB) Migrate() error {
	schemaFile, ok := schemaFiles[db.name]
	if !ok {
		// Unknown database name, nothing to apply
		return nil
	}

	content, err := schemaFS.ReadFile(schemaFile)
	if err != nil {
		return fmt.Errorf("failed to read embedded schema %s: %w", schemaFile, err)
	}

	// Execute schema within a transaction
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema %s: %w", schemaFile, err)
	}

	if _, err := tx.Exec(string(content)); err != nil {
		_ = tx.Rollback()

		// Re-running against an already-migrated file is not an error
		errStr := err.Error()
		if strings.Contains(errStr, "duplicate column") ||
			strings.Contains(errStr, "already exists") {
			return nil
		}

		return fmt.Errorf("failed to execute schema %s for %s: %w", schemaFile, db.name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema %s for %s: %w", schemaFile, db.name, err)
	}

	return nil
}
