// Package dbtest opens migrated in-memory databases for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"msggateway/internal/platform/database"
)

// New returns a fresh in-memory sqlite database with all migrations applied.
// A single connection is kept open so every query sees the same database.
func New(t testing.TB) *database.DB {
	t.Helper()

	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })

	db := database.Wrap(raw, database.DialectSQLite)
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}
