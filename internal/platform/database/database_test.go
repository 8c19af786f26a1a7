package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"msggateway/internal/platform/database"
	"msggateway/internal/platform/database/dbtest"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect database.Dialect
		in      string
		want    string
	}{
		{"sqlite untouched", database.DialectSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", database.DialectPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres quoted", database.DialectPostgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{"postgres no args", database.DialectPostgres, "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &database.DB{Dialect: tt.dialect}
			if got := db.Rebind(tt.in); got != tt.want {
				t.Errorf("Rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	insert := `INSERT INTO counters (tenant_id, name, day, value) VALUES (?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insert, "t1", "messages_sent", "2026-01-01", 1); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := db.ExecContext(ctx, insert, "t1", "messages_sent", "2026-01-01", 1)
	if !database.IsUniqueViolation(err) {
		t.Errorf("expected unique violation, got %v", err)
	}

	if database.IsUniqueViolation(nil) {
		t.Error("nil is not a violation")
	}
	if database.IsUniqueViolation(errors.New("boom")) {
		t.Error("plain error is not a violation")
	}
	if !database.IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("expected postgres 23505 to be a violation")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := dbtest.New(t)
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	var n int
	if err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 recorded migration, got %d", n)
	}
}
