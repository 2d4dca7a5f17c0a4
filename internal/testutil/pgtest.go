// Package testutil provides the Postgres harness for the oracle's
// integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// PGTest opens the database named by POSTGRES_URL, brings the schema up to
// date through goose, and returns the connection plus a cleanup function
// that truncates the application tables. Tests without POSTGRES_URL skip.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: set dialect: %v", err)
	}
	if err := goose.Up(db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	ctx := context.Background()
	return db, func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
}

// findMigrationsDir walks up from the test's working directory to the
// repository-level migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("pgtest: no migrations/ directory above the test")
		}
		dir = parent
	}
}

// truncateAll resets the application tables between tests. The goose
// version table survives so the schema is not re-applied on the next run.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		return
	}

	// Names come from the pg_tables catalog, not user input.
	stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE"
	_, _ = db.ExecContext(ctx, stmt)
}
