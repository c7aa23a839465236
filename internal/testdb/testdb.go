// Package testdb opens migrated databases for tests: a throwaway SQLite
// file by default, or the PostgreSQL database named by DATABASE_URL for
// integration runs.
package testdb

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Markmu/sector-strength-sub001/internal/config"
	"github.com/Markmu/sector-strength-sub001/internal/platform/postgres"
)

// TestTimeout bounds setup statements.
const TestTimeout = 5 * time.Second

// DatabaseURLEnv names the PostgreSQL URL used by integration tests.
const DatabaseURLEnv = "DATABASE_URL"

// IsIntegrationTestEnvironment reports whether a PostgreSQL database is
// available.
func IsIntegrationTestEnvironment() bool {
	return os.Getenv(DatabaseURLEnv) != ""
}

// SQLiteConfig returns the config of a fresh SQLite file under t.TempDir.
func SQLiteConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	return config.DatabaseConfig{
		Driver:       postgres.DriverSQLite,
		URL:          "file:" + filepath.Join(t.TempDir(), "strength.db") + "?_foreign_keys=on&_busy_timeout=5000",
		MaxOpenConns: 4,
	}
}

// Open opens cfg, applying migrations when migrate is set. The pool is
// closed when the test ends.
func Open(t *testing.T, cfg config.DatabaseConfig, migrate bool) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := postgres.Open(ctx, cfg, 0)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { _ = db.Close() })

	if migrate {
		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
		require.NoError(t, postgres.Migrate(ctx, db, cfg.Driver, quiet), "failed to migrate test database")
	}
	return db
}

// OpenSQLite returns a migrated database in a temporary file.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()
	return Open(t, SQLiteConfig(t), true)
}

// OpenPostgres returns a migrated, emptied PostgreSQL database and skips
// the test unless DATABASE_URL is set. Tests sharing it must not run in
// parallel with each other.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if !IsIntegrationTestEnvironment() {
		t.Skip(DatabaseURLEnv + " not set, skipping PostgreSQL integration test")
	}
	db := Open(t, config.DatabaseConfig{
		Driver:       postgres.DriverPostgres,
		URL:          os.Getenv(DatabaseURLEnv),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	}, true)

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	_, err := db.ExecContext(ctx, `TRUNCATE task_logs, task_params, tasks, data_sync_status`)
	require.NoError(t, err)
	return db
}

// WithTx runs fn inside a transaction that is always rolled back, so fn
// leaves no rows behind.
func WithTx(t *testing.T, db *sql.DB, fn func(t *testing.T, tx *sql.Tx)) {
	t.Helper()

	tx, err := db.Begin()
	require.NoError(t, err, "failed to begin transaction")
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Logf("failed to roll back test transaction: %v", err)
		}
	}()

	fn(t, tx)
}
