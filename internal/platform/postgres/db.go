package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Markmu/sector-strength-sub001/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
)

// Driver names accepted by Open.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

const pingTimeout = 5 * time.Second

// Open opens and pings a connection pool. maxOpen overrides the configured
// pool size when positive, so the executor can own a smaller pool.
func Open(ctx context.Context, cfg config.DatabaseConfig, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	open := cfg.MaxOpenConns
	if maxOpen > 0 {
		open = maxOpen
	}
	idle := cfg.MaxIdleConns
	if cfg.Driver == DriverSQLite {
		// SQLite allows a single writer.
		open, idle = 1, 1
	}
	if idle > open {
		idle = open
	}
	db.SetMaxOpenConns(open)
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
