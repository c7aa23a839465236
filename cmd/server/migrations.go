package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/Markmu/sector-strength-sub001/internal/config"
	"github.com/Markmu/sector-strength-sub001/internal/platform/postgres"
)

// handleMigrations runs one migration command against db.
func handleMigrations(ctx context.Context, cfg *config.Config, db *sql.DB, l *slog.Logger, command string, out io.Writer) error {
	switch command {
	case "up":
		return postgres.Migrate(ctx, db, cfg.Database.Driver, l)
	case "status":
		pending, err := postgres.PendingMigrations(ctx, db, cfg.Database.Driver)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			_, err = fmt.Fprintln(out, "database schema is up to date")
			return err
		}
		for _, v := range pending {
			if _, err := fmt.Fprintf(out, "pending: %d\n", v); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown migration command %q (want up or status)", command)
	}
}
