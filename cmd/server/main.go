// Package main runs the sector strength admin server: the background task
// executor, the recurring job scheduler and the admin HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Markmu/sector-strength-sub001/internal/config"
	"github.com/Markmu/sector-strength-sub001/internal/platform/logger"
	"github.com/Markmu/sector-strength-sub001/internal/platform/postgres"
)

func main() {
	migrateCmd := flag.String("migrate", "", "Run a migration command (up, status) and exit")
	autoMigrate := flag.Bool("auto-migrate", false, "Apply pending migrations before serving")
	flag.Parse()

	cfg, l, err := initializeApp()
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l, *migrateCmd, *autoMigrate); err != nil {
		l.Error("server exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}

// initializeApp loads configuration and sets up the default logger.
func initializeApp() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	l.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"database_driver", cfg.Database.Driver,
		"executor_enabled", cfg.Executor.Enabled,
		"scheduler_enabled", cfg.Scheduler.Enabled)
	return cfg, l, nil
}

func run(ctx context.Context, cfg *config.Config, l *slog.Logger, migrateCmd string, autoMigrate bool) error {
	db, err := postgres.Open(ctx, cfg.Database, 0)
	if err != nil {
		return err
	}

	if migrateCmd != "" {
		defer db.Close()
		return handleMigrations(ctx, cfg, db, l, migrateCmd, os.Stdout)
	}
	if autoMigrate {
		if err := postgres.Migrate(ctx, db, cfg.Database.Driver, l); err != nil {
			_ = db.Close()
			return err
		}
	}

	app, err := newApplication(ctx, cfg, l, db)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to build application: %w", err)
	}
	return app.Run(ctx)
}
