package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Markmu/sector-strength-sub001/internal/auth"
	"github.com/Markmu/sector-strength-sub001/internal/background"
	"github.com/Markmu/sector-strength-sub001/internal/config"
	"github.com/Markmu/sector-strength-sub001/internal/platform/analytics"
	"github.com/Markmu/sector-strength-sub001/internal/platform/cache"
	"github.com/Markmu/sector-strength-sub001/internal/platform/metrics"
	"github.com/Markmu/sector-strength-sub001/internal/platform/postgres"
	"github.com/Markmu/sector-strength-sub001/internal/strength"
)

// application holds the shared dependencies of the server so they can be
// wired once and released together on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	cache      *cache.TwoTier
	analytics  *analytics.Client
	metrics    *metrics.Metrics
	tokens     *auth.TokenService
	background *background.Service
}

// appOption adjusts the wiring, for tests.
type appOption func(*appDeps)

type appDeps struct {
	now    func() time.Time
	tweaks []func(*background.Options)
}

func withBackgroundOptions(fn func(*background.Options)) appOption {
	return func(d *appDeps) { d.tweaks = append(d.tweaks, fn) }
}

// newApplication wires every component on top of db. The application owns
// db from here on and closes it in cleanup.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB, opts ...appOption) (*application, error) {
	deps := appDeps{now: time.Now}
	for _, o := range opts {
		o(&deps)
	}

	tokens, err := auth.NewTokenService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	app := &application{
		config:    cfg,
		logger:    logger,
		db:        db,
		cache:     cache.New(cfg.Cache, logger),
		analytics: analytics.New(cfg.Analytics, logger),
		metrics:   metrics.New(),
		tokens:    tokens,
	}
	if err := app.cache.Ping(ctx); err != nil {
		// the cache degrades to memory only reads
		logger.Warn("cache tier unavailable at startup", "error", err)
	}

	bgOpts := background.Options{
		Store:     postgres.NewTaskStore(db),
		Opener:    background.SQLOpener(cfg.Database, cfg.Executor.DBMaxConns, logger, bindStrength),
		Scheduler: cfg.Scheduler,
		Logger:    logger,
		Metrics:   app.metrics,
	}
	for _, o := range deps.tweaks {
		o(&bgOpts)
	}
	svc, err := background.New(bgOpts)
	if err != nil {
		app.closeClients()
		return nil, fmt.Errorf("failed to create background service: %w", err)
	}
	app.background = svc

	if err := app.wireStrength(deps.now); err != nil {
		app.closeClients()
		return nil, err
	}
	if err := svc.InitExecutor(cfg.Executor); err != nil {
		app.closeClients()
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}
	return app, nil
}

// bindStrength gives handler runs a sync status store on the executor's
// pool. Their progress and logs go through the run's manager.
func bindStrength(db *sql.DB) func(context.Context) context.Context {
	status := postgres.NewSyncStatusStore(db)
	return func(ctx context.Context) context.Context {
		return strength.WithSyncStatus(ctx, status)
	}
}

// wireStrength registers the strength task handlers and recurring jobs.
// The Sync and Progress deps serve the jobs and a shared-pool executor;
// runs on a dedicated pool use the collaborators bound to their context.
func (app *application) wireStrength(now func() time.Time) error {
	loc := app.background.Jobs().Location()
	holidays, err := strength.ParseHolidays(app.config.Scheduler.Holidays, loc)
	if err != nil {
		return fmt.Errorf("invalid holiday calendar: %w", err)
	}
	calendar := strength.NewCalendar(loc, holidays...)
	syncStatus := postgres.NewSyncStatusStore(app.db)

	err = strength.RegisterHandlers(app.background.Registry(), strength.Deps{
		Market:   app.analytics,
		Calc:     app.analytics,
		Cache:    app.cache,
		Sweeper:  app.cache,
		Sync:     syncStatus,
		Progress: app.background.Manager(),
		Calendar: calendar,
		Now:      now,
	})
	if err != nil {
		return fmt.Errorf("failed to register task handlers: %w", err)
	}

	workflows := strength.NewWorkflows(strength.WorkflowDeps{
		Tasks:    app.background.Manager(),
		Quality:  app.analytics,
		Calc:     app.analytics,
		Cache:    app.cache,
		Sweeper:  app.cache,
		Sync:     syncStatus,
		Calendar: calendar,
		Logger:   app.logger,
		Now:      now,
	})
	if err := app.background.AddJobs(workflows.Jobs()...); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}
	return nil
}

// Run starts the background subsystem and serves HTTP until ctx is done.
func (app *application) Run(ctx context.Context) error {
	defer app.cleanup()

	if err := app.background.Start(ctx); err != nil {
		return fmt.Errorf("failed to start background service: %w", err)
	}

	router := app.setupRouter()
	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (app *application) closeClients() {
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			app.logger.Error("Error closing cache", "error", err)
		}
	}
}

// cleanup stops the background subsystem and releases connections.
func (app *application) cleanup() {
	if app.background != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.config.Executor.ShutdownTimeout)
		if err := app.background.Stop(ctx); err != nil {
			app.logger.Error("Error stopping background service", "error", err)
		}
		cancel()
	}

	app.closeClients()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
