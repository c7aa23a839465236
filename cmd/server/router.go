package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Markmu/sector-strength-sub001/internal/api"
	apiMiddleware "github.com/Markmu/sector-strength-sub001/internal/api/middleware"
)

// setupRouter builds the HTTP routes: public health and metrics endpoints
// and the token protected admin API.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	authMiddleware := apiMiddleware.NewAuthMiddleware(app.tokens)
	taskHandler := api.NewTaskHandler(app.background.Manager(), app.background.Registry())
	jobHandler := api.NewJobHandler(app.background.Jobs())

	r.Route("/api/admin", api.AdminRoutes(authMiddleware, taskHandler, jobHandler))

	r.Method(http.MethodGet, "/health", api.NewHealthHandler(map[string]api.HealthCheck{
		"database": app.db.PingContext,
		"cache":    app.cache.Ping,
		"executor": app.checkExecutor,
	}))
	r.Method(http.MethodGet, "/metrics", app.metrics.Handler())

	return r
}

var errExecutorStopped = errors.New("executor is not running")

func (app *application) checkExecutor(context.Context) error {
	if !app.config.Executor.Enabled {
		return nil
	}
	if !app.background.Status().ExecutorRunning {
		return errExecutorStopped
	}
	return nil
}
