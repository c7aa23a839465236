package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/Markmu/sector-strength-sub001/internal/api/middleware"
)

// AdminRoutes returns the /api/admin route tree, guarded by authn.
func AdminRoutes(authn *middleware.AuthMiddleware, tasks *TaskHandler, jobs *JobHandler) func(chi.Router) {
	return func(r chi.Router) {
		r.Use(authn.Authenticate)
		tasks.Routes(r)
		jobs.Routes(r)
	}
}
