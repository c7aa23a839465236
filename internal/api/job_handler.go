package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Markmu/sector-strength-sub001/internal/api/shared"
	"github.com/Markmu/sector-strength-sub001/internal/platform/logger"
	"github.com/Markmu/sector-strength-sub001/internal/scheduler"
)

// JobScheduler is the part of the job manager the admin API controls.
type JobScheduler interface {
	GetJobs() []scheduler.JobInfo
	TriggerJob(ctx context.Context, id string) (bool, error)
	PauseJob(id string) bool
	ResumeJob(id string) bool
	Start()
	Shutdown(wait bool)
	IsRunning() bool
}

// JobHandler serves the job and scheduler endpoints.
type JobHandler struct {
	jobs JobScheduler
}

// NewJobHandler returns a JobHandler.
func NewJobHandler(jobs JobScheduler) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Routes mounts the job and scheduler endpoints on r.
func (h *JobHandler) Routes(r chi.Router) {
	r.Get("/jobs", h.ListJobs)
	r.Post("/jobs/{id}/trigger", h.TriggerJob)
	r.Post("/jobs/{id}/pause", h.PauseJob)
	r.Post("/jobs/{id}/resume", h.ResumeJob)

	r.Get("/scheduler", h.Status)
	r.Post("/scheduler/start", h.StartScheduler)
	r.Post("/scheduler/stop", h.StopScheduler)
}

// ListJobs handles GET /jobs.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.GetJobs()
	if jobs == nil {
		jobs = []scheduler.JobInfo{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, JobListResponse{Jobs: jobs})
}

// TriggerJob handles POST /jobs/{id}/trigger. The run happens in the
// background; 202 means it was started.
func (h *JobHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.jobs.TriggerJob(r.Context(), id)
	if err != nil {
		handleAPIError(w, r, err)
		return
	}
	if !ok {
		handleAPIError(w, r, fmt.Errorf("%w: %q", ErrJobNotFound, id))
		return
	}
	logger.FromContext(r.Context()).Info("job triggered via admin API", "job_id", id)
	shared.RespondWithJSON(w, r, http.StatusAccepted, JobActionResponse{ID: id, Action: "trigger", OK: true})
}

// PauseJob handles POST /jobs/{id}/pause.
func (h *JobHandler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "pause", h.jobs.PauseJob)
}

// ResumeJob handles POST /jobs/{id}/resume.
func (h *JobHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "resume", h.jobs.ResumeJob)
}

func (h *JobHandler) toggle(w http.ResponseWriter, r *http.Request, action string, fn func(string) bool) {
	id := chi.URLParam(r, "id")
	if !fn(id) {
		handleAPIError(w, r, fmt.Errorf("%w: %q", ErrJobNotFound, id))
		return
	}
	logger.FromContext(r.Context()).Info("job "+action+"d via admin API", "job_id", id)
	shared.RespondWithJSON(w, r, http.StatusOK, JobActionResponse{ID: id, Action: action, OK: true})
}

// Status handles GET /scheduler.
func (h *JobHandler) Status(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, SchedulerStatusResponse{Running: h.jobs.IsRunning()})
}

// StartScheduler handles POST /scheduler/start. Starting a running
// scheduler is a no-op.
func (h *JobHandler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	h.jobs.Start()
	logger.FromContext(r.Context()).Info("scheduler started via admin API")
	shared.RespondWithJSON(w, r, http.StatusOK, SchedulerStatusResponse{Running: h.jobs.IsRunning()})
}

// StopScheduler handles POST /scheduler/stop?wait=true. With wait the
// reply is sent once running jobs have returned.
func (h *JobHandler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	wait, err := queryBool(r.URL.Query(), "wait", false)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h.jobs.Shutdown(wait)
	logger.FromContext(r.Context()).Info("scheduler stopped via admin API", "wait", wait)
	shared.RespondWithJSON(w, r, http.StatusOK, SchedulerStatusResponse{Running: h.jobs.IsRunning()})
}
