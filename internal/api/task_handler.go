package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Markmu/sector-strength-sub001/internal/api/shared"
	"github.com/Markmu/sector-strength-sub001/internal/platform/logger"
	"github.com/Markmu/sector-strength-sub001/internal/task"
)

// TaskService is the part of the task manager the admin API uses.
type TaskService interface {
	CreateTask(ctx context.Context, in task.CreateTaskInput) (*task.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error)
	ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, error)
	CountTasks(ctx context.Context, filter task.ListFilter) (int, error)
	GetTaskLogs(ctx context.Context, id uuid.UUID, filter task.LogFilter) ([]task.LogEntry, error)
	CancelTask(ctx context.Context, id uuid.UUID) (bool, error)
}

// TaskTypes reports which task types have a handler.
type TaskTypes interface {
	Has(taskType string) bool
}

// TaskHandler serves the task endpoints.
type TaskHandler struct {
	tasks TaskService
	types TaskTypes
}

// NewTaskHandler returns a TaskHandler. A nil types accepts any task type.
func NewTaskHandler(tasks TaskService, types TaskTypes) *TaskHandler {
	return &TaskHandler{tasks: tasks, types: types}
}

// Routes mounts the task endpoints on r.
func (h *TaskHandler) Routes(r chi.Router) {
	r.Post("/tasks", h.CreateTask)
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{id}", h.GetTask)
	r.Get("/tasks/{id}/logs", h.GetTaskLogs)
	r.Post("/tasks/{id}/cancel", h.CancelTask)
}

// CreateTask handles POST /tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}
	if h.types != nil && !h.types.Has(req.Type) {
		handleAPIError(w, r, fmt.Errorf("%w: %q", task.ErrUnknownTaskType, req.Type))
		return
	}

	createdBy := "admin"
	if subject, ok := shared.GetSubject(r.Context()); ok {
		createdBy = "admin:" + subject
	}

	t, err := h.tasks.CreateTask(r.Context(), task.CreateTaskInput{
		Type:           req.Type,
		Params:         task.Params(req.Params),
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedBy:      createdBy,
	})
	if err != nil {
		handleAPIError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("task enqueued via admin API", "task_id", t.ID, "task_type", t.Type)
	shared.RespondWithJSON(w, r, http.StatusCreated, t)
}

// ListTasks handles GET /tasks?status=&type=&limit=&offset=.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pageParams(q)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	filter := task.ListFilter{
		Status: task.Status(q.Get("status")),
		Type:   q.Get("type"),
		Limit:  limit,
		Offset: offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid status")
		return
	}

	tasks, err := h.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		handleAPIError(w, r, err)
		return
	}
	total, err := h.tasks.CountTasks(r.Context(), filter)
	if err != nil {
		handleAPIError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetTask handles GET /tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := getPathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		handleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// GetTaskLogs handles GET /tasks/{id}/logs?level=&limit=&offset=.
func (h *TaskHandler) GetTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := getPathUUID(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, offset, err := pageParams(q)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter := task.LogFilter{Level: task.LogLevel(q.Get("level")), Limit: limit, Offset: offset}
	if filter.Level != "" && !filter.Level.Valid() {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid level")
		return
	}

	logs, err := h.tasks.GetTaskLogs(r.Context(), id, filter)
	if err != nil {
		handleAPIError(w, r, err)
		return
	}
	if logs == nil {
		logs = []task.LogEntry{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskLogsResponse{Logs: logs})
}

// CancelTask handles POST /tasks/{id}/cancel. A task that already left the
// pending and running states yields 409.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := getPathUUID(w, r, "id")
	if !ok {
		return
	}

	cancelled, err := h.tasks.CancelTask(r.Context(), id)
	if err != nil {
		handleAPIError(w, r, err)
		return
	}

	t, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		handleAPIError(w, r, err)
		return
	}
	if !cancelled {
		handleAPIError(w, r, fmt.Errorf("%w: task %s is %s", ErrTaskFinished, id, t.Status))
		return
	}

	logger.FromContext(r.Context()).Info("task cancelled via admin API", "task_id", id)
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}
