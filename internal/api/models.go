package api

import (
	"github.com/Markmu/sector-strength-sub001/internal/scheduler"
	"github.com/Markmu/sector-strength-sub001/internal/task"
)

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	Type           string         `json:"type"            validate:"required,max=64"`
	Params         map[string]any `json:"params"`
	MaxRetries     *int           `json:"max_retries"     validate:"omitempty,gte=0,lte=20"`
	TimeoutSeconds *int           `json:"timeout_seconds" validate:"omitempty,gt=0,lte=86400"`
}

// TaskListResponse is one page of tasks with the unpaged total.
type TaskListResponse struct {
	Tasks  []task.Task `json:"tasks"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// TaskLogsResponse lists the log lines of one task.
type TaskLogsResponse struct {
	Logs []task.LogEntry `json:"logs"`
}

// JobListResponse lists the registered jobs.
type JobListResponse struct {
	Jobs []scheduler.JobInfo `json:"jobs"`
}

// JobActionResponse reports the result of a job action.
type JobActionResponse struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
}

// SchedulerStatusResponse is the body of GET /scheduler.
type SchedulerStatusResponse struct {
	Running bool `json:"running"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}
