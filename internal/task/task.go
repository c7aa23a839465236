package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

// Task status values. Completed and cancelled are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Default limits applied by CreateTask when the caller does not set them.
const (
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 14400
)

// Task is one persisted unit of deferred work.
type Task struct {
	ID              uuid.UUID  `json:"id"`
	Type            string     `json:"task_type"`
	Status          Status     `json:"status"`
	ProgressCurrent *int       `json:"progress_current,omitempty"`
	ProgressTotal   *int       `json:"progress_total,omitempty"`
	MaxRetries      int        `json:"max_retries"`
	RetryCount      int        `json:"retry_count"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	CreatedBy       string     `json:"created_by,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	// RunAfter holds back a pending task until the retry backoff elapses.
	RunAfter *time.Time `json:"run_after,omitempty"`
	Params   Params     `json:"params,omitempty"`
}

// Timeout returns the configured timeout as a duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// TimedOut reports whether a running task has exceeded its timeout at now.
func (t *Task) TimedOut(now time.Time) bool {
	if t.Status != StatusRunning || t.StartedAt == nil {
		return false
	}
	return now.Sub(*t.StartedAt) > t.Timeout()
}

// LogLevel is the severity of a task log line.
type LogLevel string

// Task log levels.
const (
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// Valid reports whether l is a known level.
func (l LogLevel) Valid() bool {
	return l == LogInfo || l == LogWarning || l == LogError
}

// LogEntry is one append-only log line scoped to a task.
type LogEntry struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ListFilter narrows ListTasks and CountTasks. Zero values mean "any".
// Limit and Offset are ignored by CountTasks.
type ListFilter struct {
	Status Status
	Type   string
	Limit  int
	Offset int
}

// LogFilter narrows GetTaskLogs. An empty Level returns every level.
type LogFilter struct {
	Level  LogLevel
	Limit  int
	Offset int
}

// Store persists tasks, their parameters and their logs. Transition methods
// are guarded on the current status and report whether a row changed, so a
// task in a terminal state is never modified.
type Store interface {
	InsertTask(ctx context.Context, t *Task) error
	InsertParams(ctx context.Context, taskID uuid.UUID, params []EncodedParam) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	GetParams(ctx context.Context, id uuid.UUID) ([]EncodedParam, error)

	// MarkStarted moves a pending task to running.
	MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// UpdateProgress sets the progress counters; total is left as is when nil.
	UpdateProgress(ctx context.Context, id uuid.UUID, current int, total *int, at time.Time) (bool, error)
	// MarkFinished moves a running task to completed or failed.
	MarkFinished(ctx context.Context, id uuid.UUID, status Status, errMsg string, at time.Time) (bool, error)
	// MarkCancelled moves a pending or running task to cancelled.
	MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// IncrementRetry adds one to retry_count while it is below max_retries.
	IncrementRetry(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// ResetForRetry moves a running or failed task back to pending.
	ResetForRetry(ctx context.Context, id uuid.UUID, runAfter time.Time, at time.Time) (bool, error)
	// RequeueRunning moves every running task back to pending and returns their ids.
	RequeueRunning(ctx context.Context, at time.Time) ([]uuid.UUID, error)

	ListTasks(ctx context.Context, filter ListFilter) ([]Task, error)
	CountTasks(ctx context.Context, filter ListFilter) (int, error)
	// PendingTasks returns claimable pending tasks, oldest first.
	PendingTasks(ctx context.Context, limit int, now time.Time) ([]Task, error)
	CountRunning(ctx context.Context) (int, error)

	AppendLog(ctx context.Context, entry LogEntry) error
	ListLogs(ctx context.Context, taskID uuid.UUID, filter LogFilter) ([]LogEntry, error)

	// RunInTx runs fn against a Store bound to a single transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
