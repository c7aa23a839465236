package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// CreateTaskInput describes a task to enqueue. Nil limits take the defaults.
type CreateTaskInput struct {
	Type           string
	Params         Params
	MaxRetries     *int
	TimeoutSeconds *int
	CreatedBy      string
}

// Manager owns every state transition of a task and appends the log line
// that goes with it. It is safe for concurrent use.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a Manager persisting through s.
func NewManager(s Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  s,
		logger: logger.With("component", "task_manager"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's current time in UTC, truncated to the
// microsecond precision the store keeps.
func (m *Manager) Now() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *Manager) entry(id uuid.UUID, level LogLevel, msg string, at time.Time) LogEntry {
	return LogEntry{ID: uuid.New(), TaskID: id, Level: level, Message: msg, CreatedAt: at}
}

// CreateTask persists a new pending task with its params and an INFO log line.
func (m *Manager) CreateTask(ctx context.Context, in CreateTaskInput) (*Task, error) {
	if in.Type == "" {
		return nil, fmt.Errorf("%w: task type is required", ErrInvalidTask)
	}

	maxRetries := DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidTask)
	}

	timeout := DefaultTimeoutSeconds
	if in.TimeoutSeconds != nil {
		timeout = *in.TimeoutSeconds
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout_seconds must be positive", ErrInvalidTask)
	}

	rows, err := EncodeParams(in.Params)
	if err != nil {
		return nil, err
	}
	paramsJSON, err := json.Marshal(in.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if in.Params == nil {
		paramsJSON = []byte("{}")
	}

	now := m.Now()
	t := &Task{
		ID:             uuid.New(),
		Type:           in.Type,
		Status:         StatusPending,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeout,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = m.store.RunInTx(ctx, func(ctx context.Context, s Store) error {
		if err := s.InsertTask(ctx, t); err != nil {
			return err
		}
		if err := s.InsertParams(ctx, t.ID, rows); err != nil {
			return err
		}
		msg := fmt.Sprintf("task created: type=%s params=%s", t.Type, paramsJSON)
		return s.AppendLog(ctx, m.entry(t.ID, LogInfo, msg, now))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	t.Params, err = DecodeParams(rows)
	if err != nil {
		return nil, err
	}

	m.logger.Info("task created", "task_id", t.ID, "task_type", t.Type, "created_by", t.CreatedBy)
	return t, nil
}

// GetTask returns the task with its params attached.
func (m *Manager) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	params, err := m.GetTaskParams(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Params = params
	return t, nil
}

// GetTaskParams returns the decoded params of a task.
func (m *Manager) GetTaskParams(ctx context.Context, id uuid.UUID) (Params, error) {
	if _, err := m.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	rows, err := m.store.GetParams(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task params: %w", err)
	}
	return DecodeParams(rows)
}

// StartTask moves a pending task to running. It returns false when the task
// does not exist or is no longer pending.
func (m *Manager) StartTask(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := m.store.MarkStarted(ctx, id, m.Now())
	if err != nil {
		return false, fmt.Errorf("failed to start task: %w", err)
	}
	if ok {
		m.logger.Debug("task started", "task_id", id)
	}
	return ok, nil
}

// UpdateProgress records progress counters. Status is never changed.
func (m *Manager) UpdateProgress(ctx context.Context, id uuid.UUID, current int, total *int) (bool, error) {
	ok, err := m.store.UpdateProgress(ctx, id, current, total, m.Now())
	if err != nil {
		return false, fmt.Errorf("failed to update progress: %w", err)
	}
	return ok, nil
}

// CompleteTask moves a running task to completed or failed. A non-empty
// errorMessage is stored and appended as an ERROR log line.
func (m *Manager) CompleteTask(ctx context.Context, id uuid.UUID, success bool, errorMessage string) (bool, error) {
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}
	now := m.Now()

	var ok bool
	err := m.store.RunInTx(ctx, func(ctx context.Context, s Store) error {
		var err error
		ok, err = s.MarkFinished(ctx, id, status, errorMessage, now)
		if err != nil || !ok || errorMessage == "" {
			return err
		}
		return s.AppendLog(ctx, m.entry(id, LogError, errorMessage, now))
	})
	if err != nil {
		return false, fmt.Errorf("failed to complete task: %w", err)
	}
	if ok {
		m.logger.Info("task finished", "task_id", id, "status", status)
	}
	return ok, nil
}

// CancelTask cancels a pending or running task. It returns false, leaving
// the task unchanged, for any other state.
func (m *Manager) CancelTask(ctx context.Context, id uuid.UUID) (bool, error) {
	now := m.Now()

	var ok bool
	err := m.store.RunInTx(ctx, func(ctx context.Context, s Store) error {
		var err error
		ok, err = s.MarkCancelled(ctx, id, now)
		if err != nil || !ok {
			return err
		}
		return s.AppendLog(ctx, m.entry(id, LogInfo, "task cancelled", now))
	})
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	if ok {
		m.logger.Info("task cancelled", "task_id", id)
	}
	return ok, nil
}

// IncrementRetry atomically adds one to retry_count. It returns false once
// the retry budget is spent.
func (m *Manager) IncrementRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := m.store.IncrementRetry(ctx, id, m.Now())
	if err != nil {
		return false, fmt.Errorf("failed to increment retry: %w", err)
	}
	return ok, nil
}

// ResetForRetry returns a running or failed task to pending, claimable
// after delay, and appends an INFO log line.
func (m *Manager) ResetForRetry(ctx context.Context, id uuid.UUID, delay time.Duration) (bool, error) {
	msg := "task reset for retry"
	if delay > 0 {
		msg = fmt.Sprintf("task reset for retry, next attempt in %s", delay)
	}
	return m.requeue(ctx, id, delay, msg)
}

// RequeueTask returns a running task to pending without touching its retry
// count. Used when the executor shuts down under a running handler.
func (m *Manager) RequeueTask(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return m.requeue(ctx, id, 0, "task requeued: "+reason)
}

func (m *Manager) requeue(ctx context.Context, id uuid.UUID, delay time.Duration, msg string) (bool, error) {
	now := m.Now()

	var ok bool
	err := m.store.RunInTx(ctx, func(ctx context.Context, s Store) error {
		var err error
		ok, err = s.ResetForRetry(ctx, id, now.Add(delay), now)
		if err != nil || !ok {
			return err
		}
		return s.AppendLog(ctx, m.entry(id, LogInfo, msg, now))
	})
	if err != nil {
		return false, fmt.Errorf("failed to reset task: %w", err)
	}
	return ok, nil
}

// RequeueRunning returns every running task to pending. It is called when
// an executor starts, before it owns any task, to recover work orphaned by
// a previous process.
func (m *Manager) RequeueRunning(ctx context.Context) ([]uuid.UUID, error) {
	now := m.Now()

	var ids []uuid.UUID
	err := m.store.RunInTx(ctx, func(ctx context.Context, s Store) error {
		var err error
		ids, err = s.RequeueRunning(ctx, now)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.AppendLog(ctx, m.entry(id, LogInfo, "task requeued after executor restart", now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue running tasks: %w", err)
	}
	return ids, nil
}

// CheckTaskTimeout reports whether a running task has exceeded its timeout.
func (m *Manager) CheckTaskTimeout(ctx context.Context, id uuid.UUID) (bool, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return false, nil
		}
		return false, err
	}
	return t.TimedOut(m.Now()), nil
}

// IsCancelled reports whether the task has been cancelled. Handlers call it
// between units of work.
func (m *Manager) IsCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Status == StatusCancelled, nil
}

// AppendLog appends a log line to a task.
func (m *Manager) AppendLog(ctx context.Context, id uuid.UUID, level LogLevel, message string) error {
	if !level.Valid() {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidTask, level)
	}
	if err := m.store.AppendLog(ctx, m.entry(id, level, message, m.Now())); err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}

// ListTasks returns tasks matching filter, oldest first.
func (m *Manager) ListTasks(ctx context.Context, filter ListFilter) ([]Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, filter.Status)
	}
	return m.store.ListTasks(ctx, filter)
}

// CountTasks counts tasks matching filter.
func (m *Manager) CountTasks(ctx context.Context, filter ListFilter) (int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, filter.Status)
	}
	return m.store.CountTasks(ctx, filter)
}

// GetPendingTasks returns up to limit claimable pending tasks, oldest first.
func (m *Manager) GetPendingTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	return m.store.PendingTasks(ctx, limit, m.Now())
}

// GetRunningTasksCount counts tasks in the running state.
func (m *Manager) GetRunningTasksCount(ctx context.Context) (int, error) {
	return m.store.CountRunning(ctx)
}

// GetTaskLogs returns a task's log lines in creation order.
func (m *Manager) GetTaskLogs(ctx context.Context, id uuid.UUID, filter LogFilter) ([]LogEntry, error) {
	if filter.Level != "" && !filter.Level.Valid() {
		return nil, fmt.Errorf("%w: unknown log level %q", ErrInvalidTask, filter.Level)
	}
	if _, err := m.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListLogs(ctx, id, filter)
}
