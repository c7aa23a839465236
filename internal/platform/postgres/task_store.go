package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Markmu/sector-strength-sub001/internal/platform/logger"
	"github.com/Markmu/sector-strength-sub001/internal/store"
	"github.com/Markmu/sector-strength-sub001/internal/task"
	"github.com/google/uuid"
)

const taskColumns = `id, task_type, status, progress_current, progress_total,
	max_retries, retry_count, timeout_seconds, created_by, error_message,
	run_after, created_at, started_at, completed_at, cancelled_at, updated_at`

// TaskStore implements task.Store on database/sql.
type TaskStore struct {
	db store.DBTX
	// begin is nil when the store is bound to a transaction.
	begin store.Beginner
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore returns a TaskStore on db.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db, begin: db}
}

// WithTx returns a TaskStore that runs every query on tx.
func (s *TaskStore) WithTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{db: tx}
}

// RunInTx implements task.Store. Nested calls reuse the open transaction.
func (s *TaskStore) RunInTx(ctx context.Context, fn func(ctx context.Context, s task.Store) error) error {
	if s.begin == nil {
		return fn(ctx, s)
	}
	return store.RunInTransaction(ctx, s.begin, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, s.WithTx(tx))
	})
}

// InsertTask implements task.Store.
func (s *TaskStore) InsertTask(ctx context.Context, t *task.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.Type, string(t.Status), nullInt(t.ProgressCurrent), nullInt(t.ProgressTotal),
		t.MaxRetries, t.RetryCount, t.TimeoutSeconds, nullString(t.CreatedBy), nullString(t.ErrorMessage),
		nullTime(t.RunAfter), t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt),
		t.UpdatedAt,
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to insert task", "task_id", t.ID, "task_type", t.Type, "error", err)
		return MapError(err)
	}
	return nil
}

// InsertParams implements task.Store.
func (s *TaskStore) InsertParams(ctx context.Context, taskID uuid.UUID, params []task.EncodedParam) error {
	if len(params) == 0 {
		return nil
	}

	stmt, err := s.db.PrepareContext(ctx, `
		INSERT INTO task_params (task_id, param_key, param_value, param_kind)
		VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("failed to prepare param insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range params {
		if _, err := stmt.ExecContext(ctx, taskID, p.Key, p.Value, string(p.Kind)); err != nil {
			logger.FromContext(ctx).Error("failed to insert task param", "task_id", taskID, "key", p.Key, "error", err)
			return MapError(err)
		}
	}
	return nil
}

// GetTask implements task.Store.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return t, nil
}

// GetParams implements task.Store.
func (s *TaskStore) GetParams(ctx context.Context, id uuid.UUID) ([]task.EncodedParam, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT param_key, param_value, param_kind
		FROM task_params
		WHERE task_id = $1
		ORDER BY param_key`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task params: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []task.EncodedParam
	for rows.Next() {
		var p task.EncodedParam
		var kind string
		if err := rows.Scan(&p.Key, &p.Value, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan task param: %w", err)
		}
		p.Kind = task.ParamKind(kind)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task params: %w", err)
	}
	return out, nil
}

// exec runs a guarded UPDATE and reports whether it matched a row.
// SQLite numbers $n placeholders by first appearance, so every query lists
// them in ascending order.
func (s *TaskStore) exec(ctx context.Context, op string, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		logger.FromContext(ctx).Error("task update failed", "op", op, "error", err)
		return false, fmt.Errorf("%s: %w", op, MapError(err))
	}
	return rowsChanged(result)
}

// MarkStarted implements task.Store.
func (s *TaskStore) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.exec(ctx, "mark started", `
		UPDATE tasks
		SET status = 'running', started_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'pending'`, at, id)
}

// UpdateProgress implements task.Store.
func (s *TaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, current int, total *int, at time.Time) (bool, error) {
	return s.exec(ctx, "update progress", `
		UPDATE tasks
		SET progress_current = $1, progress_total = COALESCE($2, progress_total), updated_at = $3
		WHERE id = $4`, current, nullInt(total), at, id)
}

// MarkFinished implements task.Store.
func (s *TaskStore) MarkFinished(ctx context.Context, id uuid.UUID, status task.Status, errMsg string, at time.Time) (bool, error) {
	return s.exec(ctx, "mark finished", `
		UPDATE tasks
		SET status = $1, error_message = $2, completed_at = $3, updated_at = $3
		WHERE id = $4 AND status = 'running'`, string(status), nullString(errMsg), at, id)
}

// MarkCancelled implements task.Store.
func (s *TaskStore) MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.exec(ctx, "mark cancelled", `
		UPDATE tasks
		SET status = 'cancelled', cancelled_at = $1, updated_at = $1
		WHERE id = $2 AND status IN ('pending', 'running')`, at, id)
}

// IncrementRetry implements task.Store.
func (s *TaskStore) IncrementRetry(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.exec(ctx, "increment retry", `
		UPDATE tasks
		SET retry_count = retry_count + 1, updated_at = $1
		WHERE id = $2 AND retry_count < max_retries`, at, id)
}

// ResetForRetry implements task.Store.
func (s *TaskStore) ResetForRetry(ctx context.Context, id uuid.UUID, runAfter time.Time, at time.Time) (bool, error) {
	return s.exec(ctx, "reset for retry", `
		UPDATE tasks
		SET status = 'pending', started_at = NULL, completed_at = NULL,
			error_message = NULL, run_after = $1, updated_at = $2
		WHERE id = $3 AND status IN ('running', 'failed')`, runAfter, at, id)
}

// RequeueRunning implements task.Store.
func (s *TaskStore) RequeueRunning(ctx context.Context, at time.Time) ([]uuid.UUID, error) {
	running, err := s.ListTasks(ctx, task.ListFilter{Status: task.StatusRunning})
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	for _, t := range running {
		ok, err := s.exec(ctx, "requeue running", `
			UPDATE tasks
			SET status = 'pending', started_at = NULL, run_after = NULL, updated_at = $1
			WHERE id = $2 AND status = 'running'`, at, t.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// taskFilter renders the WHERE clause of a list query. Placeholders start
// at $1.
func taskFilter(filter task.ListFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("task_type = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// paging renders LIMIT/OFFSET. SQLite needs a LIMIT whenever OFFSET is set.
func paging(limit, offset int, args []any) (string, []any) {
	if limit <= 0 && offset <= 0 {
		return "", args
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	args = append(args, limit, offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args
}

// ListTasks implements task.Store.
func (s *TaskStore) ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, error) {
	where, args := taskFilter(filter)
	page, args := paging(filter.Limit, filter.Offset, args)
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at, seq`+page, args...)
}

// CountTasks implements task.Store.
func (s *TaskStore) CountTasks(ctx context.Context, filter task.ListFilter) (int, error) {
	where, args := taskFilter(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// PendingTasks implements task.Store.
func (s *TaskStore) PendingTasks(ctx context.Context, limit int, now time.Time) ([]task.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'pending' AND (run_after IS NULL OR run_after <= $1)
		ORDER BY created_at, seq
		LIMIT $2`, now, limit)
}

// CountRunning implements task.Store.
func (s *TaskStore) CountRunning(ctx context.Context) (int, error) {
	return s.CountTasks(ctx, task.ListFilter{Status: task.StatusRunning})
}

// AppendLog implements task.Store.
func (s *TaskStore) AppendLog(ctx context.Context, entry task.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (id, task_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.TaskID, string(entry.Level), entry.Message, entry.CreatedAt)
	if err != nil {
		logger.FromContext(ctx).Error("failed to append task log", "task_id", entry.TaskID, "error", err)
		return MapError(err)
	}
	return nil
}

// ListLogs implements task.Store.
func (s *TaskStore) ListLogs(ctx context.Context, taskID uuid.UUID, filter task.LogFilter) ([]task.LogEntry, error) {
	query := `SELECT id, task_id, level, message, created_at FROM task_logs WHERE task_id = $1`
	args := []any{taskID}
	if filter.Level != "" {
		args = append(args, string(filter.Level))
		query += fmt.Sprintf(" AND level = $%d", len(args))
	}
	page, args := paging(filter.Limit, filter.Offset, args)
	query += " ORDER BY seq" + page

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []task.LogEntry
	for rows.Next() {
		var e task.LogEntry
		var level string
		if err := rows.Scan(&e.ID, &e.TaskID, &level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task log: %w", err)
		}
		e.Level = task.LogLevel(level)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task logs: %w", err)
	}
	return out, nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                                             task.Task
		status                                        string
		progressCurrent, progressTotal                sql.NullInt64
		createdBy, errorMessage                       sql.NullString
		runAfter, startedAt, completedAt, cancelledAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Type, &status, &progressCurrent, &progressTotal,
		&t.MaxRetries, &t.RetryCount, &t.TimeoutSeconds, &createdBy, &errorMessage,
		&runAfter, &t.CreatedAt, &startedAt, &completedAt, &cancelledAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.ProgressCurrent = intPtr(progressCurrent)
	t.ProgressTotal = intPtr(progressTotal)
	t.CreatedBy = createdBy.String
	t.ErrorMessage = errorMessage.String
	t.RunAfter = timePtr(runAfter)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.CancelledAt = timePtr(cancelledAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
