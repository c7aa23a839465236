package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store for tests. It applies the same status
// guards as the SQL store. FailFn, when set, is consulted before every
// operation with the operation name; a non-nil result is returned as is.
type MockStore struct {
	mu     sync.Mutex
	tasks  map[uuid.UUID]*Task
	seq    map[uuid.UUID]int
	params map[uuid.UUID][]EncodedParam
	logs   map[uuid.UUID][]LogEntry
	next   int

	FailFn func(op string) error
}

var _ Store = (*MockStore)(nil)

// NewMockStore returns an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tasks:  make(map[uuid.UUID]*Task),
		seq:    make(map[uuid.UUID]int),
		params: make(map[uuid.UUID][]EncodedParam),
		logs:   make(map[uuid.UUID][]LogEntry),
	}
}

func (s *MockStore) fail(op string) error {
	if s.FailFn == nil {
		return nil
	}
	return s.FailFn(op)
}

func copyTask(t *Task) *Task {
	c := *t
	c.Params = nil
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }

// InsertTask stores a copy of t.
func (s *MockStore) InsertTask(ctx context.Context, t *Task) error {
	if err := s.fail("InsertTask"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = copyTask(t)
	s.seq[t.ID] = s.next
	s.next++
	return nil
}

// InsertParams stores params for a task.
func (s *MockStore) InsertParams(ctx context.Context, taskID uuid.UUID, params []EncodedParam) error {
	if err := s.fail("InsertParams"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[taskID] = append([]EncodedParam(nil), params...)
	return nil
}

// GetTask returns a copy of the task or ErrTaskNotFound.
func (s *MockStore) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	if err := s.fail("GetTask"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return copyTask(t), nil
}

// GetParams returns the stored params of a task.
func (s *MockStore) GetParams(ctx context.Context, id uuid.UUID) ([]EncodedParam, error) {
	if err := s.fail("GetParams"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EncodedParam(nil), s.params[id]...), nil
}

// mutate applies fn to the task when its status is one of allowed.
func (s *MockStore) mutate(op string, id uuid.UUID, at time.Time, fn func(t *Task) bool, allowed ...Status) (bool, error) {
	if err := s.fail(op); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	if len(allowed) > 0 {
		match := false
		for _, st := range allowed {
			if t.Status == st {
				match = true
				break
			}
		}
		if !match {
			return false, nil
		}
	}
	if !fn(t) {
		return false, nil
	}
	t.UpdatedAt = at
	return true, nil
}

// MarkStarted implements Store.
func (s *MockStore) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.mutate("MarkStarted", id, at, func(t *Task) bool {
		t.Status = StatusRunning
		t.StartedAt = timePtr(at)
		return true
	}, StatusPending)
}

// UpdateProgress implements Store.
func (s *MockStore) UpdateProgress(ctx context.Context, id uuid.UUID, current int, total *int, at time.Time) (bool, error) {
	return s.mutate("UpdateProgress", id, at, func(t *Task) bool {
		c := current
		t.ProgressCurrent = &c
		if total != nil {
			v := *total
			t.ProgressTotal = &v
		}
		return true
	})
}

// MarkFinished implements Store.
func (s *MockStore) MarkFinished(ctx context.Context, id uuid.UUID, status Status, errMsg string, at time.Time) (bool, error) {
	return s.mutate("MarkFinished", id, at, func(t *Task) bool {
		t.Status = status
		t.CompletedAt = timePtr(at)
		t.ErrorMessage = errMsg
		return true
	}, StatusRunning)
}

// MarkCancelled implements Store.
func (s *MockStore) MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.mutate("MarkCancelled", id, at, func(t *Task) bool {
		t.Status = StatusCancelled
		t.CancelledAt = timePtr(at)
		return true
	}, StatusPending, StatusRunning)
}

// IncrementRetry implements Store.
func (s *MockStore) IncrementRetry(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.mutate("IncrementRetry", id, at, func(t *Task) bool {
		if t.RetryCount >= t.MaxRetries {
			return false
		}
		t.RetryCount++
		return true
	})
}

// ResetForRetry implements Store.
func (s *MockStore) ResetForRetry(ctx context.Context, id uuid.UUID, runAfter time.Time, at time.Time) (bool, error) {
	return s.mutate("ResetForRetry", id, at, func(t *Task) bool {
		t.Status = StatusPending
		t.StartedAt = nil
		t.CompletedAt = nil
		t.ErrorMessage = ""
		t.RunAfter = timePtr(runAfter)
		return true
	}, StatusRunning, StatusFailed)
}

// RequeueRunning implements Store.
func (s *MockStore) RequeueRunning(ctx context.Context, at time.Time) ([]uuid.UUID, error) {
	if err := s.fail("RequeueRunning"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, t := range s.sortedLocked() {
		if t.Status != StatusRunning {
			continue
		}
		t.Status = StatusPending
		t.StartedAt = nil
		t.RunAfter = nil
		t.UpdatedAt = at
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (s *MockStore) sortedLocked() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out
}

func (s *MockStore) filterLocked(filter ListFilter) []Task {
	var out []Task
	for _, t := range s.sortedLocked() {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		out = append(out, *copyTask(t))
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// ListTasks implements Store.
func (s *MockStore) ListTasks(ctx context.Context, filter ListFilter) ([]Task, error) {
	if err := s.fail("ListTasks"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return page(s.filterLocked(filter), filter.Limit, filter.Offset), nil
}

// CountTasks implements Store.
func (s *MockStore) CountTasks(ctx context.Context, filter ListFilter) (int, error) {
	if err := s.fail("CountTasks"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filterLocked(ListFilter{Status: filter.Status, Type: filter.Type})), nil
}

// PendingTasks implements Store.
func (s *MockStore) PendingTasks(ctx context.Context, limit int, now time.Time) ([]Task, error) {
	if err := s.fail("PendingTasks"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.filterLocked(ListFilter{Status: StatusPending}) {
		if t.RunAfter != nil && t.RunAfter.After(now) {
			continue
		}
		out = append(out, t)
	}
	return page(out, limit, 0), nil
}

// CountRunning implements Store.
func (s *MockStore) CountRunning(ctx context.Context) (int, error) {
	if err := s.fail("CountRunning"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filterLocked(ListFilter{Status: StatusRunning})), nil
}

// AppendLog implements Store.
func (s *MockStore) AppendLog(ctx context.Context, entry LogEntry) error {
	if err := s.fail("AppendLog"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.TaskID] = append(s.logs[entry.TaskID], entry)
	return nil
}

// ListLogs implements Store.
func (s *MockStore) ListLogs(ctx context.Context, taskID uuid.UUID, filter LogFilter) ([]LogEntry, error) {
	if err := s.fail("ListLogs"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogEntry
	for _, e := range s.logs[taskID] {
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		out = append(out, e)
	}
	return page(out, filter.Limit, filter.Offset), nil
}

// RunInTx runs fn against the store itself; MockStore has no rollback.
func (s *MockStore) RunInTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	if err := s.fail("RunInTx"); err != nil {
		return err
	}
	return fn(ctx, s)
}

// Put stores t as is, bypassing CreateTask. Tests use it to seed states.
func (s *MockStore) Put(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = copyTask(&t)
	s.seq[t.ID] = s.next
	s.next++
}
