package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second
const pollEvery = 5 * time.Millisecond

func testExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PollInterval:       time.Hour,
		MaxConcurrentTasks: 3,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      time.Millisecond,
		ShutdownTimeout:    2 * time.Second,
	}
}

func startExecutor(t *testing.T, m *Manager, reg *Registry, cfg ExecutorConfig, obs Observer) *Executor {
	t.Helper()
	e := NewExecutor(StaticOpener(m), reg, cfg, testLogger(), obs)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

// tickUntil polls until the task reaches want.
func tickUntil(t *testing.T, e *Executor, m *Manager, id uuid.UUID, want Status) *Task {
	t.Helper()
	var last *Task
	require.Eventually(t, func() bool {
		e.Tick(context.Background())
		got, err := m.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		last = got
		return got.Status == want
	}, waitFor, pollEvery, "task never reached %s", want)
	return last
}

type recordingObserver struct {
	mu         sync.Mutex
	dispatched int
	outcomes   map[Outcome]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{outcomes: make(map[Outcome]int)}
}

func (o *recordingObserver) TaskDispatched(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatched++
}

func (o *recordingObserver) TaskFinished(_ string, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *recordingObserver) RunningTasks(int) {}

func (o *recordingObserver) count(outcome Outcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}

// blockingHandler signals on started and returns ctx.Err() once cancelled.
func blockingHandler(started chan<- uuid.UUID) Handler {
	return func(ctx context.Context, id uuid.UUID, _ Params) error {
		started <- id
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestExecutor_FailureWithoutRetries(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMockStore(), testLogger())
	reg := NewRegistry()
	reg.MustRegister("noop", func(context.Context, uuid.UUID, Params) error {
		return errors.New("quote source unavailable")
	})
	e := startExecutor(t, m, reg, testExecutorConfig(), nil)

	created := mustCreate(t, m, CreateTaskInput{Type: "noop", Params: Params{}, MaxRetries: intPtr(0)})

	got := tickUntil(t, e, m, created.ID, StatusFailed)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "quote source unavailable", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, logLevels(t, m, created.ID, LogError), 1)
	assert.Empty(t, logLevels(t, m, created.ID, LogWarning))
}

func TestExecutor_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMockStore(), testLogger())
	reg := NewRegistry()
	var attempts atomic.Int32
	reg.MustRegister("noop", func(context.Context, uuid.UUID, Params) error {
		if attempts.Add(1) <= 2 {
			return errors.New("transient")
		}
		return nil
	})
	obs := newRecordingObserver()
	e := startExecutor(t, m, reg, testExecutorConfig(), obs)

	created := mustCreate(t, m, CreateTaskInput{Type: "noop", MaxRetries: intPtr(2)})

	got := tickUntil(t, e, m, created.ID, StatusCompleted)
	assert.Equal(t, 2, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, int32(3), attempts.Load())

	warnings := logLevels(t, m, created.ID, LogWarning)
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0].Message, "attempt 1 failed: transient")
	assert.Contains(t, warnings[1].Message, "attempt 2 failed: transient")
	assert.Empty(t, logLevels(t, m, created.ID, LogError))

	assert.Equal(t, 2, obs.count(OutcomeRetried))
	assert.Equal(t, 1, obs.count(OutcomeCompleted))
}

func TestExecutor_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMockStore(), testLogger())
	reg := NewRegistry()
	var attempts atomic.Int32
	reg.MustRegister("noop", func(context.Context, uuid.UUID, Params) error {
		attempts.Add(1)
		return errors.New("still broken")
	})
	e := startExecutor(t, m, reg, testExecutorConfig(), nil)

	created := mustCreate(t, m, CreateTaskInput{Type: "noop", MaxRetries: intPtr(1)})

	got := tickUntil(t, e, m, created.ID, StatusFailed)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "still broken", got.ErrorMessage)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestExecutor_Timeout(t *testing.T) {
	t.Parallel()

	t.Run("fails without budget", func(t *testing.T) {
		t.Parallel()

		m, _, clock := newTestManager(t)
		reg := NewRegistry()
		started := make(chan uuid.UUID, 1)
		returned := make(chan struct{})
		reg.MustRegister("slow", func(ctx context.Context, id uuid.UUID, p Params) error {
			defer close(returned)
			return blockingHandler(started)(ctx, id, p)
		})
		e := startExecutor(t, m, reg, testExecutorConfig(), nil)

		created := mustCreate(t, m, CreateTaskInput{Type: "slow", MaxRetries: intPtr(0), TimeoutSeconds: intPtr(1)})
		e.Tick(context.Background())
		<-started

		clock.Advance(2 * time.Second)
		e.Tick(context.Background())

		select {
		case <-returned:
		case <-time.After(waitFor):
			t.Fatal("handler was not cancelled after timeout")
		}

		got := mustGet(t, m, created.ID)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "task timed out after 1s", got.ErrorMessage)
		assert.Len(t, logLevels(t, m, created.ID, LogError), 1)
		assert.Eventually(t, func() bool { return e.InFlight() == 0 }, waitFor, pollEvery)
	})

	t.Run("retries with budget", func(t *testing.T) {
		t.Parallel()

		m, _, clock := newTestManager(t)
		reg := NewRegistry()
		started := make(chan uuid.UUID, 1)
		var attempts atomic.Int32
		reg.MustRegister("slow", func(ctx context.Context, id uuid.UUID, p Params) error {
			if attempts.Add(1) == 1 {
				return blockingHandler(started)(ctx, id, p)
			}
			return nil
		})
		e := startExecutor(t, m, reg, testExecutorConfig(), nil)

		created := mustCreate(t, m, CreateTaskInput{Type: "slow", MaxRetries: intPtr(1), TimeoutSeconds: intPtr(1)})
		e.Tick(context.Background())
		<-started

		clock.Advance(2 * time.Second)
		e.Tick(context.Background())

		got := mustGet(t, m, created.ID)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)

		clock.Advance(time.Second)
		got = tickUntil(t, e, m, created.ID, StatusCompleted)
		assert.Equal(t, 1, got.RetryCount)
	})
}

func TestExecutor_Cancellation(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMockStore(), testLogger())
	reg := NewRegistry()
	started := make(chan uuid.UUID, 1)
	reg.MustRegister("slow", blockingHandler(started))
	obs := newRecordingObserver()
	e := startExecutor(t, m, reg, testExecutorConfig(), obs)

	created := mustCreate(t, m, CreateTaskInput{Type: "slow"})
	e.Tick(context.Background())
	<-started

	ok, err := m.CancelTask(context.Background(), created.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		e.Tick(context.Background())
		return obs.count(OutcomeCancelled) == 1
	}, waitFor, pollEvery)

	got := mustGet(t, m, created.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, logLevels(t, m, created.ID, LogError))
	assert.Eventually(t, func() bool { return e.InFlight() == 0 }, waitFor, pollEvery)
}

func TestExecutor_SkipsCancelledPendingTask(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMockStore(), testLogger())
	reg := NewRegistry()
	var calls atomic.Int32
	reg.MustRegister("noop", func(context.Context, uuid.UUID, Params) error {
		calls.Add(1)
		return nil
	})
	e := startExecutor(t, m, reg, testExecutorConfig(), nil)

	created := mustCreate(t, m, CreateTaskInput{Type: "noop"})
	ok, err := m.CancelTask(context.Background(), created.ID)
	require.NoError(t, err)
	require.True(t, ok)

	e.Tick(context.Background())
	e.Tick(context.Background())

	assert.Equal(t, int32(0), calls.Load())
	got := mustGet(t, m, created.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, 0, e.InFlight())
}

func TestExecutor_TimedOutHandlerHoldsItsSlot(t *testing.T) {
	t.Parallel()

	m, _, clock := newTestManager(t)
	reg := NewRegistry()
	started := make(chan uuid.UUID, 2)
	release := make(chan struct{})
	var attempts, active, peak atomic.Int32
	reg.MustRegister("stubborn", func(_ context.Context, id uuid.UUID, _ Params) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- id
		if attempts.Add(1) == 1 {
			// ignores cancellation
			<-release
			return errors.New("finished after timeout")
		}
		return nil
	})

	cfg := testExecutorConfig()
	cfg.MaxConcurrentTasks = 1
	e := startExecutor(t, m, reg, cfg, nil)

	created := mustCreate(t, m, CreateTaskInput{Type: "stubborn", MaxRetries: intPtr(1), TimeoutSeconds: intPtr(1)})
	other := mustCreate(t, m, CreateTaskInput{Type: "stubborn"})
	e.Tick(context.Background())
	require.Equal(t, created.ID, <-started)

	clock.Advance(2 * time.Second)
	e.Tick(context.Background())
	got := mustGet(t, m, created.ID)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)

	clock.Advance(time.Second)
	e.Tick(context.Background())
	e.Tick(context.Background())

	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, 1, e.InFlight())
	assert.Equal(t, StatusPending, mustGet(t, m, created.ID).Status)
	assert.Equal(t, StatusPending, mustGet(t, m, other.ID).Status)
	running, err := m.GetRunningTasksCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, running)

	close(release)
	require.Eventually(t, func() bool { return e.InFlight() == 0 }, waitFor, pollEvery)

	got = tickUntil(t, e, m, created.ID, StatusCompleted)
	assert.Equal(t, 1, got.RetryCount)
	tickUntil(t, e, m, other.ID, StatusCompleted)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int32(3), attempts.Load())
}

// lostAckStore applies the first IncrementRetry but reports a failure, as
// when the connection drops after the commit.
type lostAckStore struct {
	*MockStore
	increments atomic.Int32
}

func (s *lostAckStore) IncrementRetry(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	ok, err := s.MockStore.IncrementRetry(ctx, id, at)
	if s.increments.Add(1) == 1 && err == nil {
		return false, errors.New("connection reset by peer")
	}
	return ok, err
}

func TestExecutor_RetryIncrementNotRepeated(t *testing.T) {
	t.Parallel()

	st := &lostAckStore{MockStore: NewMockStore()}
	m := NewManager(st, testLogger())
	reg := NewRegistry()
	reg.MustRegister("flaky", func(context.Context, uuid.UUID, Params) error {
		return errors.New("upstream 502")
	})
	e := startExecutor(t, m, reg, testExecutorConfig(), nil)

	created := mustCreate(t, m, CreateTaskInput{Type: "flaky", MaxRetries: intPtr(3)})
	e.Tick(context.Background())

	require.Eventually(t, func() bool { return st.increments.Load() == 1 }, waitFor, pollEvery)
	assert.Never(t, func() bool { return st.increments.Load() > 1 }, 500*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, mustGet(t, m, created.ID).RetryCount)
}

func TestExecutor_HandlerContext(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMockStore(), testLogger())
	reg := NewRegistry()
	type poolKey struct{}
	seen := make(chan context.Context, 1)
	reg.MustRegister("noop", func(ctx context.Context, _ uuid.UUID, _ Params) error {
		seen <- ctx
		return nil
	})

	opener := func(context.Context) (*Session, error) {
		return &Session{
			Manager: m,
			Bind: func(ctx context.Context) context.Context {
				return context.WithValue(ctx, poolKey{}, "executor")
			},
		}, nil
	}
	e := NewExecutor(opener, reg, testExecutorConfig(), testLogger(), nil)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	created := mustCreate(t, m, CreateTaskInput{Type: "noop"})
	e.Tick(context.Background())

	ctx := <-seen
	got, ok := ManagerFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, m, got)
	assert.Equal(t, "executor", ctx.Value(poolKey{}))
	tickUntil(t, e, m, created.ID, StatusCompleted)

	_, ok = ManagerFromContext(context.Background())
	assert.False(t, ok)
}

func TestExecutor_ConcurrentClaimRunsOnce(t *testing.T) {
	t.Parallel()

	st := NewMockStore()
	m1 := NewManager(st, testLogger())
	m2 := NewManager(st, testLogger())

	var runs atomic.Int32
	reg := NewRegistry()
	reg.MustRegister("noop", func(context.Context, uuid.UUID, Params) error {
		runs.Add(1)
		return nil
	})

	e1 := startExecutor(t, m1, reg, testExecutorConfig(), nil)
	e2 := startExecutor(t, m2, reg, testExecutorConfig(), nil)

	created := mustCreate(t, m1, CreateTaskInput{Type: "noop"})

	var wg sync.WaitGroup
	for _, e := range []*Executor{e1, e2} {
		wg.Add(1)
		go func(e *Executor) {
			defer wg.Done()
			e.Tick(context.Background())
		}(e)
	}
	wg.Wait()

	tickUntil(t, e1, m1, created.ID, StatusCompleted)
	assert.Equal(t, int32(1), runs.Load())
}

func TestExecutor_MaxConcurrentTasks(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMockStore(), testLogger())
	reg := NewRegistry()
	release := make(chan struct{})
	var active, peak atomic.Int32
	reg.MustRegister("batch", func(ctx context.Context, _ uuid.UUID, _ Params) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return nil
	})

	cfg := testExecutorConfig()
	cfg.MaxConcurrentTasks = 2
	e := startExecutor(t, m, reg, cfg, nil)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, mustCreate(t, m, CreateTaskInput{Type: "batch"}).ID)
	}

	e.Tick(context.Background())
	e.Tick(context.Background())
	require.Eventually(t, func() bool { return active.Load() == 2 }, waitFor, pollEvery)

	running, err := m.GetRunningTasksCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, running)
	assert.Equal(t, StatusPending, mustGet(t, m, ids[2]).Status)

	close(release)
	for _, id := range ids {
		tickUntil(t, e, m, id, StatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestExecutor_PermanentFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		typ     string
		handler Handler
		message string
	}{
		{
			name:    "unknown task type",
			typ:     "unregistered",
			message: `configuration error: no handler registered for task type "unregistered"`,
		},
		{
			name: "permanent error",
			typ:  "strict",
			handler: func(context.Context, uuid.UUID, Params) error {
				return Permanent(errors.New("unknown sector code"))
			},
			message: "unknown sector code",
		},
		{
			name: "invalid params",
			typ:  "strict",
			handler: func(_ context.Context, _ uuid.UUID, p Params) error {
				_, err := p.Int("batch_size", 100)
				return err
			},
			message: "invalid task parameters: batch_size must be an integer",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := NewManager(NewMockStore(), testLogger())
			reg := NewRegistry()
			if tc.handler != nil {
				reg.MustRegister(tc.typ, tc.handler)
			}
			e := startExecutor(t, m, reg, testExecutorConfig(), nil)

			created := mustCreate(t, m, CreateTaskInput{Type: tc.typ, Params: Params{"batch_size": "many"}})

			got := tickUntil(t, e, m, created.ID, StatusFailed)
			assert.Equal(t, 0, got.RetryCount)
			assert.Equal(t, tc.message, got.ErrorMessage)
		})
	}
}

func TestExecutor_HandlerPanic(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMockStore(), testLogger())
	reg := NewRegistry()
	reg.MustRegister("fragile", func(context.Context, uuid.UUID, Params) error {
		panic("nil quote")
	})
	e := startExecutor(t, m, reg, testExecutorConfig(), nil)

	created := mustCreate(t, m, CreateTaskInput{Type: "fragile", MaxRetries: intPtr(0)})

	got := tickUntil(t, e, m, created.ID, StatusFailed)
	assert.Equal(t, "handler panic: nil quote", got.ErrorMessage)
	assert.True(t, e.Running())
}

func TestExecutor_ErrorMessageIsRedacted(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMockStore(), testLogger())
	reg := NewRegistry()
	reg.MustRegister("sync", func(context.Context, uuid.UUID, Params) error {
		return errors.New("dial postgres://strength:hunter22@db:5432/strength: refused")
	})
	e := startExecutor(t, m, reg, testExecutorConfig(), nil)

	created := mustCreate(t, m, CreateTaskInput{Type: "sync", MaxRetries: intPtr(0)})

	got := tickUntil(t, e, m, created.ID, StatusFailed)
	assert.NotContains(t, got.ErrorMessage, "hunter22")
}

type countingCloser struct {
	closed atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return nil
}

func TestExecutor_Lifecycle(t *testing.T) {
	t.Parallel()

	t.Run("start twice", func(t *testing.T) {
		t.Parallel()

		m := NewManager(NewMockStore(), testLogger())
		e := startExecutor(t, m, NewRegistry(), testExecutorConfig(), nil)

		assert.True(t, e.Running())
		assert.ErrorIs(t, e.Start(context.Background()), ErrExecutorRunning)
	})

	t.Run("open failure", func(t *testing.T) {
		t.Parallel()

		opener := func(context.Context) (*Session, error) {
			return nil, errors.New("too many connections")
		}
		e := NewExecutor(opener, NewRegistry(), testExecutorConfig(), testLogger(), nil)

		assert.ErrorContains(t, e.Start(context.Background()), "too many connections")
		assert.False(t, e.Running())
		assert.NoError(t, e.Stop(context.Background()))
	})

	t.Run("start recovers orphaned tasks", func(t *testing.T) {
		t.Parallel()

		m := NewManager(NewMockStore(), testLogger())
		created := mustCreate(t, m, CreateTaskInput{Type: "noop"})
		ok, err := m.StartTask(context.Background(), created.ID)
		require.NoError(t, err)
		require.True(t, ok)

		reg := NewRegistry()
		reg.MustRegister("noop", noopHandler)
		e := startExecutor(t, m, reg, testExecutorConfig(), nil)

		got := tickUntil(t, e, m, created.ID, StatusCompleted)
		assert.Equal(t, 0, got.RetryCount)

		var requeued bool
		for _, l := range logLevels(t, m, created.ID, LogInfo) {
			requeued = requeued || l.Message == "task requeued after executor restart"
		}
		assert.True(t, requeued)
	})

	t.Run("stop requeues running tasks", func(t *testing.T) {
		t.Parallel()

		m := NewManager(NewMockStore(), testLogger())
		reg := NewRegistry()
		started := make(chan uuid.UUID, 1)
		reg.MustRegister("slow", blockingHandler(started))

		closer := &countingCloser{}
		opener := func(context.Context) (*Session, error) {
			return &Session{Manager: m, Closer: closer}, nil
		}
		e := NewExecutor(opener, reg, testExecutorConfig(), testLogger(), nil)
		require.NoError(t, e.Start(context.Background()))

		created := mustCreate(t, m, CreateTaskInput{Type: "slow"})
		e.Tick(context.Background())
		<-started

		require.NoError(t, e.Stop(context.Background()))

		got := mustGet(t, m, created.ID)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.False(t, e.Running())
		assert.Equal(t, int32(1), closer.closed.Load())
		assert.NoError(t, e.Stop(context.Background()))
	})

	t.Run("stop abandons stuck handlers", func(t *testing.T) {
		t.Parallel()

		m := NewManager(NewMockStore(), testLogger())
		reg := NewRegistry()
		started := make(chan uuid.UUID, 1)
		release := make(chan struct{})
		reg.MustRegister("stuck", func(_ context.Context, id uuid.UUID, _ Params) error {
			started <- id
			<-release
			return errors.New("too late")
		})

		cfg := testExecutorConfig()
		cfg.ShutdownTimeout = 50 * time.Millisecond
		e := NewExecutor(StaticOpener(m), reg, cfg, testLogger(), nil)
		require.NoError(t, e.Start(context.Background()))

		created := mustCreate(t, m, CreateTaskInput{Type: "stuck"})
		e.Tick(context.Background())
		<-started

		require.NoError(t, e.Stop(context.Background()))
		close(release)

		got := mustGet(t, m, created.ID)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.Empty(t, logLevels(t, m, created.ID, LogError))
	})
}

func TestExecutorConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := ExecutorConfig{RetryBaseDelay: time.Minute, RetryMaxDelay: time.Second}.withDefaults()
	def := DefaultExecutorConfig()

	assert.Equal(t, def.PollInterval, cfg.PollInterval)
	assert.Equal(t, def.MaxConcurrentTasks, cfg.MaxConcurrentTasks)
	assert.Equal(t, time.Minute, cfg.RetryMaxDelay)
	assert.Equal(t, def.ShutdownTimeout, cfg.ShutdownTimeout)
}
