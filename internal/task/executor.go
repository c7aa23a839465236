package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Markmu/sector-strength-sub001/internal/platform/logger"
	"github.com/Markmu/sector-strength-sub001/internal/redact"
	"github.com/google/uuid"
)

// ExecutorConfig configures the poll loop.
type ExecutorConfig struct {
	// PollInterval is the time between scans for pending tasks.
	PollInterval time.Duration

	// MaxConcurrentTasks caps the number of running tasks.
	MaxConcurrentTasks int

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff between
	// attempts of a failed task.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// ShutdownTimeout bounds how long Stop waits for running handlers.
	ShutdownTimeout time.Duration
}

// DefaultExecutorConfig returns an ExecutorConfig with reasonable defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PollInterval:       5 * time.Second,
		MaxConcurrentTasks: 3,
		RetryBaseDelay:     5 * time.Second,
		RetryMaxDelay:      5 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
	}
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	def := DefaultExecutorConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// Session is what the executor runs on: a Manager over a connection pool
// of its own and the Closer that releases the pool.
type Session struct {
	Manager *Manager
	Closer  io.Closer

	// Bind, when set, adds collaborators on the same pool to the context of
	// every handler invocation.
	Bind func(ctx context.Context) context.Context
}

// ManagerOpener opens the executor's Session.
type ManagerOpener func(ctx context.Context) (*Session, error)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// StaticOpener returns an opener that hands out m and closes nothing.
func StaticOpener(m *Manager) ManagerOpener {
	return func(context.Context) (*Session, error) {
		return &Session{Manager: m, Closer: nopCloser{}}, nil
	}
}

type managerKey struct{}

// ContextWithManager returns a copy of ctx carrying m.
func ContextWithManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerKey{}, m)
}

// ManagerFromContext returns the Manager the executor runs the current
// handler on, if any. Handlers report progress through it so their writes
// stay on the executor's pool.
func ManagerFromContext(ctx context.Context) (*Manager, bool) {
	m, ok := ctx.Value(managerKey{}).(*Manager)
	return m, ok && m != nil
}

// Outcome labels how a task run ended.
type Outcome string

// Run outcomes reported to an Observer.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetried   Outcome = "retried"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRequeued  Outcome = "requeued"
)

// Observer receives executor events, typically to export metrics.
type Observer interface {
	TaskDispatched(taskType string)
	TaskFinished(taskType string, outcome Outcome, elapsed time.Duration)
	RunningTasks(n int)
}

type nopObserver struct{}

func (nopObserver) TaskDispatched(string)                       {}
func (nopObserver) TaskFinished(string, Outcome, time.Duration) {}
func (nopObserver) RunningTasks(int)                            {}

// settleTimeout bounds the store writes that record a run's outcome.
const settleTimeout = 15 * time.Second

// run is one handler invocation owned by the executor. A run stays tracked
// until its goroutine returns, even after it was settled by a timeout.
type run struct {
	task      Task
	startedAt time.Time
	cancel    context.CancelFunc
	settled   atomic.Bool
	cancelled atomic.Bool
}

// Executor polls for pending tasks and runs their handlers in goroutines,
// never exceeding MaxConcurrentTasks running tasks. It talks to the store
// only through a Manager opened on its own connection pool.
type Executor struct {
	opener   ManagerOpener
	registry *Registry
	cfg      ExecutorConfig
	logger   *slog.Logger
	observer Observer

	tickMu sync.Mutex

	mu             sync.Mutex
	mgr            *Manager
	pool           io.Closer
	bind           func(context.Context) context.Context
	started        bool
	stopping       bool
	stopLoop       context.CancelFunc
	loopDone       chan struct{}
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc
	runs           map[uuid.UUID]*run
	wg             sync.WaitGroup
}

// NewExecutor creates an Executor. A nil observer disables metrics.
func NewExecutor(opener ManagerOpener, registry *Registry, cfg ExecutorConfig, logger *slog.Logger, observer Observer) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Executor{
		opener:   opener,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "task_executor"),
		observer: observer,
		runs:     make(map[uuid.UUID]*run),
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() ExecutorConfig {
	return e.cfg
}

// Running reports whether the poll loop is active.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopping
}

// InFlight returns the number of handler invocations that have not
// returned yet.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Start opens the executor's connection pool, requeues tasks left running
// by a previous process and starts the poll loop.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrExecutorRunning
	}

	sess, err := e.opener(ctx)
	if err != nil {
		return fmt.Errorf("failed to open executor store: %w", err)
	}
	if sess == nil || sess.Manager == nil {
		return errors.New("failed to open executor store: opener returned no manager")
	}
	mgr, pool := sess.Manager, sess.Closer
	if pool == nil {
		pool = nopCloser{}
	}

	ids, err := mgr.RequeueRunning(ctx)
	if err != nil {
		_ = pool.Close()
		return fmt.Errorf("failed to recover tasks: %w", err)
	}
	if len(ids) > 0 {
		e.logger.Info("requeued tasks left running by a previous process", "count", len(ids))
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	e.handlerCtx, e.cancelHandlers = context.WithCancel(context.Background())
	e.mgr = mgr
	e.pool = pool
	e.bind = sess.Bind
	e.stopLoop = stopLoop
	e.loopDone = make(chan struct{})
	e.started = true
	e.stopping = false

	go e.loop(loopCtx, e.loopDone)

	e.logger.Info("task executor started",
		"poll_interval", e.cfg.PollInterval,
		"max_concurrent_tasks", e.cfg.MaxConcurrentTasks,
		"task_types", e.registry.Types())
	return nil
}

// Stop ends the poll loop, cancels running handlers and waits for them up
// to ShutdownTimeout. Tasks interrupted by the shutdown go back to pending
// without using their retry budget. The connection pool is closed last.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	stopLoop, loopDone := e.stopLoop, e.loopDone
	e.mu.Unlock()

	stopLoop()
	<-loopDone

	e.cancelHandlers()

	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()

	timer := time.NewTimer(e.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-waited:
	case <-timer.C:
		e.logger.Warn("handlers still running after shutdown timeout", "in_flight", e.InFlight())
	case <-ctx.Done():
		e.logger.Warn("executor stop interrupted", "error", ctx.Err(), "in_flight", e.InFlight())
	}

	// Runs that did not return in time are requeued here; their late
	// results are discarded.
	for _, r := range e.ownedRuns() {
		if r.settled.CompareAndSwap(false, true) {
			e.requeue(r, "executor shutdown")
		}
	}

	e.mu.Lock()
	pool := e.pool
	e.mgr = nil
	e.pool = nil
	e.bind = nil
	e.started = false
	e.stopping = false
	e.mu.Unlock()

	if pool != nil {
		if err := pool.Close(); err != nil {
			e.logger.Error("failed to close executor store", "error", err)
			return fmt.Errorf("failed to close executor store: %w", err)
		}
	}

	e.logger.Info("task executor stopped")
	return nil
}

func (e *Executor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		e.safeTick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safeTick runs one poll and keeps a panic from ending the loop.
func (e *Executor) safeTick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("panic in executor poll", "panic", p, "stack", string(debug.Stack()))
		}
	}()
	e.Tick(ctx)
}

// Tick runs a single poll: it reconciles owned runs, then claims up to
// MaxConcurrentTasks minus the running count of pending tasks.
// The poll loop calls it on every interval. Concurrent calls are serialized.
func (e *Executor) Tick(ctx context.Context) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	mgr := e.manager()
	if mgr == nil {
		return
	}

	e.checkOwned(ctx, mgr)

	running, err := mgr.GetRunningTasksCount(ctx)
	if err != nil {
		e.logger.Error("failed to count running tasks", "error", err)
		return
	}
	e.observer.RunningTasks(running)

	// Handlers abandoned after a timeout no longer count as running in the
	// store but hold their slot until they return.
	abandoned := e.abandonedRuns()
	available := e.cfg.MaxConcurrentTasks - running - len(abandoned)
	if available <= 0 {
		return
	}

	tasks, err := mgr.GetPendingTasks(ctx, available+len(abandoned))
	if err != nil {
		e.logger.Error("failed to fetch pending tasks", "error", err)
		return
	}

	for _, t := range tasks {
		if ctx.Err() != nil || available == 0 {
			return
		}
		if _, ok := abandoned[t.ID]; ok {
			e.logger.Debug("previous attempt has not returned, deferring task", "task_id", t.ID)
			continue
		}
		available--
		e.dispatch(ctx, mgr, t)
	}
}

func (e *Executor) manager() *Manager {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopping {
		return nil
	}
	return e.mgr
}

func (e *Executor) dispatch(ctx context.Context, mgr *Manager, t Task) {
	log := e.logger.With("task_id", t.ID, "task_type", t.Type)

	started, err := mgr.StartTask(ctx, t.ID)
	if err != nil {
		log.Error("failed to start task", "error", err)
		return
	}
	if !started {
		log.Debug("skipping task that is no longer pending")
		return
	}

	handler, err := e.registry.Lookup(t.Type)
	if err != nil {
		log.Error("no handler registered for task type", "error", err)
		e.finish(t, fmt.Sprintf("configuration error: no handler registered for task type %q", t.Type), true, 0)
		return
	}

	params, err := mgr.GetTaskParams(ctx, t.ID)
	if err != nil {
		log.Error("failed to load task params", "error", err)
		e.finish(t, fmt.Sprintf("failed to load task params: %s", redact.Error(err)), IsPermanent(err), 0)
		return
	}

	runCtx, cancel := context.WithCancel(e.handlerCtx)
	runCtx = logger.WithLogger(runCtx, log)
	runCtx = ContextWithManager(runCtx, mgr)
	if bind := e.binder(); bind != nil {
		runCtx = bind(runCtx)
	}

	t.Status = StatusRunning
	r := &run{
		task:      t,
		startedAt: time.Now(),
		cancel:    cancel,
	}

	e.mu.Lock()
	e.runs[t.ID] = r
	e.mu.Unlock()

	e.observer.TaskDispatched(t.Type)
	log.Info("dispatching task", "attempt", t.RetryCount+1)

	e.wg.Add(1)
	go e.invoke(runCtx, r, handler, params)
}

func (e *Executor) invoke(ctx context.Context, r *run, h Handler, params Params) {
	defer e.wg.Done()
	defer r.cancel()
	defer e.untrack(r)

	err := callHandler(ctx, h, r.task.ID, params)
	e.settle(r, err)
}

func callHandler(ctx context.Context, h Handler, id uuid.UUID, params Params) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, id, params)
}

// settle records the outcome of a handler that returned. Each run is
// settled once; results arriving after a timeout or shutdown are dropped.
func (e *Executor) settle(r *run, err error) {
	log := e.logger.With("task_id", r.task.ID, "task_type", r.task.Type)

	if !r.settled.CompareAndSwap(false, true) {
		log.Debug("discarding late handler result", "error", err)
		return
	}
	elapsed := time.Since(r.startedAt)

	switch {
	case r.cancelled.Load():
		log.Info("handler stopped after task cancellation", "error", err)
		e.observer.TaskFinished(r.task.Type, OutcomeCancelled, elapsed)

	case err == nil:
		ctx, cancel := e.settleContext()
		defer cancel()
		if _, perr := persist(ctx, func(ctx context.Context) (bool, error) {
			return e.mgrForSettle().CompleteTask(ctx, r.task.ID, true, "")
		}); perr != nil {
			log.Error("failed to mark task completed", "error", perr)
			return
		}
		log.Info("task completed", "elapsed", elapsed)
		e.observer.TaskFinished(r.task.Type, OutcomeCompleted, elapsed)

	case e.isStopping():
		log.Info("handler interrupted by shutdown", "error", err)
		e.requeue(r, "executor shutdown")

	default:
		log.Warn("task attempt failed", "error", err)
		e.finish(r.task, redact.Error(err), IsPermanent(err), elapsed)
	}
}

// finish applies the retry policy to a failed attempt of a running task.
func (e *Executor) finish(t Task, message string, permanent bool, elapsed time.Duration) {
	ctx, cancel := e.settleContext()
	defer cancel()

	log := e.logger.With("task_id", t.ID, "task_type", t.Type)
	mgr := e.mgrForSettle()

	current, err := mgr.GetTask(ctx, t.ID)
	if err != nil {
		log.Error("failed to reload task after failure", "error", err)
		return
	}
	if current.Status != StatusRunning {
		log.Info("task left running state before its failure was recorded", "status", current.Status)
		return
	}

	if !permanent && current.RetryCount < current.MaxRetries {
		// not retried: a lost acknowledgement would count the attempt twice
		ok, err := mgr.IncrementRetry(ctx, t.ID)
		if err != nil {
			log.Error("failed to increment retry count", "error", err)
			return
		}
		if ok {
			attempt := current.RetryCount + 1
			delay := RetryDelay(e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay, attempt)
			msg := fmt.Sprintf("attempt %d failed: %s (retry %d of %d in %s)",
				attempt, message, attempt, current.MaxRetries, delay)
			if err := mgr.AppendLog(ctx, t.ID, LogWarning, msg); err != nil {
				log.Error("failed to append retry log", "error", err)
			}
			if _, err := persist(ctx, func(ctx context.Context) (bool, error) {
				return mgr.ResetForRetry(ctx, t.ID, delay)
			}); err != nil {
				log.Error("failed to reset task for retry", "error", err)
				return
			}
			log.Info("task scheduled for retry", "retry_count", attempt, "delay", delay)
			e.observer.TaskFinished(t.Type, OutcomeRetried, elapsed)
			return
		}
	}

	if _, err := persist(ctx, func(ctx context.Context) (bool, error) {
		return mgr.CompleteTask(ctx, t.ID, false, message)
	}); err != nil {
		log.Error("failed to mark task failed", "error", err)
		return
	}
	log.Warn("task failed", "retry_count", current.RetryCount, "error_message", message)
	e.observer.TaskFinished(t.Type, OutcomeFailed, elapsed)
}

func (e *Executor) requeue(r *run, reason string) {
	ctx, cancel := e.settleContext()
	defer cancel()

	if _, err := persist(ctx, func(ctx context.Context) (bool, error) {
		return e.mgrForSettle().RequeueTask(ctx, r.task.ID, reason)
	}); err != nil {
		e.logger.Error("failed to requeue interrupted task", "task_id", r.task.ID, "error", err)
		return
	}
	e.observer.TaskFinished(r.task.Type, OutcomeRequeued, time.Since(r.startedAt))
}

// checkOwned cancels handlers of tasks that were cancelled and fails
// tasks that exceeded their timeout.
func (e *Executor) checkOwned(ctx context.Context, mgr *Manager) {
	for _, r := range e.ownedRuns() {
		if r.settled.Load() {
			continue
		}
		log := e.logger.With("task_id", r.task.ID, "task_type", r.task.Type)

		cancelled, err := mgr.IsCancelled(ctx, r.task.ID)
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			log.Error("failed to check task state", "error", err)
			continue
		}
		if cancelled || errors.Is(err, ErrTaskNotFound) {
			if r.cancelled.CompareAndSwap(false, true) {
				log.Info("task cancelled, signalling handler")
				r.cancel()
			}
			continue
		}

		timedOut, err := mgr.CheckTaskTimeout(ctx, r.task.ID)
		if err != nil {
			log.Error("failed to check task timeout", "error", err)
			continue
		}
		if !timedOut || !r.settled.CompareAndSwap(false, true) {
			continue
		}

		r.cancel()
		log.Warn("task timed out", "timeout_seconds", r.task.TimeoutSeconds)
		e.finish(r.task, fmt.Sprintf("task timed out after %ds", r.task.TimeoutSeconds), false, time.Since(r.startedAt))
	}
}

func (e *Executor) ownedRuns() []*run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	return out
}

// abandonedRuns returns the runs that were settled while their handler
// goroutine is still running.
func (e *Executor) abandonedRuns() map[uuid.UUID]*run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uuid.UUID]*run)
	for id, r := range e.runs {
		if r.settled.Load() {
			out[id] = r
		}
	}
	return out
}

func (e *Executor) binder() func(context.Context) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bind
}

func (e *Executor) untrack(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.runs[r.task.ID]; ok && cur == r {
		delete(e.runs, r.task.ID)
	}
}

func (e *Executor) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

// mgrForSettle returns the manager even while stopping; the pool is closed
// only after every run is settled.
func (e *Executor) mgrForSettle() *Manager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mgr
}

func (e *Executor) settleContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), settleTimeout)
}
