// Package background owns the background subsystem of the server: the
// task registry, the task manager, the task executor and the job manager.
// A Service is constructed explicitly and passed to whoever needs it.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Markmu/sector-strength-sub001/internal/config"
	"github.com/Markmu/sector-strength-sub001/internal/scheduler"
	"github.com/Markmu/sector-strength-sub001/internal/task"
)

// ErrNotInitialized is returned by Start when InitExecutor has not run.
var ErrNotInitialized = errors.New("executor not initialized")

// Metrics receives executor and scheduler events.
type Metrics interface {
	task.Observer
	scheduler.Metrics
}

// Options configure a Service.
type Options struct {
	// Store backs the task manager used by the API and the jobs.
	Store task.Store
	// Opener gives the executor its own manager and connection pool. Nil
	// shares the manager built on Store.
	Opener    task.ManagerOpener
	Scheduler config.SchedulerConfig
	Logger    *slog.Logger
	Metrics   Metrics
	// ManagerOptions are applied to the task manager, for tests.
	ManagerOptions []task.ManagerOption
	// JobOptions are applied to the job manager, for tests.
	JobOptions []scheduler.Option
}

// Service owns the subsystem's components and their lifecycle.
type Service struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	registry    *task.Registry
	manager     *task.Manager
	jobs        *scheduler.JobManager
	executor    *task.Executor
	execEnabled bool
	started     bool
}

// New builds a Service with an empty registry and job set.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("background: task store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Service{
		opts:   opts,
		logger: opts.Logger.With("component", "background"),
	}
	if err := s.build(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) build() error {
	var sm scheduler.Metrics
	if s.opts.Metrics != nil {
		sm = s.opts.Metrics
	}
	jobs, err := scheduler.New(s.opts.Scheduler, s.opts.Logger, sm, s.opts.JobOptions...)
	if err != nil {
		return err
	}
	s.registry = task.NewRegistry()
	s.manager = task.NewManager(s.opts.Store, s.opts.Logger, s.opts.ManagerOptions...)
	s.jobs = jobs
	s.executor = nil
	s.execEnabled = false
	s.started = false
	return nil
}

// Registry returns the task registry.
func (s *Service) Registry() *task.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// Manager returns the task manager.
func (s *Service) Manager() *task.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// Jobs returns the job manager.
func (s *Service) Jobs() *scheduler.JobManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs
}

// Executor returns the executor, or nil before InitExecutor.
func (s *Service) Executor() *task.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executor
}

// AddJobs registers jobs with the job manager.
func (s *Service) AddJobs(jobs ...scheduler.Job) error {
	jm := s.Jobs()
	for _, j := range jobs {
		if err := jm.AddJob(j); err != nil {
			return err
		}
	}
	return nil
}

// InitExecutor builds the executor from cfg. It fails while the executor
// is running; otherwise a previous executor is replaced.
func (s *Service) InitExecutor(cfg config.ExecutorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executor != nil && s.executor.Running() {
		return task.ErrExecutorRunning
	}

	opener := s.opts.Opener
	if opener == nil {
		opener = task.StaticOpener(s.manager)
	}
	var observer task.Observer
	if s.opts.Metrics != nil {
		observer = s.opts.Metrics
	}
	s.executor = task.NewExecutor(opener, s.registry, task.ExecutorConfig{
		PollInterval:       cfg.PollInterval,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		ShutdownTimeout:    cfg.ShutdownTimeout,
	}, s.opts.Logger, observer)
	s.execEnabled = cfg.Enabled

	s.logger.Info("executor initialized", "enabled", cfg.Enabled, "max_concurrent_tasks", cfg.MaxConcurrentTasks)
	return nil
}

// Start starts the executor when it is enabled and the scheduler when it
// is enabled. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.executor == nil {
		return ErrNotInitialized
	}
	if s.execEnabled {
		if err := s.executor.Start(ctx); err != nil {
			return fmt.Errorf("start executor: %w", err)
		}
	} else {
		s.logger.Warn("task executor disabled; pending tasks will not run")
	}
	if s.opts.Scheduler.Enabled {
		s.jobs.Start()
	} else {
		s.logger.Warn("scheduler disabled; recurring jobs will not fire")
	}
	s.started = true
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs until ctx is
// done, then stops the executor.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	jobs, executor := s.jobs, s.executor
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		jobs.Shutdown(true)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler jobs still running at shutdown", "error", ctx.Err())
	}

	if executor != nil {
		if err := executor.Stop(ctx); err != nil {
			return fmt.Errorf("stop executor: %w", err)
		}
	}
	return nil
}

// Status summarises the running state of the subsystem.
type Status struct {
	ExecutorRunning  bool `json:"executor_running"`
	ExecutorInFlight int  `json:"executor_in_flight"`
	SchedulerRunning bool `json:"scheduler_running"`
}

// Status returns the current running state.
func (s *Service) Status() Status {
	s.mu.Lock()
	jobs, executor := s.jobs, s.executor
	s.mu.Unlock()

	st := Status{SchedulerRunning: jobs.IsRunning()}
	if executor != nil {
		st.ExecutorRunning = executor.Running()
		st.ExecutorInFlight = executor.InFlight()
	}
	return st
}

// Reset stops everything without waiting and replaces the registry, the
// manager and the job manager with empty ones. Tests use it to get a fresh
// Service without rebuilding dependencies.
func (s *Service) Reset() {
	s.mu.Lock()
	jobs, executor := s.jobs, s.executor
	s.mu.Unlock()

	jobs.Shutdown(false)
	if executor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), executor.Config().ShutdownTimeout)
		if err := executor.Stop(ctx); err != nil {
			s.logger.Warn("executor stop during reset failed", "error", err)
		}
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.build(); err != nil {
		// the time zone loaded once already
		s.logger.Error("background reset failed", "error", err)
	}
}
