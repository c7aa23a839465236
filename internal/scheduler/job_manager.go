package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/Markmu/sector-strength-sub001/internal/config"
)

var (
	// ErrInvalidJob is returned by AddJob for an incomplete job definition.
	ErrInvalidJob = errors.New("invalid job")

	// ErrJobBusy is returned by TriggerJob when the job already runs its
	// maximum number of instances.
	ErrJobBusy = errors.New("job is already running")

	// ErrSkip is returned (wrapped) by a job body whose precondition does not
	// hold. The run is logged as a warning and counts as a success.
	ErrSkip = errors.New("job skipped")
)

// Outcome labels a job run for metrics.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeError          Outcome = "error"
	OutcomePanic          Outcome = "panic"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeSkippedBusy    Outcome = "skipped_busy"
	OutcomeSkippedMisfire Outcome = "skipped_misfire"
	OutcomeSkippedPaused  Outcome = "skipped_paused"
)

// Metrics receives one observation per fire.
type Metrics interface {
	JobRun(jobID string, outcome Outcome, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) JobRun(string, Outcome, time.Duration) {}

// Job is a recurring unit of work.
type Job struct {
	ID      string
	Name    string
	Trigger Trigger
	Run     func(ctx context.Context) error

	// MaxInstances caps concurrent runs of this job. Zero means one.
	MaxInstances int
	// MisfireGraceTime is how late a fire may start and still run. Zero
	// disables the check and the catch-up run at start.
	MisfireGraceTime time.Duration
}

// JobInfo describes a registered job.
type JobInfo struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Trigger  string     `json:"trigger"`
	NextRun  *time.Time `json:"next_run_time"`
	LastRun  *time.Time `json:"last_run_time,omitempty"`
	Paused   bool       `json:"paused"`
	Running  int        `json:"running"`
	RunCount int        `json:"run_count"`
}

type entry struct {
	job     Job
	gjob    *gocron.Job
	due     time.Time
	paused  bool
	running int
	runs    int
	lastRun *time.Time
}

// JobManager owns the gocron scheduler and the registered jobs.
type JobManager struct {
	sched   *gocron.Scheduler
	loc     *time.Location
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a JobManager.
type Option func(*JobManager)

// WithClock overrides the time source used for misfire and catch-up checks.
func WithClock(now func() time.Time) Option {
	return func(m *JobManager) { m.now = now }
}

// New creates a JobManager for the configured time zone.
func New(cfg config.SchedulerConfig, logger *slog.Logger, metrics Metrics, opts ...Option) (*JobManager, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load scheduler timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	return NewJobManager(loc, logger, metrics, opts...), nil
}

// NewJobManager creates a stopped JobManager evaluating triggers in loc.
func NewJobManager(loc *time.Location, logger *slog.Logger, metrics Metrics, opts ...Option) *JobManager {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	sched := gocron.NewScheduler(loc)
	sched.TagsUnique()
	sched.WaitForScheduleAll()

	m := &JobManager{
		sched:   sched,
		loc:     loc,
		logger:  logger.With("component", "job_manager"),
		metrics: metrics,
		now:     time.Now,
		jobs:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Location returns the time zone triggers are evaluated in.
func (m *JobManager) Location() *time.Location {
	return m.loc
}

// AddJob registers job, replacing any job with the same ID.
func (m *JobManager) AddJob(job Job) error {
	if job.ID == "" || job.Run == nil || job.Trigger == nil {
		return fmt.Errorf("%w: id, trigger and run are required", ErrInvalidJob)
	}
	if job.MaxInstances <= 0 {
		job.MaxInstances = 1
	}
	if job.Name == "" {
		job.Name = job.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		if err := m.sched.RemoveByTag(job.ID); err != nil && !errors.Is(err, gocron.ErrJobNotFoundWithTag) {
			return fmt.Errorf("replace job %s: %w", job.ID, err)
		}
	}

	id := job.ID
	gjob, err := job.Trigger.apply(m.sched).Tag(id).Name(job.Name).Do(m.scheduledFire, id)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidJob, id, err)
	}

	m.jobs[id] = &entry{
		job:  job,
		gjob: gjob,
		due:  job.Trigger.Next(m.now().In(m.loc)),
	}
	m.logger.Info("job registered", "job_id", id, "trigger", job.Trigger.String())
	return nil
}

// Start starts the scheduler. Jobs whose most recent fire falls inside
// their misfire grace window run once immediately.
func (m *JobManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		m.logger.Warn("scheduler already running")
		return
	}
	m.started = true
	if m.ctx.Err() != nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}

	now := m.now().In(m.loc)
	var catchUp []*entry
	for _, e := range m.jobs {
		e.due = e.job.Trigger.Next(now)
		if e.paused || e.job.MisfireGraceTime <= 0 || e.running >= e.job.MaxInstances {
			continue
		}
		missed := e.job.Trigger.Next(now.Add(-e.job.MisfireGraceTime))
		if missed.After(now) {
			continue
		}
		e.running++
		m.wg.Add(1)
		catchUp = append(catchUp, e)
	}
	m.mu.Unlock()

	m.sched.StartAsync()
	m.logger.Info("scheduler started", "jobs", len(m.jobs), "timezone", m.loc.String())

	for _, e := range catchUp {
		m.logger.Info("running missed job inside grace window", "job_id", e.job.ID)
		go m.run(e, "catch_up")
	}
}

// Shutdown stops the scheduler. With wait set it blocks until running job
// bodies return; otherwise their context is cancelled first.
func (m *JobManager) Shutdown(wait bool) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	if !wait {
		cancel()
	}
	m.sched.Stop()
	if wait {
		m.wg.Wait()
	}
	cancel()
	m.logger.Info("scheduler stopped", "waited", wait)
}

// IsRunning reports whether the scheduler is started and its gocron
// scheduler is still firing.
func (m *JobManager) IsRunning() bool {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	return started && m.sched.IsRunning()
}

// GetJobs lists registered jobs ordered by ID. NextRun is nil for paused
// jobs.
func (m *JobManager) GetJobs() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().In(m.loc)
	out := make([]JobInfo, 0, len(m.jobs))
	for id, e := range m.jobs {
		info := JobInfo{
			ID:       id,
			Name:     e.job.Name,
			Trigger:  e.job.Trigger.String(),
			Paused:   e.paused,
			Running:  e.running,
			RunCount: e.runs,
		}
		if e.lastRun != nil {
			t := *e.lastRun
			info.LastRun = &t
		}
		if !e.paused {
			next := e.job.Trigger.Next(now)
			if m.started && e.gjob != nil {
				if n := e.gjob.NextRun(); !n.IsZero() {
					next = n
				}
			}
			info.NextRun = &next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TriggerJob starts one run of the job now, outside its schedule. It
// reports false for an unknown id and ErrJobBusy when the job has no free
// instance slot.
func (m *JobManager) TriggerJob(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if e.running >= e.job.MaxInstances {
		m.mu.Unlock()
		m.metrics.JobRun(id, OutcomeSkippedBusy, 0)
		return false, fmt.Errorf("%w: %s", ErrJobBusy, id)
	}
	e.running++
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(e, "manual")
	return true, nil
}

// PauseJob stops scheduled fires of a job until ResumeJob.
func (m *JobManager) PauseJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return false
	}
	e.paused = true
	m.logger.Info("job paused", "job_id", id)
	return true
}

// ResumeJob re-enables a paused job from its next fire.
func (m *JobManager) ResumeJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return false
	}
	e.paused = false
	e.due = e.job.Trigger.Next(m.now().In(m.loc))
	m.logger.Info("job resumed", "job_id", id)
	return true
}

// scheduledFire is the function gocron calls on every fire.
func (m *JobManager) scheduledFire(id string) {
	now := m.now().In(m.loc)

	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	due := e.due
	e.due = e.job.Trigger.Next(now)

	switch {
	case e.paused:
		m.mu.Unlock()
		m.metrics.JobRun(id, OutcomeSkippedPaused, 0)
		return
	case e.job.MisfireGraceTime > 0 && !due.IsZero() && now.Sub(due) > e.job.MisfireGraceTime:
		m.mu.Unlock()
		m.logger.Warn("job fire missed its grace window",
			"job_id", id, "scheduled_for", due, "late_by", now.Sub(due).String())
		m.metrics.JobRun(id, OutcomeSkippedMisfire, 0)
		return
	case e.running >= e.job.MaxInstances:
		m.mu.Unlock()
		m.logger.Warn("job still running, fire skipped",
			"job_id", id, "max_instances", e.job.MaxInstances)
		m.metrics.JobRun(id, OutcomeSkippedBusy, 0)
		return
	}
	e.running++
	m.wg.Add(1)
	m.mu.Unlock()

	m.run(e, "schedule")
}

// run executes one job body. The caller has already taken an instance slot
// and added to the wait group.
func (m *JobManager) run(e *entry, source string) {
	defer m.wg.Done()

	id := e.job.ID
	start := m.now()
	log := m.logger.With("job_id", id, "source", source)

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	outcome := OutcomeSuccess
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomePanic
			log.Error("job panicked", "panic", fmt.Sprint(r))
		}
		elapsed := m.now().Sub(start)

		m.mu.Lock()
		e.running--
		e.runs++
		finished := start.In(m.loc)
		e.lastRun = &finished
		m.mu.Unlock()

		m.metrics.JobRun(id, outcome, elapsed)
	}()

	log.Debug("job started")
	err := e.job.Run(ctx)
	switch {
	case err == nil:
		log.Info("job finished", "duration_ms", m.now().Sub(start).Milliseconds())
	case errors.Is(err, ErrSkip):
		outcome = OutcomeSkipped
		log.Warn("job skipped", "reason", err.Error())
	default:
		outcome = OutcomeError
		log.Error("job failed", "error", err)
	}
}
