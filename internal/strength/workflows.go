package strength

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Markmu/sector-strength-sub001/internal/scheduler"
	"github.com/Markmu/sector-strength-sub001/internal/task"
)

// Recurring job ids.
const (
	JobDailyDataRefresh    = "daily_data_refresh"
	JobDataQualityScan     = "data_quality_scan"
	JobCacheSweep          = "cache_sweep"
	JobDailyClassification = "daily_classification"
)

const (
	refreshCron                = "30 15 * * 1-5"
	classificationCron         = "0 16 * * *"
	qualityScanEvery           = 5 * time.Minute
	cacheSweepEvery            = 60 * time.Minute
	classificationMisfireGrace = 3600 * time.Second
)

// Workflows are the bodies of the recurring jobs.
type Workflows struct {
	tasks     TaskCreator
	quality   QualityChecker
	calc      Calculator
	cache     CacheInvalidator
	sweeper   CacheSweeper
	calendar  *Calendar
	freshness *Freshness
	logger    *slog.Logger
	now       func() time.Time
}

// WorkflowDeps are the collaborators of Workflows.
type WorkflowDeps struct {
	Tasks    TaskCreator
	Quality  QualityChecker
	Calc     Calculator
	Cache    CacheInvalidator
	Sweeper  CacheSweeper
	Sync     SyncStatus
	Calendar *Calendar
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewWorkflows builds Workflows from deps.
func NewWorkflows(deps WorkflowDeps) *Workflows {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Workflows{
		tasks:     deps.Tasks,
		quality:   deps.Quality,
		calc:      deps.Calc,
		cache:     deps.Cache,
		sweeper:   deps.Sweeper,
		calendar:  deps.Calendar,
		freshness: NewFreshness(deps.Sync, deps.Calendar),
		logger:    l.With("component", "strength_jobs"),
		now:       now,
	}
}

// Jobs returns the fixed recurring job set.
func (w *Workflows) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{
			ID:      JobDailyDataRefresh,
			Name:    "Daily market data refresh",
			Trigger: scheduler.MustCron(refreshCron),
			Run:     w.DailyDataRefresh,
		},
		{
			ID:      JobDataQualityScan,
			Name:    "Data quality scan",
			Trigger: scheduler.Every(qualityScanEvery),
			Run:     w.DataQualityScan,
		},
		{
			ID:      JobCacheSweep,
			Name:    "Expired cache sweep",
			Trigger: scheduler.Every(cacheSweepEvery),
			Run:     w.CacheSweep,
		},
		{
			ID:               JobDailyClassification,
			Name:             "Daily sector classification",
			Trigger:          scheduler.MustCron(classificationCron),
			Run:              w.DailyClassification,
			MaxInstances:     1,
			MisfireGraceTime: classificationMisfireGrace,
		},
	}
}

// DailyDataRefresh enqueues a data_init task for today's session.
func (w *Workflows) DailyDataRefresh(ctx context.Context) error {
	now := w.now()
	if !w.calendar.IsTradingDay(now) {
		return fmt.Errorf("%w: %s is not a trading day", scheduler.ErrSkip, now.In(w.calendar.Location()).Format(time.DateOnly))
	}
	day := w.calendar.Date(now)
	t, err := w.tasks.CreateTask(ctx, task.CreateTaskInput{
		Type: TaskDataInit,
		Params: task.Params{
			"end_date":      day.Format(time.DateOnly),
			"lookback_days": 1,
		},
		CreatedBy: "scheduler:" + JobDailyDataRefresh,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TaskDataInit, err)
	}
	w.logger.Info("daily data refresh enqueued", "task_id", t.ID, "trade_date", day.Format(time.DateOnly))
	return nil
}

// DataQualityScan runs the quality checker and logs its findings.
func (w *Workflows) DataQualityScan(ctx context.Context) error {
	report, err := w.quality.Scan(ctx)
	if err != nil {
		return fmt.Errorf("quality scan: %w", err)
	}
	for _, issue := range report.Issues {
		w.logger.Warn("data quality issue",
			"dataset", issue.Dataset, "symbol", issue.Symbol, "kind", issue.Kind, "detail", issue.Detail)
	}
	w.logger.Info("data quality scan finished", "checked", report.Checked, "issues", len(report.Issues))
	return nil
}

// CacheSweep drops expired cache entries.
func (w *Workflows) CacheSweep(ctx context.Context) error {
	n, err := w.sweeper.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("cache sweep: %w", err)
	}
	w.logger.Info("cache sweep finished", "removed", n)
	return nil
}

// DailyClassification recomputes the latest trading day's classification
// once its price data is in. Without fresh data the run is skipped.
func (w *Workflows) DailyClassification(ctx context.Context) error {
	r, err := w.freshness.Check(ctx, w.now())
	if err != nil {
		return err
	}
	date := r.Expected.Format(time.DateOnly)
	if !r.Ready {
		return fmt.Errorf("%w: data for %s not ready: %s", scheduler.ErrSkip, date, r.Reason)
	}

	res, err := w.calc.ClassifySectors(ctx, r.Expected)
	if err != nil {
		return fmt.Errorf("classify %s: %w", date, err)
	}

	removed := 0
	for _, p := range []string{CachePrefixClassification, CachePrefixSectorStrength, CachePrefixStockStrength} {
		n, err := w.cache.InvalidatePrefix(ctx, p)
		if err != nil {
			w.logger.Warn("cache invalidation failed", "prefix", p, "error", err)
			continue
		}
		removed += n
	}
	w.logger.Info("classification finished",
		"trade_date", date, "sectors", res.Sectors, "stocks", res.Stocks, "cache_removed", removed)
	return nil
}
