package strength

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Markmu/sector-strength-sub001/internal/platform/logger"
	"github.com/Markmu/sector-strength-sub001/internal/redact"
	"github.com/Markmu/sector-strength-sub001/internal/task"
)

// Task types handled by this package.
const (
	TaskDataInit       = "data_init"
	TaskMARecompute    = "ma_recompute"
	TaskClassification = "classification_recompute"
	TaskCacheCleanup   = "cache_cleanup"
)

// DefaultMAPeriods are the moving average windows recomputed when a task
// does not name its own.
var DefaultMAPeriods = []int{5, 10, 20, 30, 60, 90, 120, 240}

const (
	defaultLookbackDays = 30
	defaultMABatchSize  = 100
	// cancellation is polled from the store every this many units
	cancelCheckEvery = 10
	// per-symbol failures logged to the task before summarising
	maxLoggedFailures = 20
)

// errCancelled stops a handler whose task was cancelled. The executor
// discards the result of a cancelled run.
var errCancelled = errors.New("task cancelled")

// Deps are the collaborators of the task handlers.
type Deps struct {
	Market   MarketData
	Calc     Calculator
	Cache    CacheInvalidator
	Sweeper  CacheSweeper
	Sync     SyncStatus
	Progress Progress
	Calendar *Calendar
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RegisterHandlers registers every strength task type on reg.
func RegisterHandlers(reg *task.Registry, deps Deps) error {
	if deps.Market == nil || deps.Calc == nil || deps.Cache == nil ||
		deps.Sweeper == nil || deps.Sync == nil || deps.Progress == nil || deps.Calendar == nil {
		return errors.New("strength: incomplete handler dependencies")
	}
	h := &handlers{deps: deps, freshness: NewFreshness(deps.Sync, deps.Calendar)}
	for typ, fn := range map[string]task.Handler{
		TaskDataInit:       h.dataInit,
		TaskMARecompute:    h.maRecompute,
		TaskClassification: h.classification,
		TaskCacheCleanup:   h.cacheCleanup,
	} {
		if err := reg.Register(typ, fn); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	deps      Deps
	freshness *Freshness
}

type syncStatusKey struct{}

// WithSyncStatus returns a copy of ctx in which handlers record and read
// sync status through s instead of Deps.Sync.
func WithSyncStatus(ctx context.Context, s SyncStatus) context.Context {
	return context.WithValue(ctx, syncStatusKey{}, s)
}

// progressOf prefers the manager the executor runs the task on, so the
// writes use the executor's connections.
func (h *handlers) progressOf(ctx context.Context) Progress {
	if m, ok := task.ManagerFromContext(ctx); ok {
		return m
	}
	return h.deps.Progress
}

func (h *handlers) syncOf(ctx context.Context) (SyncStatus, bool) {
	if s, ok := ctx.Value(syncStatusKey{}).(SyncStatus); ok && s != nil {
		return s, true
	}
	return h.deps.Sync, false
}

func (h *handlers) freshnessOf(ctx context.Context) *Freshness {
	if s, bound := h.syncOf(ctx); bound {
		return NewFreshness(s, h.deps.Calendar)
	}
	return h.freshness
}

// checkpoint returns errCancelled once the task has been cancelled, or the
// context error once the executor gave up on the run.
func (h *handlers) checkpoint(ctx context.Context, id uuid.UUID, unit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if unit%cancelCheckEvery != 0 {
		return nil
	}
	cancelled, err := h.progressOf(ctx).IsCancelled(ctx, id)
	if err != nil {
		// a lost progress read is not worth failing bulk work for
		logger.FromContext(ctx).Warn("cancellation check failed", "error", err)
		return nil
	}
	if cancelled {
		return errCancelled
	}
	return nil
}

func (h *handlers) progress(ctx context.Context, id uuid.UUID, current, total int) {
	if _, err := h.progressOf(ctx).UpdateProgress(ctx, id, current, &total); err != nil {
		logger.FromContext(ctx).Warn("progress update failed", "error", err)
	}
}

func (h *handlers) log(ctx context.Context, id uuid.UUID, level task.LogLevel, format string, args ...any) {
	msg := redact.Truncate(redact.String(fmt.Sprintf(format, args...)), redact.MaxLength)
	if err := h.progressOf(ctx).AppendLog(ctx, id, level, msg); err != nil {
		logger.FromContext(ctx).Warn("task log append failed", "error", err)
	}
}

func (h *handlers) symbols(ctx context.Context, params task.Params) ([]string, error) {
	symbols, err := params.Strings("symbols")
	if err != nil {
		return nil, err
	}
	if len(symbols) > 0 {
		return symbols, nil
	}
	symbols, err = h.deps.Market.ListSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	return symbols, nil
}

func (h *handlers) invalidate(ctx context.Context, id uuid.UUID, prefixes ...string) {
	total := 0
	for _, p := range prefixes {
		n, err := h.deps.Cache.InvalidatePrefix(ctx, p)
		if err != nil {
			h.log(ctx, id, task.LogWarning, "cache invalidation of %s failed: %v", p, err)
			continue
		}
		total += n
	}
	h.log(ctx, id, task.LogInfo, "invalidated %d cached entries", total)
}

// dataInit syncs daily bars for a symbol set over a date window.
//
// Params: symbols ([]string, default all), start_date and end_date
// (YYYY-MM-DD, default the last lookback_days up to the latest closed
// trading day), lookback_days (int, default 30).
func (h *handlers) dataInit(ctx context.Context, id uuid.UUID, params task.Params) error {
	cal := h.deps.Calendar
	end, ok, err := params.Date("end_date", cal.Location())
	if err != nil {
		return err
	}
	if !ok {
		end = cal.LatestTradingDay(h.deps.now())
	}
	lookback, err := params.Int("lookback_days", defaultLookbackDays)
	if err != nil {
		return err
	}
	if lookback <= 0 {
		return fmt.Errorf("%w: lookback_days must be positive", task.ErrInvalidParams)
	}
	start, ok, err := params.Date("start_date", cal.Location())
	if err != nil {
		return err
	}
	if !ok {
		start = end.AddDate(0, 0, -lookback)
	}
	if start.After(end) {
		return fmt.Errorf("%w: start_date after end_date", task.ErrInvalidParams)
	}

	symbols, err := h.symbols(ctx, params)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		h.log(ctx, id, task.LogWarning, "no symbols to sync")
		return nil
	}

	h.log(ctx, id, task.LogInfo, "syncing %d symbols from %s to %s",
		len(symbols), start.Format(time.DateOnly), end.Format(time.DateOnly))
	h.progress(ctx, id, 0, len(symbols))

	rows, failed := 0, 0
	for i, sym := range symbols {
		if err := h.checkpoint(ctx, id, i); err != nil {
			return err
		}
		n, err := h.deps.Market.SyncDailyBars(ctx, sym, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			if failed <= maxLoggedFailures {
				h.log(ctx, id, task.LogWarning, "sync %s failed: %v", sym, err)
			}
		} else {
			rows += n
		}
		h.progress(ctx, id, i+1, len(symbols))
	}

	status := SyncStatusSuccess
	message := ""
	switch {
	case failed == len(symbols):
		status = SyncStatusFailed
		message = fmt.Sprintf("all %d symbols failed", failed)
	case failed > 0:
		status = SyncStatusPartial
		message = fmt.Sprintf("%d of %d symbols failed", failed, len(symbols))
	}

	recorder, _ := h.syncOf(ctx)
	if err := recorder.RecordSync(ctx, SyncRecord{
		Dataset:   DatasetDailyPrices,
		TradeDate: end,
		Rows:      rows,
		Status:    status,
		Message:   message,
		SyncedAt:  h.deps.now().UTC(),
	}); err != nil {
		return fmt.Errorf("record sync status: %w", err)
	}
	if status == SyncStatusFailed {
		return errors.New(message)
	}

	if message != "" {
		h.log(ctx, id, task.LogWarning, "%s", message)
	}
	h.log(ctx, id, task.LogInfo, "synced %d rows for %d symbols", rows, len(symbols)-failed)
	h.invalidate(ctx, id, CachePrefixStockStrength, CachePrefixMovingAverages)
	return nil
}

// maRecompute recomputes moving averages in batches.
//
// Params: symbols ([]string, default all), periods ([]int, default
// DefaultMAPeriods), batch_size (int, default 100).
func (h *handlers) maRecompute(ctx context.Context, id uuid.UUID, params task.Params) error {
	periods := DefaultMAPeriods
	if _, ok := params["periods"]; ok {
		var custom []int
		if err := params.Decode("periods", &custom); err != nil {
			return err
		}
		periods = custom
	}
	if len(periods) == 0 {
		return fmt.Errorf("%w: periods must not be empty", task.ErrInvalidParams)
	}
	for _, p := range periods {
		if p <= 0 {
			return fmt.Errorf("%w: periods must be positive", task.ErrInvalidParams)
		}
	}
	batch, err := params.Int("batch_size", defaultMABatchSize)
	if err != nil {
		return err
	}
	if batch <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", task.ErrInvalidParams)
	}

	symbols, err := h.symbols(ctx, params)
	if err != nil {
		return err
	}
	h.log(ctx, id, task.LogInfo, "recomputing %d moving averages for %d symbols", len(periods), len(symbols))
	h.progress(ctx, id, 0, len(symbols))

	rows := 0
	for done := 0; done < len(symbols); {
		// checked every batch: batches are the slow unit here
		if err := h.checkpoint(ctx, id, 0); err != nil {
			return err
		}
		next := min(done+batch, len(symbols))
		n, err := h.deps.Calc.RecomputeMovingAverages(ctx, symbols[done:next], periods)
		if err != nil {
			return fmt.Errorf("recompute batch %d-%d: %w", done, next, err)
		}
		rows += n
		done = next
		h.progress(ctx, id, done, len(symbols))
	}

	h.log(ctx, id, task.LogInfo, "wrote %d moving average rows", rows)
	h.invalidate(ctx, id, CachePrefixMovingAverages, CachePrefixStockStrength)
	return nil
}

// classification recomputes sector classification for one trading day.
//
// Params: trade_date (YYYY-MM-DD, default the latest closed trading day),
// force (bool) to classify without fresh price data.
func (h *handlers) classification(ctx context.Context, id uuid.UUID, params task.Params) error {
	cal := h.deps.Calendar
	date, ok, err := params.Date("trade_date", cal.Location())
	if err != nil {
		return err
	}
	if !ok {
		date = cal.LatestTradingDay(h.deps.now())
	}
	if !cal.IsTradingDay(date) {
		return fmt.Errorf("%w: %s is not a trading day", task.ErrInvalidParams, date.Format(time.DateOnly))
	}
	force, err := params.Bool("force", false)
	if err != nil {
		return err
	}

	if !force {
		r, err := h.freshnessOf(ctx).CheckDate(ctx, date)
		if err != nil {
			return err
		}
		if !r.Ready {
			// retried with backoff until the sync lands or the budget runs out
			return fmt.Errorf("source data not ready: %s", r.Reason)
		}
	}

	h.progress(ctx, id, 0, 1)
	res, err := h.deps.Calc.ClassifySectors(ctx, date)
	if err != nil {
		return fmt.Errorf("classify %s: %w", date.Format(time.DateOnly), err)
	}
	h.progress(ctx, id, 1, 1)
	h.log(ctx, id, task.LogInfo, "classified %d sectors and %d stocks for %s",
		res.Sectors, res.Stocks, date.Format(time.DateOnly))
	h.invalidate(ctx, id, CachePrefixClassification, CachePrefixSectorStrength, CachePrefixStockStrength)
	return nil
}

// cacheCleanup sweeps expired cache entries, or drops a prefix when the
// prefix param is set.
func (h *handlers) cacheCleanup(ctx context.Context, id uuid.UUID, params task.Params) error {
	if prefix, ok := params.String("prefix"); ok && prefix != "" {
		n, err := h.deps.Cache.InvalidatePrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("invalidate %s: %w", prefix, err)
		}
		h.log(ctx, id, task.LogInfo, "removed %d entries under %s", n, prefix)
		return nil
	}
	n, err := h.deps.Sweeper.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep cache: %w", err)
	}
	h.log(ctx, id, task.LogInfo, "swept %d expired entries", n)
	return nil
}
