package strength_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Markmu/sector-strength-sub001/internal/store"
	"github.com/Markmu/sector-strength-sub001/internal/strength"
	"github.com/Markmu/sector-strength-sub001/internal/task"
)

func shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return loc
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMarket struct {
	mu       sync.Mutex
	symbols  []string
	listErr  error
	failures map[string]error
	synced   []string
	start    time.Time
	end      time.Time
	onSync   func(symbol string)
}

func (f *fakeMarket) ListSymbols(context.Context) ([]string, error) {
	return f.symbols, f.listErr
}

func (f *fakeMarket) SyncDailyBars(_ context.Context, symbol string, start, end time.Time) (int, error) {
	if f.onSync != nil {
		f.onSync(symbol)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.start, f.end = start, end
	if err := f.failures[symbol]; err != nil {
		return 0, err
	}
	f.synced = append(f.synced, symbol)
	return 10, nil
}

type fakeCalc struct {
	mu          sync.Mutex
	batches     [][]string
	periods     []int
	maErr       error
	classified  []time.Time
	classifyErr error
}

func (f *fakeCalc) RecomputeMovingAverages(_ context.Context, symbols []string, periods []int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maErr != nil {
		return 0, f.maErr
	}
	f.batches = append(f.batches, append([]string(nil), symbols...))
	f.periods = periods
	return len(symbols) * len(periods), nil
}

func (f *fakeCalc) ClassifySectors(_ context.Context, tradeDate time.Time) (strength.ClassificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.classifyErr != nil {
		return strength.ClassificationResult{}, f.classifyErr
	}
	f.classified = append(f.classified, tradeDate)
	return strength.ClassificationResult{TradeDate: tradeDate, Sectors: 31, Stocks: 5000}, nil
}

type fakeCache struct {
	mu          sync.Mutex
	invalidated []string
	sweeps      int
	sweepErr    error
}

func (f *fakeCache) InvalidatePrefix(_ context.Context, prefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, prefix)
	return 2, nil
}

func (f *fakeCache) SweepExpired(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sweepErr != nil {
		return 0, f.sweepErr
	}
	f.sweeps++
	return 7, nil
}

func (f *fakeCache) prefixes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidated...)
}

type fakeSync struct {
	mu      sync.Mutex
	records map[string]strength.SyncRecord
	err     error
}

func newFakeSync() *fakeSync {
	return &fakeSync{records: make(map[string]strength.SyncRecord)}
}

func (f *fakeSync) LatestSync(_ context.Context, dataset string) (*strength.SyncRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[dataset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrDatasetNotFound, dataset)
	}
	return &rec, nil
}

func (f *fakeSync) RecordSync(_ context.Context, rec strength.SyncRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records[rec.Dataset] = rec
	return nil
}

// synced marks daily prices as synced through the given date.
func (f *fakeSync) synced(y int, m time.Month, d int, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[strength.DatasetDailyPrices] = strength.SyncRecord{
		Dataset:   strength.DatasetDailyPrices,
		TradeDate: time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Status:    status,
	}
}

type fakeQuality struct {
	report strength.QualityReport
	err    error
	calls  int
}

func (f *fakeQuality) Scan(context.Context) (strength.QualityReport, error) {
	f.calls++
	return f.report, f.err
}

var errUpstream = errors.New("upstream unavailable")

// env wires handlers against fakes and a task manager on the mock store.
type env struct {
	loc      *time.Location
	now      time.Time
	market   *fakeMarket
	calc     *fakeCalc
	cache    *fakeCache
	sync     *fakeSync
	mgr      *task.Manager
	registry *task.Registry
	calendar *strength.Calendar
}

func newEnv(t *testing.T) *env {
	t.Helper()
	loc := shanghai(t)
	e := &env{
		loc:      loc,
		now:      time.Date(2024, 3, 18, 16, 0, 0, 0, loc), // Monday
		market:   &fakeMarket{symbols: []string{"600519.SH", "000001.SZ", "300750.SZ"}},
		calc:     &fakeCalc{},
		cache:    &fakeCache{},
		sync:     newFakeSync(),
		registry: task.NewRegistry(),
		calendar: strength.NewCalendar(loc),
	}
	e.mgr = task.NewManager(task.NewMockStore(), discardLogger())
	require.NoError(t, strength.RegisterHandlers(e.registry, strength.Deps{
		Market:   e.market,
		Calc:     e.calc,
		Cache:    e.cache,
		Sweeper:  e.cache,
		Sync:     e.sync,
		Progress: e.mgr,
		Calendar: e.calendar,
		Now:      func() time.Time { return e.now },
	}))
	return e
}

// run creates a task of typ and invokes its handler directly.
func (e *env) run(t *testing.T, ctx context.Context, typ string, params task.Params) (*task.Task, error) {
	t.Helper()
	created, err := e.mgr.CreateTask(ctx, task.CreateTaskInput{Type: typ, Params: params})
	require.NoError(t, err)
	h, err := e.registry.Lookup(typ)
	require.NoError(t, err)
	resolved, err := e.mgr.GetTaskParams(ctx, created.ID)
	require.NoError(t, err)
	return created, h(ctx, created.ID, resolved)
}

func (e *env) logs(t *testing.T, tk *task.Task, level task.LogLevel) []string {
	t.Helper()
	entries, err := e.mgr.GetTaskLogs(context.Background(), tk.ID, task.LogFilter{Level: level})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Message)
	}
	return out
}
