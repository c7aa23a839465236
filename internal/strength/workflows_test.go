package strength_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Markmu/sector-strength-sub001/internal/scheduler"
	"github.com/Markmu/sector-strength-sub001/internal/strength"
	"github.com/Markmu/sector-strength-sub001/internal/task"
)

type workflowEnv struct {
	*env
	quality *fakeQuality
	flows   *strength.Workflows
}

func newWorkflowEnv(t *testing.T, now time.Time) *workflowEnv {
	t.Helper()
	e := newEnv(t)
	e.now = now
	w := &workflowEnv{env: e, quality: &fakeQuality{}}
	w.flows = strength.NewWorkflows(strength.WorkflowDeps{
		Tasks:    e.mgr,
		Quality:  w.quality,
		Calc:     e.calc,
		Cache:    e.cache,
		Sweeper:  e.cache,
		Sync:     e.sync,
		Calendar: e.calendar,
		Logger:   discardLogger(),
		Now:      func() time.Time { return e.now },
	})
	return w
}

func TestWorkflows_Jobs(t *testing.T) {
	t.Parallel()
	loc := shanghai(t)
	w := newWorkflowEnv(t, time.Date(2024, 3, 18, 9, 0, 0, 0, loc))

	jobs := w.flows.Jobs()
	byID := make(map[string]scheduler.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
		assert.NotNil(t, j.Run, j.ID)
	}
	require.Len(t, byID, 4)

	friday := time.Date(2024, 3, 15, 16, 0, 0, 0, loc)
	assert.WithinDuration(t, time.Date(2024, 3, 18, 15, 30, 0, 0, loc), byID[strength.JobDailyDataRefresh].Trigger.Next(friday), 0)
	assert.Equal(t, friday.Add(5*time.Minute), byID[strength.JobDataQualityScan].Trigger.Next(friday))
	assert.Equal(t, friday.Add(time.Hour), byID[strength.JobCacheSweep].Trigger.Next(friday))

	classification := byID[strength.JobDailyClassification]
	assert.WithinDuration(t, time.Date(2024, 3, 16, 16, 0, 0, 0, loc), classification.Trigger.Next(friday), 0)
	assert.Equal(t, 1, classification.MaxInstances)
	assert.Equal(t, time.Hour, classification.MisfireGraceTime)
}

func TestWorkflows_DailyDataRefresh(t *testing.T) {
	t.Parallel()
	loc := shanghai(t)
	ctx := context.Background()

	t.Run("enqueues a data init task", func(t *testing.T) {
		t.Parallel()
		w := newWorkflowEnv(t, time.Date(2024, 3, 18, 15, 30, 0, 0, loc))

		require.NoError(t, w.flows.DailyDataRefresh(ctx))

		pending, err := w.mgr.ListTasks(ctx, task.ListFilter{Status: task.StatusPending})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, strength.TaskDataInit, pending[0].Type)
		assert.Equal(t, "scheduler:"+strength.JobDailyDataRefresh, pending[0].CreatedBy)

		params, err := w.mgr.GetTaskParams(ctx, pending[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "2024-03-18", params["end_date"])
	})

	t.Run("skips holidays", func(t *testing.T) {
		t.Parallel()
		w := newWorkflowEnv(t, time.Date(2024, 3, 18, 15, 30, 0, 0, loc))
		w.flows = strength.NewWorkflows(strength.WorkflowDeps{
			Tasks:    w.mgr,
			Calendar: strength.NewCalendar(loc, time.Date(2024, 3, 18, 0, 0, 0, 0, loc)),
			Sync:     w.sync,
			Logger:   discardLogger(),
			Now:      func() time.Time { return w.now },
		})

		err := w.flows.DailyDataRefresh(ctx)
		assert.ErrorIs(t, err, scheduler.ErrSkip)

		n, err := w.mgr.CountTasks(ctx, task.ListFilter{})
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestWorkflows_DailyClassification(t *testing.T) {
	t.Parallel()
	loc := shanghai(t)
	ctx := context.Background()

	t.Run("skips with a warning when data is not fresh", func(t *testing.T) {
		t.Parallel()
		w := newWorkflowEnv(t, time.Date(2024, 3, 18, 16, 0, 0, 0, loc))
		w.sync.synced(2024, 3, 15, strength.SyncStatusSuccess)

		err := w.flows.DailyClassification(ctx)
		assert.ErrorIs(t, err, scheduler.ErrSkip)
		assert.Empty(t, w.calc.classified)
		assert.Empty(t, w.cache.prefixes())
	})

	t.Run("classifies and invalidates caches", func(t *testing.T) {
		t.Parallel()
		w := newWorkflowEnv(t, time.Date(2024, 3, 18, 16, 0, 0, 0, loc))
		w.sync.synced(2024, 3, 18, strength.SyncStatusSuccess)

		require.NoError(t, w.flows.DailyClassification(ctx))
		require.Len(t, w.calc.classified, 1)
		assert.Equal(t, time.Date(2024, 3, 18, 0, 0, 0, 0, loc), w.calc.classified[0])
		assert.Len(t, w.cache.prefixes(), 3)
	})

	t.Run("weekend rerun of friday", func(t *testing.T) {
		t.Parallel()
		w := newWorkflowEnv(t, time.Date(2024, 3, 16, 16, 0, 0, 0, loc))
		w.sync.synced(2024, 3, 15, strength.SyncStatusSuccess)

		require.NoError(t, w.flows.DailyClassification(ctx))
		assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, loc), w.calc.classified[0])
	})

	t.Run("status store failure", func(t *testing.T) {
		t.Parallel()
		w := newWorkflowEnv(t, time.Date(2024, 3, 18, 16, 0, 0, 0, loc))
		w.sync.err = errUpstream

		err := w.flows.DailyClassification(ctx)
		assert.ErrorIs(t, err, errUpstream)
		assert.NotErrorIs(t, err, scheduler.ErrSkip)
	})
}

func TestWorkflows_Maintenance(t *testing.T) {
	t.Parallel()
	loc := shanghai(t)
	ctx := context.Background()

	w := newWorkflowEnv(t, time.Date(2024, 3, 18, 10, 0, 0, 0, loc))
	w.quality.report = strength.QualityReport{
		Checked: 5000,
		Issues:  []strength.QualityIssue{{Dataset: strength.DatasetDailyPrices, Symbol: "600519.SH", Kind: "gap", Detail: "missing 2024-03-14"}},
	}
	require.NoError(t, w.flows.DataQualityScan(ctx))
	assert.Equal(t, 1, w.quality.calls)

	w.quality.err = errUpstream
	assert.ErrorIs(t, w.flows.DataQualityScan(ctx), errUpstream)

	require.NoError(t, w.flows.CacheSweep(ctx))
	assert.Equal(t, 1, w.cache.sweeps)

	w.cache.sweepErr = errUpstream
	assert.ErrorIs(t, w.flows.CacheSweep(ctx), errUpstream)
}
