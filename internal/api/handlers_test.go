package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Markmu/sector-strength-sub001/internal/api/middleware"
	"github.com/Markmu/sector-strength-sub001/internal/api/shared"
	"github.com/Markmu/sector-strength-sub001/internal/auth"
	"github.com/Markmu/sector-strength-sub001/internal/config"
	"github.com/Markmu/sector-strength-sub001/internal/scheduler"
	"github.com/Markmu/sector-strength-sub001/internal/task"
)

const (
	testSecret = "admin-api-test-secret-at-least-32-chars"
	yearly     = "0 0 1 1 *"
)

type testAPI struct {
	router  http.Handler
	mgr     *task.Manager
	store   *task.MockStore
	jobs    *scheduler.JobManager
	token   string
	release chan struct{}
	started chan struct{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	store := task.NewMockStore()
	mgr := task.NewManager(store, discardLogger())
	reg := task.NewRegistry()
	reg.MustRegister("data_init", func(context.Context, uuid.UUID, task.Params) error { return nil })

	a := &testAPI{
		mgr:     mgr,
		store:   store,
		release: make(chan struct{}),
		started: make(chan struct{}, 4),
	}

	a.jobs = scheduler.NewJobManager(time.UTC, discardLogger(), nil)
	require.NoError(t, a.jobs.AddJob(scheduler.Job{
		ID:      "daily_classification",
		Trigger: scheduler.MustCron(yearly),
		Run: func(context.Context) error {
			a.started <- struct{}{}
			<-a.release
			return nil
		},
	}))
	t.Cleanup(func() {
		close(a.release)
		a.jobs.Shutdown(true)
	})

	tokens, err := auth.NewTokenService(config.AuthConfig{JWTSecret: testSecret, TokenLifetimeMinutes: 10})
	require.NoError(t, err)
	a.token, err = tokens.Issue(ctx, "ops", auth.RoleAdmin, 0)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.NewTraceMiddleware(discardLogger()))
	r.Route("/api/admin", AdminRoutes(
		middleware.NewAuthMiddleware(tokens),
		NewTaskHandler(mgr, reg),
		NewJobHandler(a.jobs),
	))
	a.router = r
	return a
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+a.token)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	for _, path := range []string{"/api/admin/tasks", "/api/admin/jobs", "/api/admin/scheduler"} {
		rec := httptest.NewRecorder()
		a.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		body := decode[shared.ErrorResponse](t, rec)
		assert.NotEmpty(t, body.TraceID)
	}
}

func TestTaskHandler_CreateTask(t *testing.T) {
	t.Parallel()

	t.Run("created", func(t *testing.T) {
		t.Parallel()
		a := newTestAPI(t)

		rec := a.do(t, http.MethodPost, "/api/admin/tasks",
			`{"type":"data_init","params":{"lookback_days":5,"symbols":["600519.SH"]},"max_retries":1}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		got := decode[task.Task](t, rec)
		assert.Equal(t, "data_init", got.Type)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.Equal(t, 1, got.MaxRetries)
		assert.Equal(t, task.DefaultTimeoutSeconds, got.TimeoutSeconds)
		assert.Equal(t, "admin:ops", got.CreatedBy)
		assert.Equal(t, float64(5), got.Params["lookback_days"])

		stored, err := a.mgr.GetTask(context.Background(), got.ID)
		require.NoError(t, err)
		assert.Equal(t, []any{"600519.SH"}, stored.Params["symbols"])
	})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"type":`, http.StatusBadRequest},
		{"unknown field", `{"type":"data_init","priority":1}`, http.StatusBadRequest},
		{"missing type", `{"params":{}}`, http.StatusBadRequest},
		{"negative retries", `{"type":"data_init","max_retries":-1}`, http.StatusBadRequest},
		{"zero timeout", `{"type":"data_init","timeout_seconds":0}`, http.StatusBadRequest},
		{"unregistered type", `{"type":"rebuild_universe"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAPI(t)
			rec := a.do(t, http.MethodPost, "/api/admin/tasks", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())

			n, err := a.mgr.CountTasks(context.Background(), task.ListFilter{})
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}

	t.Run("store failure is not echoed", func(t *testing.T) {
		t.Parallel()
		a := newTestAPI(t)
		a.store.FailFn = func(string) error {
			return errors.New("dial postgres://strength:s3cret@db/strength: refused")
		}

		rec := a.do(t, http.MethodPost, "/api/admin/tasks", `{"type":"data_init"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "s3cret")
	})
}

func TestTaskHandler_ListTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAPI(t)

	var ids []uuid.UUID
	for _, typ := range []string{"data_init", "ma_recompute", "data_init"} {
		tk, err := a.mgr.CreateTask(ctx, task.CreateTaskInput{Type: typ})
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}
	ok, err := a.mgr.CancelTask(ctx, ids[2])
	require.NoError(t, err)
	require.True(t, ok)

	tests := []struct {
		name      string
		query     string
		wantIDs   []uuid.UUID
		wantTotal int
	}{
		{"all", "", ids, 3},
		{"by type", "?type=data_init", []uuid.UUID{ids[0], ids[2]}, 2},
		{"by status", "?status=pending", ids[:2], 2},
		{"paged", "?limit=1&offset=1", ids[1:2], 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(t, http.MethodGet, "/api/admin/tasks"+tc.query, "")
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			got := decode[TaskListResponse](t, rec)
			assert.Equal(t, tc.wantTotal, got.Total)
			gotIDs := make([]uuid.UUID, 0, len(got.Tasks))
			for _, tk := range got.Tasks {
				gotIDs = append(gotIDs, tk.ID)
			}
			assert.Equal(t, tc.wantIDs, gotIDs)
		})
	}

	for _, q := range []string{"?status=exploded", "?limit=-1", "?offset=x"} {
		rec := a.do(t, http.MethodGet, "/api/admin/tasks"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := a.do(t, http.MethodGet, "/api/admin/tasks?type=nothing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tasks":[],"total":0,"limit":50,"offset":0}`, rec.Body.String())
}

func TestTaskHandler_GetTaskAndLogs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAPI(t)

	tk, err := a.mgr.CreateTask(ctx, task.CreateTaskInput{Type: "data_init", Params: task.Params{"end_date": "2024-03-18"}})
	require.NoError(t, err)
	require.NoError(t, a.mgr.AppendLog(ctx, tk.ID, task.LogWarning, "2 of 10 symbols failed"))

	rec := a.do(t, http.MethodGet, "/api/admin/tasks/"+tk.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[task.Task](t, rec)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, "2024-03-18", got.Params["end_date"])

	rec = a.do(t, http.MethodGet, "/api/admin/tasks/"+tk.ID.String()+"/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[TaskLogsResponse](t, rec)
	require.Len(t, logs.Logs, 2)
	assert.Equal(t, task.LogInfo, logs.Logs[0].Level)

	rec = a.do(t, http.MethodGet, "/api/admin/tasks/"+tk.ID.String()+"/logs?level=WARNING", "")
	require.Equal(t, http.StatusOK, rec.Code)
	logs = decode[TaskLogsResponse](t, rec)
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, "2 of 10 symbols failed", logs.Logs[0].Message)

	rec = a.do(t, http.MethodGet, "/api/admin/tasks/"+tk.ID.String()+"/logs?level=TRACE", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/admin/tasks/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Task not found", decode[shared.ErrorResponse](t, rec).Error)

	rec = a.do(t, http.MethodGet, "/api/admin/tasks/"+uuid.NewString()+"/logs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/admin/tasks/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskHandler_CancelTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAPI(t)

	tk, err := a.mgr.CreateTask(ctx, task.CreateTaskInput{Type: "data_init"})
	require.NoError(t, err)

	rec := a.do(t, http.MethodPost, "/api/admin/tasks/"+tk.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[task.Task](t, rec)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)

	rec = a.do(t, http.MethodPost, "/api/admin/tasks/"+tk.ID.String()+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Task already finished", decode[shared.ErrorResponse](t, rec).Error)

	rec = a.do(t, http.MethodPost, "/api/admin/tasks/"+uuid.NewString()+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/admin/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[JobListResponse](t, rec)
	require.Len(t, jobs.Jobs, 1)
	assert.Equal(t, "daily_classification", jobs.Jobs[0].ID)
	assert.Equal(t, "cron["+yearly+"]", jobs.Jobs[0].Trigger)
	assert.NotNil(t, jobs.Jobs[0].NextRun)

	rec = a.do(t, http.MethodPost, "/api/admin/jobs/daily_classification/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs = decode[JobListResponse](t, a.do(t, http.MethodGet, "/api/admin/jobs", ""))
	assert.True(t, jobs.Jobs[0].Paused)
	assert.Nil(t, jobs.Jobs[0].NextRun)

	rec = a.do(t, http.MethodPost, "/api/admin/jobs/daily_classification/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, JobActionResponse{ID: "daily_classification", Action: "resume", OK: true}, decode[JobActionResponse](t, rec))

	rec = a.do(t, http.MethodPost, "/api/admin/jobs/daily_classification/trigger", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-a.started:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered job did not start")
	}

	rec = a.do(t, http.MethodPost, "/api/admin/jobs/daily_classification/trigger", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Job is already running", decode[shared.ErrorResponse](t, rec).Error)

	for _, action := range []string{"trigger", "pause", "resume"} {
		rec = a.do(t, http.MethodPost, "/api/admin/jobs/nope/"+action, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, action)
	}
}

func TestJobHandler_SchedulerLifecycle(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	status := func() bool {
		rec := a.do(t, http.MethodGet, "/api/admin/scheduler", "")
		require.Equal(t, http.StatusOK, rec.Code)
		return decode[SchedulerStatusResponse](t, rec).Running
	}

	assert.False(t, status())

	rec := a.do(t, http.MethodPost, "/api/admin/scheduler/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[SchedulerStatusResponse](t, rec).Running)
	assert.True(t, status())

	rec = a.do(t, http.MethodPost, "/api/admin/scheduler/stop?wait=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, status())

	rec = a.do(t, http.MethodPost, "/api/admin/scheduler/stop?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[SchedulerStatusResponse](t, rec).Running)
	assert.False(t, status())
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("redis://:pw@cache:6379 refused") }

	rec := httptest.NewRecorder()
	NewHealthHandler(map[string]HealthCheck{"database": ok, "cache": ok}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","components":{"database":"ok","cache":"ok"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]HealthCheck{"database": ok, "cache": down}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","components":{"database":"ok","cache":"unavailable"}}`, rec.Body.String())
}
