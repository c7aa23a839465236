// Package metrics exposes executor and scheduler activity as Prometheus
// collectors on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Markmu/sector-strength-sub001/internal/scheduler"
	"github.com/Markmu/sector-strength-sub001/internal/task"
)

const namespace = "strength"

// Metrics implements task.Observer and scheduler.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	tasksDispatched *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	tasksRunning    prometheus.Gauge
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
}

var (
	_ task.Observer     = (*Metrics)(nil)
	_ scheduler.Metrics = (*Metrics)(nil)
)

// New registers every collector, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to a handler.",
		}, []string{"task_type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "tasks_finished_total",
			Help:      "Task runs by outcome.",
		}, []string{"task_type", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Wall time of task runs.",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 14400},
		}, []string{"task_type"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "tasks_running",
			Help:      "Tasks in the running state at the last poll.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job fires by outcome.",
		}, []string{"job_id", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Wall time of job bodies.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_id"}),
	}
	m.registry.MustRegister(
		m.tasksDispatched,
		m.tasksFinished,
		m.taskDuration,
		m.tasksRunning,
		m.jobRuns,
		m.jobDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TaskDispatched implements task.Observer.
func (m *Metrics) TaskDispatched(taskType string) {
	m.tasksDispatched.WithLabelValues(taskType).Inc()
}

// TaskFinished implements task.Observer.
func (m *Metrics) TaskFinished(taskType string, outcome task.Outcome, elapsed time.Duration) {
	m.tasksFinished.WithLabelValues(taskType, string(outcome)).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

// RunningTasks implements task.Observer.
func (m *Metrics) RunningTasks(n int) {
	m.tasksRunning.Set(float64(n))
}

// JobRun implements scheduler.Metrics. Skipped fires count but record no
// duration.
func (m *Metrics) JobRun(jobID string, outcome scheduler.Outcome, elapsed time.Duration) {
	m.jobRuns.WithLabelValues(jobID, string(outcome)).Inc()
	switch outcome {
	case scheduler.OutcomeSkippedBusy, scheduler.OutcomeSkippedMisfire, scheduler.OutcomeSkippedPaused:
		return
	}
	m.jobDuration.WithLabelValues(jobID).Observe(elapsed.Seconds())
}
