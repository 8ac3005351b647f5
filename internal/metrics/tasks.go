// Package metrics exposes Prometheus instrumentation for the task engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidcompose_tasks_registered_total",
		Help: "Total number of composition tasks registered",
	})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidcompose_tasks_finished_total",
		Help: "Composition tasks reaching a terminal state, by outcome",
	}, []string{"outcome"}) // outcome=completed|failed|cancelled

	workersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidcompose_workers_active",
		Help: "Number of composition workers currently running",
	})

	progressUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidcompose_progress_updates_total",
		Help: "Total number of worker progress updates applied",
	})

	progressClamps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidcompose_progress_clamps_total",
		Help: "Progress updates clamped to preserve monotonicity",
	})

	dispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidcompose_dispatch_failures_total",
		Help: "Total number of worker dispatch failures",
	})

	staleTasksSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidcompose_stale_tasks_swept_total",
		Help: "Tasks failed by the stale-task sweeper",
	})

	repositoryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidcompose_repository_retries_total",
		Help: "Task repository retry attempts by operation",
	}, []string{"op"})

	repositoryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidcompose_repository_failures_total",
		Help: "Task repository operations that exhausted their retries",
	}, []string{"op"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidcompose_task_duration_seconds",
		Help:    "Wall-clock duration of finished composition tasks",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"outcome"})
)

// TaskRegistered records a newly registered task.
func TaskRegistered() { tasksRegistered.Inc() }

// TaskFinished records a task reaching a terminal state.
func TaskFinished(outcome string, seconds float64) {
	tasksFinished.WithLabelValues(outcome).Inc()
	taskDuration.WithLabelValues(outcome).Observe(seconds)
}

// WorkerStarted increments the active-worker gauge.
func WorkerStarted() { workersActive.Inc() }

// WorkerStopped decrements the active-worker gauge.
func WorkerStopped() { workersActive.Dec() }

// ProgressUpdated records an applied progress update.
func ProgressUpdated() { progressUpdates.Inc() }

// ProgressClamped records a monotonicity clamp.
func ProgressClamped() { progressClamps.Inc() }

// DispatchFailed records a failed worker dispatch.
func DispatchFailed() { dispatchFailures.Inc() }

// StaleTaskSwept records a task failed by the timeout sweeper.
func StaleTaskSwept() { staleTasksSwept.Inc() }

// RepositoryRetry records a retried repository call.
func RepositoryRetry(op string) { repositoryRetries.WithLabelValues(op).Inc() }

// RepositoryFailure records a repository call that exhausted its retries.
func RepositoryFailure(op string) { repositoryFailures.WithLabelValues(op).Inc() }
