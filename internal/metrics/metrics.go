// Package metrics provides Prometheus metrics for monitoring task runs.
package metrics

import (
	"time"

	"github.com/nadmax/taskd/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_runs_started_total",
			Help: "Total number of task runs started",
		},
		[]string{"task"},
	)
	RunsStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_runs_stopped_total",
			Help: "Total number of task runs stopped by stop type",
		},
		[]string{"task", "stop_type"},
	)
	RunsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_runs_rejected_total",
			Help: "Total number of starts rejected because the task was already running",
		},
		[]string{"task"},
	)
	LoopIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_loop_iterations_total",
			Help: "Total number of run loop iterations",
		},
		[]string{"task"},
	)
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskd_run_duration_seconds",
			Help:    "Task run duration in seconds",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 7 * 24 * 3600},
		},
		[]string{"task", "stop_type"},
	)
	MemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskd_memory_bytes",
			Help: "Resident memory sampled at the last heartbeat",
		},
		[]string{"task"},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskd_tasks",
			Help: "Current number of registered tasks by status",
		},
		[]string{"status"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordRunStarted(taskName string) {
	RunsStarted.WithLabelValues(taskName).Inc()
}

func RecordRunRejected(taskName string) {
	RunsRejected.WithLabelValues(taskName).Inc()
}

func RecordRunStopped(taskName string, stopType task.StopType, duration time.Duration) {
	RunsStopped.WithLabelValues(taskName, stopType.String()).Inc()
	RunDuration.WithLabelValues(taskName, stopType.String()).Observe(duration.Seconds())
}

func RecordIteration(taskName string, memory uint64) {
	LoopIterations.WithLabelValues(taskName).Inc()
	MemoryBytes.WithLabelValues(taskName).Set(float64(memory))
}

func UpdateTaskGauges(byStatus map[task.Status]int) {
	TasksByStatus.Reset()
	for status, count := range byStatus {
		TasksByStatus.WithLabelValues(status.String()).Set(float64(count))
	}
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
