// Package metrics exposes the Prometheus collectors for the replication
// controller: request/job/task throughput and latency, messenger connector
// health, and worker-eviction counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts controller-side requests by type and terminal
	// extended state (SUCCESS, SERVER_ERROR, CLIENT_ERROR, TIMEOUT_EXPIRED, ...).
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replctl_requests_total",
			Help: "Total number of controller requests by type and extended state.",
		},
		[]string{"type", "extended_state"},
	)

	// RequestDuration tracks submit-to-finish latency per request type.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replctl_request_duration_seconds",
			Help:    "Duration from request creation to FINISHED.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// JobsTotal counts jobs by type and extended state.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replctl_jobs_total",
			Help: "Total number of jobs by type and extended state.",
		},
		[]string{"type", "extended_state"},
	)

	// JobDuration tracks begin-to-end latency per job type.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replctl_job_duration_seconds",
			Help:    "Duration from job start to finish.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// WorkersOffline tracks, per worker, whether the replication service is
	// currently considered unreachable by the health monitor (1) or not (0).
	WorkersOffline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replctl_worker_offline",
			Help: "1 if the worker's replication service has a non-zero no-response interval.",
		},
		[]string{"worker"},
	)

	// WorkerEvictionsTotal counts workers evicted by the health monitor.
	WorkerEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replctl_worker_evictions_total",
			Help: "Total number of workers evicted due to sustained unresponsiveness.",
		},
	)

	// MessengerReconnectsTotal counts connections established (successful
	// dials) per worker connector; failed dials are not counted.
	MessengerReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replctl_messenger_reconnects_total",
			Help: "Total number of Messenger connections established by worker.",
		},
		[]string{"worker"},
	)

	// MessengerCircuitOpenTotal counts circuit-breaker trips per worker.
	MessengerCircuitOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replctl_messenger_circuit_open_total",
			Help: "Total number of times a worker's Messenger circuit breaker tripped open.",
		},
		[]string{"worker"},
	)

	// TasksRunning reports whether a named Task is currently running.
	TasksRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replctl_task_running",
			Help: "1 if the named task is running, 0 otherwise.",
		},
		[]string{"task"},
	)
)

// Collectors returns every collector that must be registered with a
// prometheus.Registerer at process start.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		JobsTotal,
		JobDuration,
		WorkersOffline,
		WorkerEvictionsTotal,
		MessengerReconnectsTotal,
		MessengerCircuitOpenTotal,
		TasksRunning,
	}
}

// Timer measures an elapsed duration and reports it to a histogram vec.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration reports the elapsed time against the given histogram.
func (t *Timer) ObserveDuration(h *prometheus.HistogramVec, labelValues ...string) {
	h.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}
