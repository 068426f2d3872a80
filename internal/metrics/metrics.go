// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	intakeCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_intake_created_total",
			Help: "Total number of resource records created by intake.",
		},
	)

	intakeSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_intake_skipped_total",
			Help: "Total number of submitted URLs skipped because they were already recorded.",
		},
	)

	intakeRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_intake_rejected_total",
			Help: "Total number of submissions rejected by validation.",
		},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_dispatch_total",
			Help: "Total number of task enqueue attempts, labeled by result.",
		},
		[]string{"result"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_tasks_total",
			Help: "Total number of tasks handled by workers, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	processingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_processing_duration_seconds",
			Help:    "Histogram of processing call latencies, labeled by kind.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the per-host fetch limiter.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"host"},
	)

	robotsAssumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_robots_assumed_total",
			Help: "robots.txt lookups that timed out and were treated as allow-all.",
		},
		[]string{"host"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_active_workers",
			Help: "Number of workers currently processing a task.",
		},
	)

	reconciledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_reconciled_total",
			Help: "Total number of stale processing records reset to pending.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Task outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIntake records the result of one accepted submission.
func ObserveIntake(created, skipped int) {
	intakeCreatedTotal.Add(float64(created))
	intakeSkippedTotal.Add(float64(skipped))
}

// ObserveIntakeRejected counts a submission rejected by validation.
func ObserveIntakeRejected() {
	intakeRejectedTotal.Inc()
}

// ObserveDispatch counts one enqueue attempt.
func ObserveDispatch(err error) {
	if err != nil {
		dispatchTotal.WithLabelValues("error").Inc()
		return
	}
	dispatchTotal.WithLabelValues("ok").Inc()
}

// ObserveTask counts a handled task.
func ObserveTask(kind, outcome string) {
	tasksTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveProcessing records the duration of a processing call.
func ObserveProcessing(kind string, duration time.Duration) {
	processingDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveReconciled counts records reset by a sweep.
func ObserveReconciled(n int) {
	reconciledTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records a wait imposed by the fetch limiter.
func ObserveRateLimitDelay(host string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveRobotsAssumed counts a robots.txt lookup answered with allow-all after timeouts.
func ObserveRobotsAssumed(host string) {
	robotsAssumedTotal.WithLabelValues(host).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
