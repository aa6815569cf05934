// Package metrics holds the Prometheus collectors of the indexer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Reindex runs
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	DocumentsIndexed *prometheus.CounterVec
	DocumentFailures *prometheus.CounterVec
	LockTimeouts     *prometheus.CounterVec
	Generations      *prometheus.CounterVec
	ErrorsReported   *prometheus.CounterVec

	// Task queue
	TasksEnqueued  *prometheus.CounterVec
	TasksProcessed *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec

	// Change events
	EventsConsumed *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reindex_runs_total",
				Help:      "Reindex runs by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reindex_run_duration_seconds",
				Help:      "Reindex run duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 300, 900, 1800},
			},
			[]string{"operation"},
		),
		DocumentsIndexed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_indexed_total",
				Help:      "Documents acknowledged by the search cluster",
			},
			[]string{"operation"},
		),
		DocumentFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "document_failures_total",
				Help:      "Documents rejected by the search cluster",
			},
			[]string{"operation"},
		),
		LockTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_timeouts_total",
				Help:      "Runs that could not acquire the reindex lock in time",
			},
			[]string{"operation"},
		),
		Generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generations_total",
				Help:      "Index generation lifecycle events",
			},
			[]string{"event"},
		),
		ErrorsReported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_reported_total",
				Help:      "Errors captured for error tracking by kind",
			},
			[]string{"kind"},
		),

		TasksEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_enqueued_total",
				Help:      "Tasks pushed onto the queue by kind and source",
			},
			[]string{"kind", "source"},
		),
		TasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_processed_total",
				Help:      "Tasks processed by kind and result",
			},
			[]string{"kind", "result"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task processing time in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"kind"},
		),

		EventsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_consumed_total",
				Help:      "Catalog change events consumed by type and result",
			},
			[]string{"type", "result"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.DocumentsIndexed,
		m.DocumentFailures,
		m.LockTimeouts,
		m.Generations,
		m.ErrorsReported,
		m.TasksEnqueued,
		m.TasksProcessed,
		m.TaskDuration,
		m.EventsConsumed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}
