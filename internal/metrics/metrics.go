// Package metrics provides Prometheus metrics for the automation service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdvancesTotal counts advance attempts by outcome.
	AdvancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "advances_total",
			Help:      "Total number of workflow run advances by outcome",
		},
		[]string{"outcome"}, // "step_completed", "retry_scheduled", "failed", "conflict", "invalid_state"
	)

	// RunsTotal counts runs reaching a terminal status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// StepDuration tracks step execution duration.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action", "status"},
	)

	// TasksTotal counts dispatched scheduled tasks by kind and result.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "tasks_total",
			Help:      "Total number of scheduled tasks dispatched",
		},
		[]string{"kind", "result"}, // result: done, failed
	)

	// TasksRecovered counts running tasks returned to pending.
	TasksRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "tasks_recovered_total",
			Help:      "Total number of stuck tasks returned to pending",
		},
	)

	// AlertsTotal counts alerts created by kind.
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "alerts_total",
			Help:      "Total number of alerts created",
		},
		[]string{"kind"},
	)

	// EmailsTotal counts email delivery attempts by result.
	EmailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "emails_total",
			Help:      "Total number of email delivery attempts",
		},
		[]string{"result"}, // "sent", "retry", "deadletter"
	)

	// TickDuration tracks the duration of each periodic job.
	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "tick_duration_seconds",
			Help:      "Duration of cron-triggered jobs in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"job"},
	)

	// TasksArchived counts finished tasks moved to object storage.
	TasksArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "tasks_archived_total",
			Help:      "Total number of finished tasks archived",
		},
	)

	// EventsTotal counts events published by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "events_total",
			Help:      "Total number of events published",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "automation",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
