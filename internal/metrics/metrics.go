// Package metrics registers the Prometheus instruments shared across the
// orchestration core. All collectors are registered once at init via promauto
// and exported for the packages that record into them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task queue.
	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_tasks_processed_total",
			Help: "Task attempts by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: succeeded, retried, dead
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_task_duration_seconds",
			Help:    "Task handler attempt duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	// Dispute round state machine.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_dispute_transitions_total",
			Help: "Dispute state transitions by outcome",
		},
		[]string{"from", "to", "outcome"}, // outcome: applied, ignored, rejected
	)

	// Deadlines.
	DeadlinesFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_deadlines_fired_total",
			Help: "Deadlines fired by kind",
		},
		[]string{"kind"},
	)
	DeadlinesOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "core_deadlines_open",
			Help: "Unresolved deadlines by kind",
		},
		[]string{"kind"},
	)

	// Workflow triggers.
	TriggerEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_trigger_evaluations_total",
			Help: "Trigger condition evaluations by result",
		},
		[]string{"result"}, // result: matched, unmatched, error, timeout
	)

	// Letter batches.
	BatchLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_batch_letters_total",
			Help: "Letters moved through the batch pipeline by disposition",
		},
		[]string{"disposition"}, // disposition: accepted, rejected, delivered, returned
	)

	// Adapter calls.
	AdapterCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_adapter_calls_total",
			Help: "External adapter calls by adapter and error class",
		},
		[]string{"adapter", "class"}, // class: ok, TRANSIENT, PERMANENT, POLICY_BLOCKED, CANCELLED
	)
	AdapterDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_adapter_duration_seconds",
			Help:    "External adapter call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter"},
	)

	// HTTP API.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_http_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_http_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Event log.
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_events_appended_total",
			Help: "Domain events appended by type",
		},
		[]string{"type"},
	)
)
