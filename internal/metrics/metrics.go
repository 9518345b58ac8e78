package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsReceived tracks deliveries pulled from each queue
	JobsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_jobs_received_total",
			Help: "Total number of job deliveries received",
		},
		[]string{"queue"},
	)

	// JobsCompleted tracks terminal job outcomes per queue
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_jobs_completed_total",
			Help: "Total number of jobs by terminal state",
		},
		[]string{"queue", "state"},
	)

	// JobsInFlight tracks jobs currently being dispatched
	JobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_jobs_in_flight",
			Help: "Number of jobs currently being dispatched",
		},
		[]string{"queue"},
	)

	// JobsDeadLettered tracks jobs moved to the dead-letter stream
	JobsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter stream",
		},
		[]string{"queue"},
	)

	// Invocations tracks remote invocations by outcome
	Invocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_invocations_total",
			Help: "Total number of remote function invocations",
		},
		[]string{"invocation_type", "outcome"},
	)

	// RateLimitRetries tracks backoff retries caused by rate limiting
	RateLimitRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_rate_limit_retries_total",
			Help: "Total number of retries after a rate-limited invocation",
		},
	)

	// InvocationDuration tracks the full call chain latency, backoff included
	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_invocation_duration_seconds",
			Help:    "Remote invocation latency in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"invocation_type"},
	)

	// JournalErrors tracks failures to persist dispatch records
	JournalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_journal_errors_total",
			Help: "Total number of dispatch records that could not be stored",
		},
	)

	// JournalDBPoolUsage tracks the journal database connection pool usage
	JournalDBPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_journal_db_pool_usage_percent",
			Help: "Percentage of journal database connections in use",
		},
	)
)
