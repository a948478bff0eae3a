package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal tracks decisions by action and rule
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_decisions_total",
			Help: "Total number of decisions produced",
		},
		[]string{"environment", "action", "reason"},
	)

	// DuplicateEventsTotal tracks re-delivered failure events
	DuplicateEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_duplicate_events_total",
			Help: "Total number of duplicate failure events rejected",
		},
	)

	// ClassificationFailuresTotal tracks classifier errors and timeouts
	ClassificationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_classification_failures_total",
			Help: "Total number of classification port failures",
		},
	)

	// EvaluateLatency tracks Evaluate latency
	EvaluateLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triage_evaluate_latency_seconds",
			Help:    "Evaluate latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// EffectiveThreshold tracks the last confidence threshold applied per error type
	EffectiveThreshold = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triage_effective_confidence_threshold",
			Help: "Confidence threshold after rolling statistics adjustment",
		},
		[]string{"error_type", "environment"},
	)

	// AttemptsScheduled tracks retry attempts accepted by the orchestrator
	AttemptsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_attempts_scheduled_total",
			Help: "Total number of retry attempts scheduled",
		},
	)

	// AttemptsRejected tracks schedules rejected because a retry was already in flight
	AttemptsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_attempts_rejected_total",
			Help: "Total number of schedule requests rejected as already in flight",
		},
	)

	// AttemptOutcomes tracks terminal attempt outcomes
	AttemptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_attempt_outcomes_total",
			Help: "Total number of terminal attempt outcomes",
		},
		[]string{"outcome"},
	)

	// InFlightKeys tracks keys that are Scheduled or Executing
	InFlightKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_inflight_keys",
			Help: "Number of runs with a retry scheduled or executing",
		},
	)

	// UnreportedOutcomes tracks finished attempts whose outcome is not yet in the ledger
	UnreportedOutcomes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_unreported_outcomes",
			Help: "Number of finished attempts waiting to be recorded in the ledger",
		},
	)

	// ExecutionErrors tracks execution collaborator failures
	ExecutionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_execution_errors_total",
			Help: "Total number of retry execution collaborator errors",
		},
	)

	// LedgerErrors tracks audit ledger failures by operation
	LedgerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_ledger_errors_total",
			Help: "Total number of audit ledger errors",
		},
		[]string{"operation"},
	)

	// NotificationsTotal tracks notification deliveries by sink and result
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_notifications_total",
			Help: "Total number of notifications delivered",
		},
		[]string{"sink", "result"},
	)

	// NotificationsDropped tracks notifications dropped because the queue was full
	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_notifications_dropped_total",
			Help: "Total number of notifications dropped on a full queue",
		},
	)

	// DBConnectionPoolUsage tracks percentage of DB connection pool in use
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_db_connection_pool_usage",
			Help: "Percentage of DB connection pool in use",
		},
	)
)
