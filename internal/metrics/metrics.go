package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState tracks the current circuit state per dependency (0=closed, 1=open, 2=half-open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketpulse_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)

	// BreakerTransitions counts state changes per dependency
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpulse_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"dependency", "to"},
	)

	// DependencyCalls tracks outbound calls per dependency and outcome
	DependencyCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpulse_dependency_calls_total",
			Help: "Total number of dependency invocations",
		},
		[]string{"dependency", "outcome"},
	)

	// DependencyLatency tracks latency of the whole retried call
	DependencyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketpulse_dependency_latency_seconds",
			Help:    "Dependency call latency in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dependency"},
	)

	// RetryAttempts counts individual attempts made by the retry executor
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpulse_dependency_attempts_total",
			Help: "Total number of attempts made against a dependency",
		},
		[]string{"dependency"},
	)

	// CacheOps tracks cache lookups per namespace and result
	CacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpulse_cache_operations_total",
			Help: "Cache operations by namespace and result",
		},
		[]string{"namespace", "result"},
	)

	// CacheFallbacks counts downgrades from the distributed backend to memory
	CacheFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpulse_cache_fallbacks_total",
			Help: "Number of distributed cache downgrades to in-process memory",
		},
		[]string{"namespace"},
	)

	// PhaseOutcomes tracks phase completions per status
	PhaseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpulse_phase_outcomes_total",
			Help: "Phase terminal statuses recorded by the runner",
		},
		[]string{"phase", "status"},
	)

	// StageDuration tracks how long each stage takes
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketpulse_stage_duration_seconds",
			Help:    "Stage execution time in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// PersistErrors counts failed run store writes
	PersistErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpulse_persist_errors_total",
			Help: "Run store writes that failed and were skipped",
		},
		[]string{"operation"},
	)

	// JobsInFlight tracks jobs currently executing
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketpulse_jobs_in_flight",
			Help: "Number of analysis jobs currently executing",
		},
	)

	// JobsTotal counts finished jobs per result
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpulse_jobs_total",
			Help: "Finished analysis jobs by result",
		},
		[]string{"result"},
	)

	// DBConnectionPoolUsage tracks the percentage of used connections in the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketpulse_db_connection_pool_usage_percent",
			Help: "Percentage of database connection pool in use",
		},
	)
)
