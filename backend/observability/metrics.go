package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Rate Limiter ===

	// RateLimitDecisions tracks admission decisions per scope.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_ratelimit_decisions_total",
		Help: "Total number of rate-limit admission decisions",
	}, []string{"scope", "decision"}) // decision: allowed, denied

	// RateLimitFailOpen tracks admissions granted because the shared store was down.
	// Deliberate trade: availability over quota precision.
	RateLimitFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "domo_ratelimit_fail_open_total",
		Help: "Admissions granted while the shared rate-limit store was unreachable",
	})

	// RedisLatency tracks roundtrip latency of the keyed store.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "domo_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// === Circuit Breaker ===

	// BreakerState tracks per-dependency breaker state (0=closed, 1=half_open, 2=open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "domo_breaker_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
	}, []string{"dependency"})

	// BreakerTransitions tracks breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions",
	}, []string{"dependency", "to"})

	// BreakerRejections tracks calls short-circuited while the breaker was open.
	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_breaker_rejections_total",
		Help: "Calls rejected without execution because the circuit was open",
	}, []string{"dependency"})

	// === Credentials ===

	// AuthDecisions tracks service authentication outcomes.
	AuthDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_auth_decisions_total",
		Help: "Service credential validation outcomes",
	}, []string{"service", "outcome"}) // outcome: ok, invalid_key, revoked, unknown_service, store_error

	// CredentialRevocations tracks revoke/restore admin actions.
	CredentialRevocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_credential_revocations_total",
		Help: "Credential revoke/restore operations",
	}, []string{"service", "action"})

	// === Fallback Manager ===

	// FallbackExecutions tracks which strategy produced the result per operation.
	FallbackExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_fallback_executions_total",
		Help: "Fallback chain outcomes by operation and winning strategy",
	}, []string{"operation", "strategy"})

	// FallbackLatency tracks end-to-end fallback chain duration.
	FallbackLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "domo_fallback_duration_seconds",
		Help:    "Duration of fallback-managed operations",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
	}, []string{"operation"})

	// === Service Mode ===

	// ServiceModeGauge tracks the current process-wide service mode (1 = active).
	ServiceModeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "domo_service_mode",
		Help: "Current service mode (1 = active)",
	}, []string{"mode"})

	// ServiceModeChanges tracks mode transitions.
	ServiceModeChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_service_mode_changes_total",
		Help: "Total number of service-mode transitions",
	}, []string{"from", "to"})

	// === Request Number Allocator ===

	// RequestNumbersIssued tracks issued request numbers per date.
	RequestNumbersIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "domo_request_numbers_issued_total",
		Help: "Total number of request numbers issued",
	})

	// AllocatorExhausted tracks daily counter overflows (NNN > 999).
	AllocatorExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "domo_request_number_exhausted_total",
		Help: "Request-number allocations refused because the daily counter overflowed",
	})

	// === State Machine ===

	// StateTransitions tracks request status transitions.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_request_transitions_total",
		Help: "Request state machine transitions",
	}, []string{"from", "to"})

	// StateConflicts tracks optimistic-concurrency losers (stale_state).
	StateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "domo_request_transition_conflicts_total",
		Help: "Transitions lost to a concurrent writer (stale state)",
	})

	// IllegalTransitions tracks rejected transitions.
	IllegalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_request_illegal_transitions_total",
		Help: "Transitions rejected by the legality table",
	}, []string{"from", "to"})

	// === Dispatcher / Optimizers ===

	// DispatchDecisions tracks dispatcher outcomes.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_dispatch_decisions_total",
		Help: "Dispatcher decisions by mode and outcome",
	}, []string{"mode", "outcome"}) // outcome: assigned, suggested, below_confidence, no_candidates

	// DispatchDuration tracks single-dispatch latency.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "domo_dispatch_duration_seconds",
		Help:    "Duration of single-request dispatch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// OptimizerRuns tracks batch optimizer runs by algorithm.
	OptimizerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_optimizer_runs_total",
		Help: "Batch optimizer runs by algorithm",
	}, []string{"algorithm"})

	// OptimizerIterations tracks iterations consumed per run.
	OptimizerIterations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "domo_optimizer_iterations",
		Help:    "Iterations consumed per optimizer run",
		Buckets: prometheus.ExponentialBuckets(10, 2, 12),
	}, []string{"algorithm"})

	// OptimizerScore tracks the final objective value of batch runs.
	OptimizerScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "domo_optimizer_score",
		Help:    "Final objective score of batch optimizer runs",
		Buckets: prometheus.LinearBuckets(0, 5, 20),
	}, []string{"algorithm"})

	// PendingUnassigned tracks requests waiting for an executor.
	PendingUnassigned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "domo_pending_unassigned_requests",
		Help: "Current number of unassigned requests past the dispatch threshold",
	})

	// === Webhooks ===

	// WebhookEvents tracks ingested webhook events by source and outcome.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_webhook_events_total",
		Help: "Webhook events by source and outcome",
	}, []string{"source", "outcome"}) // outcome: completed, failed, retrying, replayed, invalid_signature

	// WebhookRetryDepth tracks how deep events go into the retry schedule.
	WebhookRetryDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "domo_webhook_retry_depth",
		Help:    "Retry attempt number reached by failing webhook events",
		Buckets: prometheus.LinearBuckets(1, 1, 6),
	}, []string{"source"})

	// WebhookProcessingSeconds tracks handler processing time.
	WebhookProcessingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "domo_webhook_processing_seconds",
		Help:    "Webhook handler processing duration",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"source"})

	// === API ===

	// APIRateLimited tracks API requests rejected by the limiter middleware.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_api_rate_limited_total",
		Help: "API requests rejected by the rate limiter",
	}, []string{"endpoint"})

	// EventPublishFailures tracks failed event publish attempts (best-effort bus).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domo_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type", "reason"})
)
