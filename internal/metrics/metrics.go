// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

// Package metrics holds the Prometheus collectors for Sharewatch.
//
// Collectors are registered on the default registry through promauto and are
// exposed at GET /metrics. Callers use the Record* helpers rather than
// touching the vectors directly so label sets stay consistent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poll orchestrator
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_poll_cycles_total",
			Help: "Total number of poll cycles by result",
		},
		[]string{"result"}, // "success", "partial", "skipped"
	)

	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sharewatch_poll_cycle_duration_seconds",
			Help:    "Duration of a full poll cycle in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	PollServerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_poll_server_errors_total",
			Help: "Total number of per-server poll failures",
		},
		[]string{"server_id"},
	)

	SessionsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_sessions_observed_total",
			Help: "Total number of session lifecycle transitions",
		},
		[]string{"transition"}, // "started", "updated", "stopped", "swept"
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharewatch_active_sessions",
			Help: "Number of sessions active after the last poll cycle",
		},
	)

	// Detection and violation pipeline
	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_rule_matches_total",
			Help: "Total number of rule matches",
		},
		[]string{"rule_id"},
	)

	Violations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_violations_total",
			Help: "Total number of violation pipeline outcomes",
		},
		[]string{"severity", "outcome"}, // outcome: "created", "duplicate", "error"
	)

	SideEffects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_side_effects_total",
			Help: "Total number of post-commit side effects",
		},
		[]string{"action", "result"},
	)

	// Inactivity scheduler
	InactivityJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_inactivity_jobs_total",
			Help: "Total number of inactivity check job attempts",
		},
		[]string{"result"}, // "success", "retry", "failed"
	)

	// Circuit breakers
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sharewatch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Event bus
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"event_type", "result"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharewatch_websocket_connections",
			Help: "Current number of websocket clients",
		},
	)

	// Database
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharewatch_db_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_db_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation"},
	)

	// API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharewatch_api_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharewatch_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharewatch_api_active_requests",
			Help: "Current number of in-flight admin API requests",
		},
	)
)

// RecordPollCycle records the outcome and duration of one poll cycle.
func RecordPollCycle(result string, duration time.Duration) {
	PollCycles.WithLabelValues(result).Inc()
	PollCycleDuration.Observe(duration.Seconds())
}

// RecordPollServerError counts a failed server within a cycle.
func RecordPollServerError(serverID string) {
	PollServerErrors.WithLabelValues(serverID).Inc()
}

// RecordSessionTransition counts one session lifecycle transition.
func RecordSessionTransition(transition string) {
	SessionsObserved.WithLabelValues(transition).Inc()
}

// RecordRuleMatch counts a matched rule.
func RecordRuleMatch(ruleID string) {
	RuleMatches.WithLabelValues(ruleID).Inc()
}

// RecordViolation records a pipeline outcome for the given severity.
func RecordViolation(severity, outcome string) {
	if severity == "" {
		severity = "none"
	}
	Violations.WithLabelValues(severity, outcome).Inc()
}

// RecordSideEffect records a post-commit action result.
func RecordSideEffect(action string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	SideEffects.WithLabelValues(action, result).Inc()
}

// RecordInactivityJob records an inactivity job attempt result.
func RecordInactivityJob(result string) {
	InactivityJobs.WithLabelValues(result).Inc()
}

// RecordCircuitBreakerTransition updates the state gauge and transition counter.
// State values follow gobreaker: 0 closed, 1 half-open, 2 open.
func RecordCircuitBreakerTransition(name, from, to string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordEventPublished records a bus publish attempt.
func RecordEventPublished(eventType string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	EventsPublished.WithLabelValues(eventType, result).Inc()
}

// RecordDBQuery records a database query metric.
func RecordDBQuery(operation string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation).Inc()
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the in-flight request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
