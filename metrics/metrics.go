// Package metrics holds the prometheus collectors for the client core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashchat_refresh_total",
			Help: "Refresh-token network exchanges by outcome",
		},
		[]string{"outcome"},
	)

	AuthRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashchat_auth_retry_total",
			Help: "Requests re-issued after an authorization failure, by outcome",
		},
		[]string{"outcome"},
	)

	RealtimeState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashchat_realtime_state",
			Help: "Realtime connection state (0=disconnected, 1=connecting, 2=connected, 3=degraded)",
		},
	)

	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dashchat_realtime_reconnects_total",
			Help: "Automatic realtime reconnect attempts",
		},
	)

	PollTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashchat_poll_total",
			Help: "Fallback history polls by outcome",
		},
		[]string{"outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dashchat_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeStale   = "stale"
)
