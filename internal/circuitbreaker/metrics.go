package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_circuit_breaker_state",
			Help: "Current state of a provider circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_circuit_breaker_state_changes_total",
			Help: "Provider circuit breaker state transitions",
		},
		[]string{"provider", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the breaker entered open state (0 if not open)",
		},
		[]string{"provider"},
	)
)

func recordStateChange(provider string, from, to State) {
	breakerStateChanges.WithLabelValues(provider, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(provider).Set(float64(to))

	if to == StateOpen {
		breakerOpenSince.WithLabelValues(provider).SetToCurrentTime()
	} else if from == StateOpen {
		breakerOpenSince.WithLabelValues(provider).Set(0)
	}
}
