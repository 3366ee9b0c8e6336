package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var breakerStates = []string{"closed", "half_open", "open"}

// RedisMetrics implements the redis adapter's CommandObserver and
// BreakerObserver.
type RedisMetrics struct {
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec
	BreakerChanges  *prometheus.CounterVec
}

func NewRedisMetrics(reg prometheus.Registerer) *RedisMetrics {
	m := &RedisMetrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "commands_total",
			Help:      "Redis commands by name and status.",
		}, []string{"operation", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "command_duration_seconds",
			Help:      "Redis command latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"operation"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "1 for the current breaker state, 0 for the others.",
		}, []string{"component", "state"}),
		BreakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state_changes_total",
			Help:      "Breaker transitions by target state.",
		}, []string{"component", "state"}),
	}

	reg.MustRegister(m.Commands, m.CommandDuration, m.BreakerState, m.BreakerChanges)
	return m
}

func (m *RedisMetrics) RedisCommand(operation, status string, duration time.Duration) {
	m.Commands.WithLabelValues(operation, status).Inc()
	m.CommandDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *RedisMetrics) BreakerStateChanged(component, state string) {
	m.BreakerChanges.WithLabelValues(component, state).Inc()
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.BreakerState.WithLabelValues(component, s).Set(v)
	}
}
