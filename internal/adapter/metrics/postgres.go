package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PostgresMetrics implements the postgres adapter's QueryObserver.
type PostgresMetrics struct {
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

func NewPostgresMetrics(reg prometheus.Registerer) *PostgresMetrics {
	m := &PostgresMetrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query latency by SQL operation.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		QueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_errors_total",
			Help:      "Failed database queries by SQL operation.",
		}, []string{"operation"}),
	}

	reg.MustRegister(m.QueryDuration, m.QueryErrors)
	return m
}

func (m *PostgresMetrics) DBQuery(operation string, duration time.Duration, err error) {
	m.QueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.QueryErrors.WithLabelValues(operation).Inc()
	}
}
