package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "forgesim"
	metricsSubsystem = "store"
)

type storeMetrics struct {
	transactions *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	m := &storeMetrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transactions_total",
			Help:      "Total number of store transactions by operation, mode and outcome.",
		}, []string{"op", "mode", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transaction_duration_seconds",
			Help:      "Time spent inside store transactions, lock wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"op", "mode"}),
	}
	if reg != nil {
		reg.MustRegister(m.transactions, m.duration)
	}
	return m
}

func (m *storeMetrics) observe(op, mode string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.transactions.WithLabelValues(op, mode, outcome).Inc()
	m.duration.WithLabelValues(op, mode).Observe(elapsed.Seconds())
}
