package feed

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "perpfeed"

// Metrics holds the ingestion counters. A nil *Metrics is valid and records
// nothing, so wiring a registry stays optional.
type Metrics struct {
	cycles        *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	markets       prometheus.Gauge
	cycleDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycles_total",
			Help:      "Completed ingestion cycles by result source.",
		}, []string{"source"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "instruments_skipped_total",
			Help:      "Instruments dropped from a cycle by reason.",
		}, []string{"reason"}),
		markets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "markets",
			Help:      "Markets in the most recent snapshot.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one ingestion cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	reg.MustRegister(m.cycles, m.skipped, m.markets, m.cycleDuration)
	return m
}

func (m *Metrics) observeCycle(source Source, markets int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(string(source)).Inc()
	m.markets.Set(float64(markets))
	m.cycleDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeSkip(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}
