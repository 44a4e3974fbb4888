package fee

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements RefreshMetrics.
type Metrics struct {
	RefreshDuration prometheus.Histogram
	RefreshErrors   prometheus.Counter
	LastRefresh     prometheus.Gauge
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_fee_schedule_refresh_duration_seconds",
				Help:    "Fee schedule refresh duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		RefreshErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_fee_schedule_refresh_errors_total",
				Help: "Failed fee schedule refreshes.",
			},
		),
		LastRefresh: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "settlement_fee_schedule_last_refresh_timestamp_seconds",
				Help: "Unix time of the last successful fee schedule load.",
			},
		),
	}

	registry.MustRegister(m.RefreshDuration, m.RefreshErrors, m.LastRefresh)
	return m
}

func (m *Metrics) ObserveRefresh(d time.Duration) {
	m.RefreshDuration.Observe(d.Seconds())
	m.LastRefresh.SetToCurrentTime()
}

func (m *Metrics) IncRefreshError() {
	m.RefreshErrors.Inc()
}
