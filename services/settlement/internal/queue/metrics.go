package queue

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobsRecovered prometheus.Counter
	JobsPurged    prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_jobs_processed_total",
				Help: "Async jobs processed by result.",
			},
			[]string{"type", "result"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_job_duration_seconds",
				Help:    "Async job handler duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		JobsRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_jobs_recovered_total",
				Help: "Jobs released after their worker lease expired.",
			},
		),
		JobsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_jobs_purged_total",
				Help: "Completed jobs deleted after the retention window.",
			},
		),
	}

	registry.MustRegister(m.JobsProcessed, m.JobDuration, m.JobsRecovered, m.JobsPurged)
	return m
}
