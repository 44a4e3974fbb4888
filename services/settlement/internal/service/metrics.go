package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OrderSubmissions   *prometheus.CounterVec
	Rejections         *prometheus.CounterVec
	TradesExecuted     *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	GateWait           prometheus.Histogram
	BookDepth          *prometheus.GaugeVec
	StopTriggers       *prometheus.CounterVec
	BookRebuilds       *prometheus.CounterVec
	PriceTicks         *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrderSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_order_submissions_total",
				Help: "Order submissions by outcome.",
			},
			[]string{"symbol", "type", "status"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_rejections_total",
				Help: "Rejected order operations by reason.",
			},
			[]string{"kind"},
		),
		TradesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_trades_total",
				Help: "Executed trades.",
			},
			[]string{"symbol"},
		),
		SettlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_operation_duration_seconds",
				Help:    "Settlement operation duration in seconds, gate wait included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		GateWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_gate_wait_seconds",
				Help:    "Time spent waiting for a symbol gate.",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		BookDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settlement_orderbook_orders",
				Help: "Resting orders per book side.",
			},
			[]string{"symbol", "side"},
		),
		StopTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_stop_triggers_total",
				Help: "Triggered stop orders by outcome.",
			},
			[]string{"symbol", "result"},
		),
		BookRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_orderbook_rebuilds_total",
				Help: "Order books dropped for rebuild, by reason.",
			},
			[]string{"reason"},
		),
		PriceTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_price_ticks_total",
				Help: "Consumed price ticks by outcome.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(m.OrderSubmissions, m.Rejections, m.TradesExecuted, m.SettlementDuration,
		m.GateWait, m.BookDepth, m.StopTriggers, m.BookRebuilds, m.PriceTicks)
	return m
}
