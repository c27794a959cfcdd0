package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OrderSubmissions    *prometheus.CounterVec
	RoutingLatency      *prometheus.HistogramVec
	FillsExecuted       *prometheus.CounterVec
	OrderCancellations  *prometheus.CounterVec
	CurveTrades         *prometheus.CounterVec
	TokenGraduations    prometheus.Counter
	SettlementsEnqueued prometheus.Counter
	BreakerTripped      prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrderSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_order_submissions_total",
				Help: "Total order submission attempts.",
			},
			[]string{"status"},
		),
		RoutingLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_order_routing_seconds",
				Help:    "End to end routing latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		FillsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_fills_executed_total",
				Help: "Total fills by execution venue.",
			},
			[]string{"venue"},
		),
		OrderCancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_order_cancellations_total",
				Help: "Total order cancellation attempts.",
			},
			[]string{"status"},
		),
		CurveTrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_curve_trades_total",
				Help: "Total bonding curve trades.",
			},
			[]string{"side", "status"},
		),
		TokenGraduations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_token_graduations_total",
				Help: "Total tokens graduated from curve to AMM.",
			},
		),
		SettlementsEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_settlements_enqueued_total",
				Help: "Total settlement jobs enqueued for book fills.",
			},
		),
		BreakerTripped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "exchange_breaker_tripped",
				Help: "1 while the circuit breaker halts trading, 0 otherwise.",
			},
		),
	}

	registry.MustRegister(
		m.OrderSubmissions,
		m.RoutingLatency,
		m.FillsExecuted,
		m.OrderCancellations,
		m.CurveTrades,
		m.TokenGraduations,
		m.SettlementsEnqueued,
		m.BreakerTripped,
	)
	return m
}
