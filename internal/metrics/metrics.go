// Package metrics exposes the matching engine's Prometheus counters and
// histograms. Grounded on the teacher's internal/compliance/monitoring.
// PrometheusMetrics (a struct of pre-registered CounterVec/HistogramVec
// fields built with promauto), narrowed to the three signals
// matching.Metrics drives: order admission, trade execution, and
// settlement latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Recorder implements matching.Metrics.
type Recorder struct {
	ordersAdmitted    *prometheus.CounterVec
	tradesExecuted    *prometheus.CounterVec
	tradeVolume       *prometheus.CounterVec
	settlementLatency *prometheus.HistogramVec
}

// New registers the matching engine's metrics against reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry, or a fresh
// prometheus.NewRegistry() in tests to avoid duplicate-registration
// panics across test cases.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		ordersAdmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orbitcex",
				Subsystem: "matching",
				Name:      "orders_admitted_total",
				Help:      "Total orders admitted into a market's engine",
			},
			[]string{"market", "kind"},
		),
		tradesExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orbitcex",
				Subsystem: "matching",
				Name:      "trades_executed_total",
				Help:      "Total trades executed per market",
			},
			[]string{"market"},
		),
		tradeVolume: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orbitcex",
				Subsystem: "matching",
				Name:      "trade_volume_base_total",
				Help:      "Cumulative traded base-asset amount per market",
			},
			[]string{"market"},
		),
		settlementLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "orbitcex",
				Subsystem: "matching",
				Name:      "settlement_latency_seconds",
				Help:      "Time from trade match to ledger settlement completion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"market"},
		),
	}
}

func (r *Recorder) OrderAdmitted(market, kind string) {
	r.ordersAdmitted.WithLabelValues(market, kind).Inc()
}

func (r *Recorder) TradeExecuted(market string, amount decimal.Decimal) {
	r.tradesExecuted.WithLabelValues(market).Inc()
	f, _ := amount.Float64()
	r.tradeVolume.WithLabelValues(market).Add(f)
}

func (r *Recorder) SettlementLatency(market string, d time.Duration) {
	r.settlementLatency.WithLabelValues(market).Observe(d.Seconds())
}
