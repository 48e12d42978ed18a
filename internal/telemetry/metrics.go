// Package telemetry exposes Prometheus instrumentation for the order and
// backtest flow.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantkit/tradeledger/pkg/types"
)

// Metrics holds the collectors for the ledger and backtest engines. It
// implements the order service's observer interface.
type Metrics struct {
	ordersCreated   *prometheus.CounterVec
	ordersTerminal  *prometheus.CounterVec
	orderFillVolume *prometheus.CounterVec
	backtestRuns    *prometheus.CounterVec
	backtestSeconds prometheus.Histogram
}

// New creates and registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeledger",
			Name:      "orders_created_total",
			Help:      "Orders created, by side.",
		}, []string{"side"}),
		ordersTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeledger",
			Name:      "orders_terminal_total",
			Help:      "Orders reaching a terminal status.",
		}, []string{"status"}),
		orderFillVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeledger",
			Name:      "order_fill_volume",
			Help:      "Cumulative filled volume in trading-symbol units, by side.",
		}, []string{"side"}),
		backtestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeledger",
			Name:      "backtest_runs_total",
			Help:      "Completed backtest runs, by outcome.",
		}, []string{"outcome"}),
		backtestSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradeledger",
			Name:      "backtest_duration_seconds",
			Help:      "Wall time of a single backtest run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	reg.MustRegister(
		m.ordersCreated,
		m.ordersTerminal,
		m.orderFillVolume,
		m.backtestRuns,
		m.backtestSeconds,
	)
	return m
}

// OrderCreated records a newly created order.
func (m *Metrics) OrderCreated(order types.Order) {
	m.ordersCreated.WithLabelValues(string(order.Side)).Inc()
}

// OrderUpdated records terminal transitions and their filled value.
func (m *Metrics) OrderUpdated(order types.Order) {
	if !order.Status.IsTerminal() {
		return
	}
	m.ordersTerminal.WithLabelValues(string(order.Status)).Inc()
	if v, _ := order.Filled.Mul(order.Price).Float64(); v > 0 {
		m.orderFillVolume.WithLabelValues(string(order.Side)).Add(v)
	}
}

// BacktestCompleted records one finished run.
func (m *Metrics) BacktestCompleted(outcome string, elapsed time.Duration) {
	m.backtestRuns.WithLabelValues(outcome).Inc()
	m.backtestSeconds.Observe(elapsed.Seconds())
}
