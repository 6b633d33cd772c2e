// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/events"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Research metrics
	BacktestsTotal       *prometheus.CounterVec
	BacktestDuration     *prometheus.HistogramVec
	GridCombinations     prometheus.Counter
	OptimizationDuration prometheus.Histogram

	// Live metrics
	TicksReceived    prometheus.Counter
	TicksDropped     prometheus.Counter
	BarsCommitted    prometheus.Counter
	BackfillAttempts prometheus.Counter
	OrdersSubmitted  *prometheus.CounterVec
	OrdersFailed     *prometheus.CounterVec
	Position         prometheus.Gauge
	RealizedPL       prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "signal_trader"
	}
	factory := promauto.With(reg)

	return &Metrics{
		BacktestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_total",
			Help:      "Total number of backtest runs by strategy and status",
		}, []string{"strategy", "status"}),
		BacktestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "duration_seconds",
			Help:      "Duration of a single backtest run",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"strategy"}),
		GridCombinations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "combinations_evaluated_total",
			Help:      "Total number of parameter combinations evaluated",
		}),
		OptimizationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "duration_seconds",
			Help:      "Duration of a full grid search",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),

		TicksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "ticks_received_total",
			Help:      "Total number of ticks received from the stream",
		}),
		TicksDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "ticks_dropped_total",
			Help:      "Total number of out-of-order or duplicate ticks dropped",
		}),
		BarsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "bars_committed_total",
			Help:      "Total number of bars closed by the aggregator",
		}),
		BackfillAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "backfill_attempts_total",
			Help:      "Total number of historical backfill fetches",
		}),
		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "orders_submitted_total",
			Help:      "Total number of filled orders by transition label",
		}, []string{"label"}),
		OrdersFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "orders_failed_total",
			Help:      "Total number of rejected or failed orders by transition label",
		}, []string{"label"}),
		Position: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "position",
			Help:      "Current position: -1 short, 0 flat, 1 long",
		}),
		RealizedPL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "realized_pl",
			Help:      "Cumulative realized profit and loss of the session",
		}),
	}
}

// Handler returns an HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordBacktest records one backtest run.
func (m *Metrics) RecordBacktest(strategy string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.BacktestsTotal.WithLabelValues(strategy, status).Inc()
	m.BacktestDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordOptimization records a finished grid search.
func (m *Metrics) RecordOptimization(combinations int, d time.Duration) {
	if m == nil {
		return
	}
	m.GridCombinations.Add(float64(combinations))
	m.OptimizationDuration.Observe(d.Seconds())
}

// RecordTick counts a received tick.
func (m *Metrics) RecordTick(dropped bool) {
	if m == nil {
		return
	}
	m.TicksReceived.Inc()
	if dropped {
		m.TicksDropped.Inc()
	}
}

// RecordBars counts newly committed bars.
func (m *Metrics) RecordBars(n int) {
	if m == nil || n == 0 {
		return
	}
	m.BarsCommitted.Add(float64(n))
}

// RecordBackfillAttempt counts one backfill fetch.
func (m *Metrics) RecordBackfillAttempt() {
	if m == nil {
		return
	}
	m.BackfillAttempts.Inc()
}

// RecordOrderFailure counts a failed order for a transition.
func (m *Metrics) RecordOrderFailure(tr types.Transition) {
	if m == nil {
		return
	}
	m.OrdersFailed.WithLabelValues(tr.Label()).Inc()
}

// SetPosition updates the position gauge.
func (m *Metrics) SetPosition(p types.Position) {
	if m == nil {
		return
	}
	m.Position.Set(p.Float())
}

// Report implements events.Reporter.
func (m *Metrics) Report(_ context.Context, ev events.TradeEvent) {
	if m == nil {
		return
	}
	m.OrdersSubmitted.WithLabelValues(ev.Label).Inc()
	m.Position.Set(ev.Transition.To.Float())
	pl, _ := ev.CumulativePL.Float64()
	m.RealizedPL.Set(pl)
}
