// Package metrics provides Prometheus instrumentation for the trading
// loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"tempedge/pkg/types"
)

// Metrics collects the agent's Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	StepErrors    *prometheus.CounterVec

	DecisionsTotal *prometheus.CounterVec
	TradesTotal    *prometheus.CounterVec
	TradeSize      prometheus.Histogram
	EdgeTaken      prometheus.Histogram

	BankrollCommitted *prometheus.GaugeVec
}

// New creates and registers the metric set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempedge_cycles_total",
				Help: "Engine cycles completed",
			},
			[]string{"status"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tempedge_cycle_duration_seconds",
				Help:    "Wall time of one full engine cycle",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~400s
			},
		),
		StepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempedge_step_errors_total",
				Help: "Contained per-step failures",
			},
			[]string{"step", "station"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempedge_decisions_total",
				Help: "Sizing decisions by cap reason",
			},
			[]string{"station", "reason"},
		),
		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempedge_paper_trades_total",
				Help: "Paper trades appended to the ledger",
			},
			[]string{"station"},
		),
		TradeSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tempedge_paper_trade_size_usd",
				Help:    "Paper trade size in USD",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		EdgeTaken: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tempedge_edge_taken",
				Help:    "Net edge of placed trades",
				Buckets: prometheus.LinearBuckets(0, 0.05, 11), // 0 to 0.5
			},
		),

		BankrollCommitted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tempedge_bankroll_committed_usd",
				Help: "USD committed against an event day",
			},
			[]string{"event_day"},
		),
	}

	m.registry.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.StepErrors,
		m.DecisionsTotal,
		m.TradesTotal,
		m.TradeSize,
		m.EdgeTaken,
		m.BankrollCommitted,
	)
	return m
}

// Registry returns the prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCycle records a completed cycle.
func (m *Metrics) RecordCycle(status string, durationSec float64) {
	m.CyclesTotal.WithLabelValues(status).Inc()
	m.CycleDuration.Observe(durationSec)
}

// RecordStepError records one contained step failure.
func (m *Metrics) RecordStepError(step, station string) {
	m.StepErrors.WithLabelValues(step, station).Inc()
}

// RecordDecisions records a sizing batch and the placed trades.
func (m *Metrics) RecordDecisions(station string, decisions []types.Decision) {
	for _, d := range decisions {
		m.DecisionsTotal.WithLabelValues(station, string(d.Reason)).Inc()
		m.TradesTotal.WithLabelValues(station).Inc()
		m.TradeSize.Observe(d.Size)
		m.EdgeTaken.Observe(d.Edge)
	}
}

// SetCommitted publishes the day's committed bankroll.
func (m *Metrics) SetCommitted(day types.Day, usd float64) {
	m.BankrollCommitted.WithLabelValues(day.String()).Set(usd)
}
