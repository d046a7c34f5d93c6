package service

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "airline"

// Metrics holds the collectors shared by the reconciliation components.
type Metrics struct {
	LockAcquisitions *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	GatewayCalls     *prometheus.CounterVec
	GatewayLatency   prometheus.Histogram
	SweepRuns        *prometheus.CounterVec
	SweepDuration    *prometheus.HistogramVec
	SweepOrders      *prometheus.CounterVec
	StuckOrders      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lock_acquisitions_total",
			Help:      "Lock acquisition attempts by scope (order, job) and result.",
		}, []string{"scope", "result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transitions_total",
			Help:      "Transition requests by event and result.",
		}, []string{"event", "result"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_calls_total",
			Help:      "Ticket issuance calls by outcome.",
		}, []string{"outcome"}),
		GatewayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency of ticket issuance calls.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 3, 5, 8, 10},
		}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_runs_total",
			Help:      "Scheduled job invocations by job and result (ran, skipped, failed).",
		}, []string{"job", "result"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of job runs that acquired their lock.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		SweepOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_orders_total",
			Help:      "Candidate orders processed by sweeps, by job and result.",
		}, []string{"job", "result"}),
		StuckOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stuck_orders",
			Help:      "Orders found in TICKETING_IN_PROGRESS beyond the stuck threshold on the last detection run.",
		}),
	}

	reg.MustRegister(
		m.LockAcquisitions,
		m.Transitions,
		m.GatewayCalls,
		m.GatewayLatency,
		m.SweepRuns,
		m.SweepDuration,
		m.SweepOrders,
		m.StuckOrders,
	)
	return m
}

func lockScope(name string) string {
	if strings.HasPrefix(name, "order:") {
		return "order"
	}
	return "job"
}
