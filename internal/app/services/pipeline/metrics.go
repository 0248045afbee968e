package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks pipeline activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Passes        prometheus.Counter
	PassFailures  prometheus.Counter
	TicksSkipped  prometheus.Counter
	PassDuration  prometheus.Histogram
	PoolsBuilt    prometheus.Counter
	PoolsLocked   prometheus.Counter
	PoolsComplete prometheus.Counter
	PoolsFailed   prometheus.Counter
	PoolsRecover  prometheus.Counter
	OrdersClaimed prometheus.Counter
	OrdersSettled prometheus.Counter
	OrdersFailed  prometheus.Counter
}

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Passes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_passes_total",
			Help: "Number of orchestration passes executed.",
		}),
		PassFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_pass_failures_total",
			Help: "Number of orchestration passes that reported an error.",
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_ticks_skipped_total",
			Help: "Number of scheduler ticks skipped because the run lock was held.",
		}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "poolflow_pass_duration_seconds",
			Help:    "Duration of orchestration passes.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		PoolsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_pools_built_total",
			Help: "Number of pools created by the builder.",
		}),
		PoolsLocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_pools_locked_total",
			Help: "Number of pools locked for processing.",
		}),
		PoolsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_pools_completed_total",
			Help: "Number of pools completed.",
		}),
		PoolsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_pools_failed_total",
			Help: "Number of pools marked failed.",
		}),
		PoolsRecover: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_pools_recovered_total",
			Help: "Number of stale processing pools recovered.",
		}),
		OrdersClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_orders_claimed_total",
			Help: "Number of orders assigned into pools.",
		}),
		OrdersSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_orders_settled_total",
			Help: "Number of orders settled.",
		}),
		OrdersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolflow_orders_failed_total",
			Help: "Number of orders marked failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Passes, m.PassFailures, m.TicksSkipped, m.PassDuration,
			m.PoolsBuilt, m.PoolsLocked, m.PoolsComplete, m.PoolsFailed, m.PoolsRecover,
			m.OrdersClaimed, m.OrdersSettled, m.OrdersFailed,
		)
	}
	return m
}
