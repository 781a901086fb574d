// Package metrics exposes the engine's Prometheus instrumentation: counters
// and histograms scraped over /metrics, replacing ad hoc in-process stats
// with a real exported surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_executions_total",
		Help: "Total number of Execution Pipeline runs by terminal status.",
	}, []string{"status"})

	ExecutionLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_execution_latency_seconds",
		Help:    "End-to-end latency of a landed or failed execution pipeline run.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	RealizedProfitLamports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_realized_profit_lamports_total",
		Help: "Cumulative realized profit across landed executions, in lamports.",
	})

	PositionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_positions_open",
		Help: "Current count of open (or pending-exit) positions.",
	})

	ExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_exits_total",
		Help: "Total number of exits by reason and outcome.",
	}, []string{"reason", "outcome"})

	ExitSlippageBps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_exit_slippage_bps",
		Help:    "Distribution of the profit-aware slippage tolerance used on exits.",
		Buckets: prometheus.LinearBuckets(150, 100, 12),
	})

	ExitRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_exit_retries_total",
		Help: "Total exit retry attempts, labeled by whether emergency slippage was used.",
	}, []string{"emergency"})

	CopiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_copies_total",
		Help: "Total copy-execution attempts by outcome.",
	}, []string{"outcome"})

	EventBusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_event_bus_dropped_total",
		Help: "Total events dropped because a subscriber's channel was full.",
	})
)
