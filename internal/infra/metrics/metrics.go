// Package metrics provides Prometheus metrics for cellforge:
// counters, gauges and histograms for simulations, restarts and training.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Simulation ─────────────────────────────────────────────────────────────

// SimulationsTotal counts completed simulation attempts by backend variant.
var SimulationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cellforge",
	Name:      "simulations_total",
	Help:      "Total simulation attempts.",
}, []string{"backend"})

// SimulationFailures counts failed simulation attempts by reason.
var SimulationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cellforge",
	Name:      "simulation_failures_total",
	Help:      "Total failed simulation attempts.",
}, []string{"reason"})

// SimulationLatency tracks wall-clock duration of one simulation attempt.
var SimulationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "cellforge",
	Name:      "simulation_latency_seconds",
	Help:      "Simulation attempt duration in seconds.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
})

// BackendRestarts counts backend teardown/rebuild cycles.
var BackendRestarts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "cellforge",
	Name:      "backend_restarts_total",
	Help:      "Total backend restarts triggered by retryable failures.",
})

// TasksFatal counts tasks that exhausted their restart budget.
var TasksFatal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "cellforge",
	Name:      "tasks_fatal_total",
	Help:      "Total tasks that ended in a fatal failure.",
})

// ─── Training ───────────────────────────────────────────────────────────────

// TrainingSteps counts environment steps taken by the optimizer.
var TrainingSteps = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "cellforge",
	Name:      "training_steps_total",
	Help:      "Total training environment steps.",
})

// BestReward tracks the best reward seen so far in the current run.
var BestReward = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "cellforge",
	Name:      "best_reward",
	Help:      "Best reward observed in the current run.",
})
