// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlanBuilds counts completed plan computations.
	PlanBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irrigation_plan_builds_total",
		Help: "Number of irrigation plans computed.",
	})

	// ScenarioRuns counts scenario-generation passes.
	ScenarioRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irrigation_scenario_runs_total",
		Help: "Number of multi-pump scenario generations.",
	})

	// Regenerations counts plan regenerations by trigger.
	Regenerations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_regenerations_total",
		Help: "Number of plan regenerations.",
	}, []string{"trigger"})

	// CacheHits and CacheMisses track the result cache.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irrigation_cache_hits_total",
		Help: "Result cache hits.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irrigation_cache_misses_total",
		Help: "Result cache misses.",
	})

	// ExecutionTicks counts execution-loop wakeups.
	ExecutionTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irrigation_execution_ticks_total",
		Help: "Execution controller refresh ticks.",
	})

	// RefreshErrors counts failed water-level refreshes; these are
	// retried on the next tick.
	RefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irrigation_waterlevel_refresh_errors_total",
		Help: "Water level refresh failures.",
	})

	// ActiveExecutions tracks executions not yet terminal.
	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "irrigation_active_executions",
		Help: "Executions currently pending, running or paused.",
	})
)
