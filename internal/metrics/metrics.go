// Package metrics exposes the Prometheus counters and histograms SPEC_FULL.md
// §11 calls for: dispatch batch size, evaluator verdicts, watchdog
// reclamations, and reoptimize triggers, served on /metrics alongside the
// admin surface (SPEC_FULL.md §6.6).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "optorch"

// DispatchBatchSize tracks how many Tasks the Scheduler's dispatch phase sent
// to the Broker in one tick (SPEC_FULL.md §4.5).
var DispatchBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "dispatch_batch_size",
	Help:      "Number of tasks dispatched to the broker per scheduler tick.",
	Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
})

// EvaluatorVerdicts tracks the Evaluator's per-task outcome
// (SPEC_FULL.md §4.3), labelled SUCCESS, PARTIAL or NONE.
var EvaluatorVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "evaluator_verdicts_total",
	Help:      "Total evaluator verdicts by outcome.",
}, []string{"verdict"})

// WatchdogReclamations tracks stuck/orphaned tasks the Watchdog recovered
// (SPEC_FULL.md §4.7), split by outcome (retried vs failed).
var WatchdogReclamations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "watchdog_reclamations_total",
	Help:      "Total tasks reclaimed by the watchdog, by outcome.",
}, []string{"outcome"})

// ReoptimizeTriggers tracks Auto-Reoptimizer passes (SPEC_FULL.md §4.8), split
// by trigger kind (auto vs manual).
var ReoptimizeTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "reoptimize_triggers_total",
	Help:      "Total auto-reoptimize passes started, by trigger.",
}, []string{"trigger"})

// FineTuneSpawns tracks fine-tune child tasks created (SPEC_FULL.md §4.6).
var FineTuneSpawns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "fine_tune_spawns_total",
	Help:      "Total fine-tune child tasks spawned.",
})

// QueueDepth mirrors the Broker's main-queue depth the Auto-Reoptimizer gates
// on, sampled once per scheduler tick.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "broker_queue_depth",
	Help:      "Current depth of the broker main queue.",
})
