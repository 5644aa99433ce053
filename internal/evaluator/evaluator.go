// Package evaluator implements the pure Evaluator (spec.md §4.3): a function
// from a Task's accumulated Metrics to one of SUCCESS, PARTIAL, or NONE. It
// holds no state and performs no I/O; the Scheduler is the only caller and is
// responsible for persisting whatever status transition the verdict implies.
//
// Grounded on the single-pass, no-side-effect shape of
// internal/jobs/orchestrator/job_orchestrator.go's pure helper functions.
package evaluator

import "github.com/ternarybob/optorch/internal/models"

// Verdict is the terminal outcome of evaluating a Task's Metrics against the
// configured thresholds.
type Verdict string

const (
	VerdictSuccess Verdict = "SUCCESS"
	VerdictPartial Verdict = "PARTIAL"
	VerdictNone    Verdict = "NONE"
)

// Evaluate applies spec.md §4.3 over every Metric belonging to a Task: a
// metric whose score and distance both clear their thresholds in the same
// row yields SUCCESS outright; one clearing either threshold (on its own, or
// combined across distinct metrics) downgrades the verdict to PARTIAL;
// otherwise NONE. Distance and Score are plain float64 fields with no absent
// state: a value a worker did not report reads as zero and is compared against
// the thresholds like any other value.
func Evaluate(metrics []*models.Metric, distanceThreshold, scoreThreshold float64) Verdict {
	sawPartial := false

	for _, m := range metrics {
		scoreOK := m.Score >= scoreThreshold
		distanceOK := m.Distance <= distanceThreshold

		if scoreOK && distanceOK {
			return VerdictSuccess
		}
		if scoreOK || distanceOK {
			sawPartial = true
		}
	}

	if sawPartial {
		return VerdictPartial
	}
	return VerdictNone
}
