// Package priority implements the pure, swappable PriorityFn (spec.md §4.4).
// The hybrid formula it exposes by default is a function value
// (priority.Func), not a hardcoded call path, so an alternate scoring policy
// can be substituted at wiring time without touching the Scheduler — spec.md
// §9's open question "the original source encodes two distinct priority
// functions used inconsistently... an implementer may instead make the
// function pluggable" is resolved in favor of pluggability.
package priority

import (
	"math"
	"time"

	"github.com/ternarybob/optorch/internal/models"
)

const defaultBasePriority = 10.0

// Func scores a Task for dispatch ordering. Implementations must be pure:
// same inputs, same output, no I/O. bestDistance is the distance of the
// Metric referenced by task.BestMetricID, resolved by the caller; it is nil
// when the task has no best metric on record.
type Func func(task *models.Task, now time.Time, agingFactor float64, bestDistance *float64) float64

// Hybrid is the default PriorityFn (spec.md §4.4):
//
//	base = task.priority ?? 10
//	aging = AGING_FACTOR * age_min
//	if task.status == RETRYING:
//	    return base * 2^max(1, attempt_count) + aging
//	if task.step_name == "fine_tune" and best_distance(task) != null:
//	    return (1000 - floor(best_distance * 100)) + aging
//	return base + aging
//
// Higher is better; ties are broken by the caller sorting on task id
// ascending after scoring.
func Hybrid(task *models.Task, now time.Time, agingFactor float64, bestDistance *float64) float64 {
	base := task.Priority
	if base == 0 {
		base = defaultBasePriority
	}

	anchor := task.UpdatedAt
	if task.CreatedAt.After(anchor) {
		anchor = task.CreatedAt
	}
	ageMinutes := now.Sub(anchor).Minutes()
	if ageMinutes < 0 {
		ageMinutes = 0
	}
	aging := agingFactor * ageMinutes

	if task.Status == models.TaskStatusRetrying {
		exponent := task.AttemptCount
		if exponent < 1 {
			exponent = 1
		}
		return base*math.Pow(2, float64(exponent)) + aging
	}

	if task.StepName == models.StepNameFineTune && bestDistance != nil {
		return (1000 - math.Floor(*bestDistance*100)) + aging
	}

	return base + aging
}
