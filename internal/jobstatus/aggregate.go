// Package jobstatus implements the pure Job Status Aggregator (spec.md §4.1):
// a function from the statuses of a Job's Tasks to the Job's own aggregate
// status. It holds no state and performs no I/O, so it is safe to call from any
// component (Scheduler, Watchdog, the admin API) that has just loaded a Job's
// Tasks and needs the status those tasks imply.
//
// Grounded on the status-aggregation shape of
// internal/jobs/orchestrator/job_orchestrator.go's calculateOverallStatus, which
// rolls child-job states up into a parent status the same way this rolls
// Task states up into a Job status.
package jobstatus

import "github.com/ternarybob/optorch/internal/models"

// nonTerminalStatuses are the Task statuses that keep a Job's aggregate status at
// IN_PROGRESS per rule R1.
var nonTerminalStatuses = map[models.TaskStatus]struct{}{
	models.TaskStatusNew:              {},
	models.TaskStatusQueued:           {},
	models.TaskStatusWorkerInProgress: {},
	models.TaskStatusRetrying:         {},
	models.TaskStatusFineTuning:       {},
}

// Aggregate applies rules R1-R4 from spec.md §4.1, in priority order, first match
// wins. tasks must be the complete set of Tasks belonging to the Job; an empty
// slice is treated as IN_PROGRESS (a Job is never observed before its first Task
// exists, but the function stays total rather than panicking on that case).
func Aggregate(tasks []*models.Task) models.JobStatus {
	if len(tasks) == 0 {
		return models.JobStatusInProgress
	}

	// R1: any task still moving keeps the job in progress.
	for _, t := range tasks {
		if _, nonTerminal := nonTerminalStatuses[t.Status]; nonTerminal {
			return models.JobStatusInProgress
		}
	}

	// R2: one success elevates the whole job, even with other failed siblings.
	for _, t := range tasks {
		if t.Status == models.TaskStatusCompletedSuccess {
			return models.JobStatusCompletedSuccess
		}
	}

	// R3: every task failed.
	allFailed := true
	for _, t := range tasks {
		if t.Status != models.TaskStatusFailed {
			allFailed = false
			break
		}
	}
	if allFailed {
		return models.JobStatusFailed
	}

	// R4: mixed FAILED/COMPLETED_PARTIAL with no success.
	return models.JobStatusCompletedPartial
}

// HasSuccess reports whether any Task in the slice has already reached
// COMPLETED_SUCCESS. The Scheduler and Watchdog both use this as the "success
// freezes the job" guard (spec.md §4.2, invariant P5) before touching a sibling
// Task.
func HasSuccess(tasks []*models.Task) bool {
	for _, t := range tasks {
		if t.Status == models.TaskStatusCompletedSuccess {
			return true
		}
	}
	return false
}
