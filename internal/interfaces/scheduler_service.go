package interfaces

import "time"

// SchedulerStatus snapshots one tick entry's run bookkeeping, for the
// GET /api/scheduler/status admin route (SPEC_FULL.md §6.6).
type SchedulerStatus struct {
	IsRunning bool
	LastRun   *time.Time
	LastError string
}

// SchedulerService manages the periodic dispatch loop (SPEC_FULL.md §4.5).
type SchedulerService interface {
	// Start runs the Scheduler's post-worker/fine-tune/dispatch loop on the given
	// poll interval.
	Start(pollInterval string) error

	// Stop drains the in-flight iteration and halts the loop.
	Stop() error

	// TriggerReoptimizeNow runs one Auto-Reoptimizer pass immediately instead of
	// waiting for the idle-time trigger, for the POST /api/reoptimize admin route.
	TriggerReoptimizeNow() error

	// IsRunning returns true if the loop is active.
	IsRunning() bool

	// Status returns the tick job's lastRun/lastError/isRunning snapshot, in the
	// same shape the cron-based job registry already tracks internally.
	Status() SchedulerStatus
}
