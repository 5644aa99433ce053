package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is a state in the state machine described in SPEC_FULL.md §4.2.
type TaskStatus string

const (
	TaskStatusNew               TaskStatus = "NEW"
	TaskStatusQueued            TaskStatus = "QUEUED"
	TaskStatusWorkerInProgress  TaskStatus = "WORKER_IN_PROGRESS"
	TaskStatusWorkerCompleted   TaskStatus = "WORKER_COMPLETED"
	TaskStatusWorkerFailed      TaskStatus = "WORKER_FAILED"
	TaskStatusRetrying          TaskStatus = "RETRYING"
	TaskStatusFineTuning        TaskStatus = "FINE_TUNING"
	TaskStatusCompletedSuccess  TaskStatus = "COMPLETED_SUCCESS"
	TaskStatusCompletedPartial  TaskStatus = "COMPLETED_PARTIAL"
	TaskStatusFailed            TaskStatus = "FAILED"
)

// Terminal reports whether a status is one of the three states a Task can never
// leave (SPEC_FULL.md §4.2).
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompletedSuccess, TaskStatusCompletedPartial, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// StepName distinguishes an initial optimization pass from a fine-tune child.
type StepName string

const (
	StepNameOptimize StepName = "optimize"
	StepNameFineTune StepName = "fine_tune"
)

// Task is a single evaluation pass associated with a Job; it may be an initial
// optimization, a retry, or a fine-tune child. Mutated only by Scheduler,
// Watchdog, or the worker completion callback; terminal statuses are immutable.
type Task struct {
	ID              string     `db:"id" json:"id"`
	JobID           string     `db:"job_id" json:"job_id"`
	ParentTaskID    *string    `db:"parent_task_id" json:"parent_task_id,omitempty"`
	StepName        StepName   `db:"step_name" json:"step_name"`
	StepNumber      int        `db:"step_number" json:"step_number"`
	Status          TaskStatus `db:"status" json:"status"`
	AttemptCount    int        `db:"attempt_count" json:"attempt_count"`
	MaxAttempts     int        `db:"max_attempts" json:"max_attempts"`
	FineTuneDepth   int        `db:"fine_tune_depth" json:"fine_tune_depth"`
	Priority        float64    `db:"priority" json:"priority"`
	LastHeartbeat   *time.Time `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	LastError       string     `db:"last_error" json:"last_error,omitempty"`
	AssignedWorker  string     `db:"assigned_worker" json:"assigned_worker,omitempty"`
	InputFilePath   string     `db:"input_file_path" json:"input_file_path,omitempty"`
	InputFileBytes  []byte     `db:"input_file_bytes" json:"-"`
	BestMetricID    *string    `db:"best_metric_id" json:"best_metric_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// NewOptimizeTask constructs the initial Task an Ingestor creates for a new Job.
func NewOptimizeTask(jobID string, maxAttempts int, priority float64, inputFilePath string, inputFileBytes []byte) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:             uuid.New().String(),
		JobID:          jobID,
		ParentTaskID:   nil,
		StepName:       StepNameOptimize,
		StepNumber:     1,
		Status:         TaskStatusNew,
		AttemptCount:   0,
		MaxAttempts:    maxAttempts,
		FineTuneDepth:  0,
		Priority:       priority,
		InputFilePath:  inputFilePath,
		InputFileBytes: inputFileBytes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewFineTuneChild constructs the child Task the Fine-Tune Spawner creates from a
// COMPLETED_PARTIAL parent (SPEC_FULL.md §4.6). It starts in NEW, same as any other
// freshly spawned task, so the Scheduler's dispatch phase counts it toward the
// MIN_NEW floor when it partitions fresh/other tasks by TaskStatusNew.
func NewFineTuneChild(parent *Task, bestMetricID *string, inputFileBytes []byte) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:             uuid.New().String(),
		JobID:          parent.JobID,
		ParentTaskID:   &parent.ID,
		StepName:       StepNameFineTune,
		StepNumber:     parent.StepNumber + 1,
		Status:         TaskStatusNew,
		AttemptCount:   0,
		MaxAttempts:    parent.MaxAttempts,
		FineTuneDepth:  parent.FineTuneDepth + 1,
		Priority:       parent.Priority,
		InputFilePath:  parent.InputFilePath,
		InputFileBytes: inputFileBytes,
		BestMetricID:   bestMetricID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Queueable reports whether a Task is still eligible for dispatch under the
// attempt-budget and fine-tune-depth invariants (P2, P3).
func (t *Task) Queueable(maxFineTuneDepth int) bool {
	return t.AttemptCount < t.MaxAttempts && t.FineTuneDepth <= maxFineTuneDepth
}

// BlobKey returns the Broker key holding this Task's input parameter-file bytes.
func (t *Task) BlobKey(prefix string) string {
	return prefix + t.ID + ":input_blob"
}
