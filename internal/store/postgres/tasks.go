package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/jobstatus"
	"github.com/ternarybob/optorch/internal/models"
)

// ErrTaskNotFound is returned by GetTask when no row matches the given id.
var ErrTaskNotFound = errors.New("postgres: task not found")

const taskColumns = `id, job_id, parent_task_id, step_name, step_number, status, attempt_count, max_attempts, fine_tune_depth, priority, last_heartbeat, last_error, assigned_worker, input_file_path, input_file_bytes, best_metric_id, created_at, updated_at`

// taskColumnsPrefixed is taskColumns qualified with the "t." alias, for queries
// that join tasks against another table and would otherwise be ambiguous.
const taskColumnsPrefixed = `t.id, t.job_id, t.parent_task_id, t.step_name, t.step_number, t.status, t.attempt_count, t.max_attempts, t.fine_tune_depth, t.priority, t.last_heartbeat, t.last_error, t.assigned_worker, t.input_file_path, t.input_file_bytes, t.best_metric_id, t.created_at, t.updated_at`

func insertTask(ctx context.Context, tx *sqlx.Tx, t *models.Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.JobID, t.ParentTaskID, t.StepName, t.StepNumber, t.Status, t.AttemptCount, t.MaxAttempts,
		t.FineTuneDepth, t.Priority, t.LastHeartbeat, t.LastError, t.AssignedWorker, t.InputFilePath,
		t.InputFileBytes, t.BestMetricID, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask fetches a single Task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get task: %w", err)
	}
	return &t, nil
}

// ListTasksByJob returns every Task belonging to a Job, ordered by creation —
// the slice the Job Status Aggregator (internal/jobstatus) and the admin API's
// job-detail view both need.
func (s *Store) ListTasksByJob(ctx context.Context, jobID string) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.db.SelectContext(ctx, &tasks, `SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks by job: %w", err)
	}
	return tasks, nil
}

// ListQueueableTasks returns NEW, RETRYING, and FINE_TUNING Tasks whose Job has
// no COMPLETED_SUCCESS sibling (SPEC_FULL.md §4.2's success-freezes-job
// invariant, P5), the candidate pool the Scheduler's dispatch phase scores with
// PriorityFn (SPEC_FULL.md §4.5). Ordering here is just created_at ascending for
// a stable fetch; the Scheduler re-sorts by its own dynamic priority score,
// which factors in aging and best-distance lookups this query cannot express.
// limit caps the candidate pool so one poll never pulls an unbounded backlog.
func (s *Store) ListQueueableTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT `+taskColumnsPrefixed+` FROM tasks t
		JOIN jobs j ON j.id = t.job_id
		WHERE t.status IN ($1, $2, $3) AND j.status <> $4
		ORDER BY t.created_at ASC
		LIMIT $5`,
		models.TaskStatusNew, models.TaskStatusRetrying, models.TaskStatusFineTuning,
		models.JobStatusCompletedSuccess, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list queueable tasks: %w", err)
	}
	return tasks, nil
}

// ListStuckTasks returns Tasks in WORKER_IN_PROGRESS whose last heartbeat is
// older than workerInactiveThreshold, the Watchdog's reclamation candidate pool
// (SPEC_FULL.md §4.7).
func (s *Store) ListStuckTasks(ctx context.Context, workerInactiveThreshold time.Duration) ([]*models.Task, error) {
	cutoff := time.Now().UTC().Add(-workerInactiveThreshold)
	var tasks []*models.Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND (last_heartbeat IS NULL OR last_heartbeat < $2)`,
		models.TaskStatusWorkerInProgress, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stuck tasks: %w", err)
	}
	return tasks, nil
}

// ListTasksByStatus returns every Task currently in the given status, for
// callers that need to scan across Jobs (the Scheduler's post-worker and
// fine-tune phases, the Watchdog's QUEUED reconciliation).
func (s *Store) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.db.SelectContext(ctx, &tasks, `SELECT `+taskColumns+` FROM tasks WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks by status: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus is the single invariant-critical write path: it locks the
// Task row with SELECT ... FOR UPDATE, lets mutate apply the caller's state
// transition, writes the Task back, reloads every sibling Task for the same
// Job, recomputes the Job's aggregate status with jobstatus.Aggregate, and
// writes both in one transaction so no reader ever observes a Task and its
// Job's status out of sync (spec.md §4.1's "Status is a pure function of its
// Tasks" invariant). Lock contention is retried with linear backoff, the
// delay growing by a fixed step each attempt (SPEC_FULL.md §5).
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, mutate interfaces.TaskMutateFunc) (*models.Job, error) {
	var job *models.Job
	err := s.withLockRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("postgres: begin: %w", err)
		}
		defer tx.Rollback()

		var task models.Task
		err = tx.GetContext(ctx, &task, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: lock task: %w", err)
		}

		if err := mutate(&task); err != nil {
			return fmt.Errorf("mutate task: %w", err)
		}
		task.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = $1, attempt_count = $2, fine_tune_depth = $3, priority = $4,
				last_heartbeat = $5, last_error = $6, assigned_worker = $7, best_metric_id = $8, updated_at = $9
			WHERE id = $10`,
			task.Status, task.AttemptCount, task.FineTuneDepth, task.Priority, task.LastHeartbeat,
			task.LastError, task.AssignedWorker, task.BestMetricID, task.UpdatedAt, task.ID)
		if err != nil {
			return fmt.Errorf("postgres: update task: %w", err)
		}

		var siblings []*models.Task
		if err := tx.SelectContext(ctx, &siblings, `SELECT `+taskColumns+` FROM tasks WHERE job_id = $1`, task.JobID); err != nil {
			return fmt.Errorf("postgres: reload siblings: %w", err)
		}

		newStatus := jobstatus.Aggregate(siblings)

		var j models.Job
		err = tx.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, task.JobID)
		if err != nil {
			return fmt.Errorf("postgres: lock job: %w", err)
		}
		j.Status = newStatus
		j.UpdatedAt = task.UpdatedAt

		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
			j.Status, j.UpdatedAt, j.ID)
		if err != nil {
			return fmt.Errorf("postgres: update job status: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("postgres: commit: %w", err)
		}
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateFineTuneChild inserts a fine-tune child Task, returning created=false
// without error if a child already exists for this parent+step_name pair — the
// idempotence guard behind the unique (parent_task_id, step_name) constraint
// that keeps a retried Fine-Tune Spawner invocation from double-spawning
// (SPEC_FULL.md §4.6, invariant P6).
func (s *Store) CreateFineTuneChild(ctx context.Context, child *models.Task) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM tasks WHERE parent_task_id = $1 AND step_name = $2)`,
		child.ParentTaskID, child.StepName)
	if err != nil {
		return false, fmt.Errorf("postgres: check existing fine-tune child: %w", err)
	}
	if exists {
		return false, nil
	}

	if err := insertTask(ctx, tx, child); err != nil {
		return false, fmt.Errorf("postgres: insert fine-tune child: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("postgres: commit: %w", err)
	}
	return true, nil
}
