package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newForTesting(db, arbor.NewLogger()), mock
}

func taskRows() *sqlmock.Rows {
	return sqlmock.NewRows(
		[]string{"id", "job_id", "parent_task_id", "step_name", "step_number", "status", "attempt_count",
			"max_attempts", "fine_tune_depth", "priority", "last_heartbeat", "last_error", "assigned_worker",
			"input_file_path", "input_file_bytes", "best_metric_id", "created_at", "updated_at"})
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows(
		[]string{"id", "owner_id", "kind", "symbol", "timeframe", "strategy_name", "original_file_name",
			"status", "max_attempts", "attempt_count", "created_at", "updated_at"})
}

func TestUpdateTaskStatus_RecomputesJobStatusOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM tasks WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(taskRows().AddRow(
			"task-1", "job-1", nil, models.StepNameOptimize, 1, models.TaskStatusWorkerCompleted, 0, 3, 0,
			1.0, nil, "", "", "", []byte{}, nil, now, now))
	mock.ExpectExec("UPDATE tasks SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM tasks WHERE job_id = \\$1").
		WillReturnRows(taskRows().AddRow(
			"task-1", "job-1", nil, models.StepNameOptimize, 1, models.TaskStatusCompletedSuccess, 0, 3, 0,
			1.0, nil, "", "", "", []byte{}, nil, now, now))
	mock.ExpectQuery("SELECT .* FROM jobs WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(jobRows().AddRow(
			"job-1", "owner-1", models.JobKindOptimization, "EURUSD", "H1", "strategy", "in.set",
			models.JobStatusInProgress, 3, 0, now, now))
	mock.ExpectExec("UPDATE jobs SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := store.UpdateTaskStatus(context.Background(), "task-1", func(task *models.Task) error {
		task.Status = models.TaskStatusCompletedSuccess
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompletedSuccess, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatus_RetriesOnLockContention(t *testing.T) {
	store, mock := newMockStore(t)
	store.lockRetrySleep = 0

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM tasks WHERE id = \\$1 FOR UPDATE").
		WillReturnError(&mockLockError{})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM tasks WHERE id = \\$1 FOR UPDATE").
		WillReturnError(errNotFoundSentinel)
	mock.ExpectRollback()

	_, err := store.UpdateTaskStatus(context.Background(), "task-1", func(task *models.Task) error {
		return nil
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// mockLockError satisfies error with a message isLockContention recognizes via
// its string-match fallback, without requiring a real pgconn.PgError.
type mockLockError struct{}

func (m *mockLockError) Error() string { return "could not obtain lock on row" }

var errNotFoundSentinel = ErrTaskNotFound

func TestListTasksByStatus_ReturnsMatchingRows(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .* FROM tasks WHERE status = \\$1").
		WillReturnRows(taskRows().AddRow(
			"task-1", "job-1", nil, models.StepNameOptimize, 1, models.TaskStatusCompletedPartial, 1, 3, 0,
			1.0, nil, "", "", "", []byte{}, nil, now, now))

	tasks, err := store.ListTasksByStatus(context.Background(), models.TaskStatusCompletedPartial)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompletedPartial, tasks[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListQueueableTasks_ExcludesJobsWithASuccess(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .* FROM tasks t").
		WithArgs(models.TaskStatusNew, models.TaskStatusRetrying, models.TaskStatusFineTuning,
			models.JobStatusCompletedSuccess, 50).
		WillReturnRows(taskRows().AddRow(
			"task-1", "job-1", nil, models.StepNameOptimize, 1, models.TaskStatusNew, 0, 3, 0,
			1.0, nil, "", "", "", []byte{}, nil, now, now))

	tasks, err := store.ListQueueableTasks(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusNew, tasks[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFineTuneChild_SkipsWhenAlreadyExists(t *testing.T) {
	store, mock := newMockStore(t)
	parent := "task-1"

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	child := models.NewFineTuneChild(&models.Task{ID: parent, JobID: "job-1", MaxAttempts: 3, Priority: 1}, nil, nil)
	created, err := store.CreateFineTuneChild(context.Background(), child)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}
