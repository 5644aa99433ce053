package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/optorch/internal/models"
)

func TestSaveMetric_InsertsRow(t *testing.T) {
	store, mock := newMockStore(t)
	metric := models.NewMetric("task-1", 0.5, 0.9, nil)

	mock.ExpectExec("INSERT INTO metrics").WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SaveMetric(context.Background(), metric)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMetricsByTask_ReturnsOrderedRows(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "task_id", "distance", "score", "extra", "created_at"}).
		AddRow("metric-1", "task-1", 0.2, 0.7, nil, now).
		AddRow("metric-2", "task-1", 0.05, 0.9, nil, now)
	mock.ExpectQuery("SELECT .* FROM metrics WHERE task_id = \\$1").WillReturnRows(rows)

	metrics, err := store.ListMetricsByTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, "metric-2", metrics[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBestMetricPerSymbol_JoinsTaskAndJob(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "task_id", "distance", "score", "extra", "created_at",
		"j_id", "j_owner_id", "j_kind", "j_symbol", "j_timeframe", "j_strategy_name",
		"j_original_file_name", "j_status", "j_max_attempts", "j_attempt_count", "j_created_at", "j_updated_at",
	}).AddRow(
		"metric-1", "task-1", 0.1, 0.95, nil, now,
		"job-1", "owner-1", models.JobKindOptimization, "EURUSD", "H1", "strategy", "in.set",
		models.JobStatusCompletedSuccess, 3, 1, now, now,
	)
	mock.ExpectQuery("FROM metrics m").WillReturnRows(rows)

	metric, job, err := store.BestMetricPerSymbol(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, "metric-1", metric.ID)
	assert.Equal(t, "job-1", job.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
