package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ternarybob/optorch/internal/models"
)

var ErrMetricNotFound = errors.New("postgres: metric not found")

const metricColumns = `id, task_id, distance, score, extra, created_at`

// SaveMetric persists a Metric produced by a worker's completion payload.
func (s *Store) SaveMetric(ctx context.Context, metric *models.Metric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (`+metricColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		metric.ID, metric.TaskID, metric.Distance, metric.Score, metric.Extra, metric.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save metric: %w", err)
	}
	return nil
}

// SaveArtifact persists a byte-blob Artifact (an output parameter set or an AI
// suggestion payload) attached to a Task.
func (s *Store) SaveArtifact(ctx context.Context, artifact *models.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, task_id, metric_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		artifact.ID, artifact.TaskID, artifact.MetricID, artifact.Kind, artifact.Payload, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save artifact: %w", err)
	}
	return nil
}

// ListMetricsByTask returns every Metric recorded against a Task, oldest first.
func (s *Store) ListMetricsByTask(ctx context.Context, taskID string) ([]*models.Metric, error) {
	var metrics []*models.Metric
	err := s.db.SelectContext(ctx, &metrics, `
		SELECT `+metricColumns+` FROM metrics WHERE task_id = $1 ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list metrics by task: %w", err)
	}
	return metrics, nil
}

// ErrArtifactNotFound is returned by GetArtifactByMetric when no Artifact of
// the requested kind is attached to the Metric.
var ErrArtifactNotFound = errors.New("postgres: artifact not found")

// GetArtifactByMetric returns the most recently saved Artifact of kind
// attached to metricID.
func (s *Store) GetArtifactByMetric(ctx context.Context, metricID string, kind models.ArtifactKind) (*models.Artifact, error) {
	var a models.Artifact
	err := s.db.GetContext(ctx, &a, `
		SELECT id, task_id, metric_id, kind, payload, created_at FROM artifacts
		WHERE metric_id = $1 AND kind = $2
		ORDER BY created_at DESC LIMIT 1`, metricID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get artifact by metric: %w", err)
	}
	return &a, nil
}

// GetMetric fetches a single Metric by id.
func (s *Store) GetMetric(ctx context.Context, metricID string) (*models.Metric, error) {
	var m models.Metric
	err := s.db.GetContext(ctx, &m, `SELECT `+metricColumns+` FROM metrics WHERE id = $1`, metricID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMetricNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get metric: %w", err)
	}
	return &m, nil
}

// BestMetricPerSymbol returns the lowest-distance Metric (highest score breaking
// ties) across every COMPLETED_SUCCESS or COMPLETED_PARTIAL Task of every Job
// for the given symbol, plus the Job it belongs to: one row for the symbol.
func (s *Store) BestMetricPerSymbol(ctx context.Context, symbol string) (*models.Metric, *models.Job, error) {
	var row struct {
		models.Metric
		JobID               string          `db:"j_id"`
		JobOwnerID          string          `db:"j_owner_id"`
		JobKind             models.JobKind  `db:"j_kind"`
		JobSymbol           string          `db:"j_symbol"`
		JobTimeframe        string          `db:"j_timeframe"`
		JobStrategyName     string          `db:"j_strategy_name"`
		JobOriginalFileName string          `db:"j_original_file_name"`
		JobStatus           models.JobStatus `db:"j_status"`
		JobMaxAttempts      int             `db:"j_max_attempts"`
		JobAttemptCount     int             `db:"j_attempt_count"`
		JobCreatedAt        sql.NullTime    `db:"j_created_at"`
		JobUpdatedAt        sql.NullTime    `db:"j_updated_at"`
	}

	err := s.db.GetContext(ctx, &row, `
		SELECT m.id, m.task_id, m.distance, m.score, m.extra, m.created_at,
			j.id AS j_id, j.owner_id AS j_owner_id, j.kind AS j_kind, j.symbol AS j_symbol,
			j.timeframe AS j_timeframe, j.strategy_name AS j_strategy_name,
			j.original_file_name AS j_original_file_name, j.status AS j_status,
			j.max_attempts AS j_max_attempts, j.attempt_count AS j_attempt_count,
			j.created_at AS j_created_at, j.updated_at AS j_updated_at
		FROM metrics m
		JOIN tasks t ON t.id = m.task_id
		JOIN jobs j ON j.id = t.job_id
		WHERE j.symbol = $1 AND t.status IN ($2, $3)
		ORDER BY m.distance ASC, m.score DESC
		LIMIT 1`, symbol, models.TaskStatusCompletedSuccess, models.TaskStatusCompletedPartial)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrMetricNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: best metric per symbol: %w", err)
	}

	metric := row.Metric
	job := &models.Job{
		ID:               row.JobID,
		OwnerID:          row.JobOwnerID,
		Kind:             row.JobKind,
		Symbol:           row.JobSymbol,
		Timeframe:        row.JobTimeframe,
		StrategyName:     row.JobStrategyName,
		OriginalFileName: row.JobOriginalFileName,
		Status:           row.JobStatus,
		MaxAttempts:      row.JobMaxAttempts,
		AttemptCount:     row.JobAttemptCount,
		CreatedAt:        row.JobCreatedAt.Time,
		UpdatedAt:        row.JobUpdatedAt.Time,
	}
	return &metric, job, nil
}
