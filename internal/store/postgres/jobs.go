package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/models"
)

// ErrJobNotFound is returned by GetJob and GetJobByOriginalFilename when no row
// matches. Aliased to interfaces.ErrJobNotFound so callers can use either name.
var ErrJobNotFound = interfaces.ErrJobNotFound

const jobColumns = `id, owner_id, kind, symbol, timeframe, strategy_name, original_file_name, status, max_attempts, attempt_count, created_at, updated_at`

// CreateJob inserts a Job and its initial Task in one transaction, so a reader
// never observes a Job with zero Tasks.
func (s *Store) CreateJob(ctx context.Context, job *models.Job, initialTask *models.Task) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.OwnerID, job.Kind, job.Symbol, job.Timeframe, job.StrategyName,
		job.OriginalFileName, job.Status, job.MaxAttempts, job.AttemptCount, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert job: %w", err)
	}

	if err := insertTask(ctx, tx, initialTask); err != nil {
		return fmt.Errorf("postgres: insert initial task: %w", err)
	}

	return tx.Commit()
}

// GetJob fetches a single Job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return &job, nil
}

// GetJobByOriginalFilename looks up the Job created from a given original
// submission file name, the Ingestor's duplicate-path rejection check
// (spec.md §6.1). Returns ErrJobNotFound if no such Job exists.
func (s *Store) GetJobByOriginalFilename(ctx context.Context, originalFilename string) (*models.Job, error) {
	var job models.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE original_file_name = $1 ORDER BY created_at DESC LIMIT 1`, originalFilename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get job by original filename: %w", err)
	}
	return &job, nil
}

// ListJobs returns a page of Jobs matching opts, plus the total count before
// pagination, for the admin API's GET /api/jobs (SPEC_FULL.md §6.6).
func (s *Store) ListJobs(ctx context.Context, opts interfaces.JobListOptions) ([]*models.Job, int, error) {
	var where []string
	var args []interface{}
	argN := 1

	if opts.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, opts.Status)
		argN++
	}
	if opts.Symbol != "" {
		where = append(where, fmt.Sprintf("symbol = $%d", argN))
		args = append(args, opts.Symbol)
		argN++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM jobs ` + whereClause
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("postgres: count jobs: %w", err)
	}

	orderBy := "created_at"
	switch opts.OrderBy {
	case "updated_at", "status", "symbol":
		orderBy = opts.OrderBy
	}
	orderDir := "DESC"
	if strings.EqualFold(opts.OrderDir, "ASC") {
		orderDir = "ASC"
	}

	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs %s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		jobColumns, whereClause, orderBy, orderDir, argN, argN+1)
	args = append(args, limit, opts.Offset)

	var jobs []*models.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("postgres: list jobs: %w", err)
	}
	return jobs, total, nil
}
