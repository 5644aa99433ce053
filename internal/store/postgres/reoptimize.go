package postgres

import (
	"context"
	"fmt"

	"github.com/ternarybob/optorch/internal/models"
)

const reoptimizeHistoryColumns = `id, job_id, metric_id, trigger, user_id, job_status_at_trigger, derivative_file_name, created_at`

const reoptimizeHistoryColumnsPrefixed = `repot.id, repot.job_id, repot.metric_id, repot.trigger, repot.user_id, repot.job_status_at_trigger, repot.derivative_file_name, repot.created_at`

// SaveReoptimizeHistory appends an audit row for a manual or automatic
// reoptimize action. Rows are never updated or deleted (SPEC_FULL.md §4.9).
func (s *Store) SaveReoptimizeHistory(ctx context.Context, hist *models.ReoptimizeHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reoptimize_history (`+reoptimizeHistoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		hist.ID, hist.JobID, hist.MetricID, hist.Trigger, hist.UserID,
		hist.JobStatusAtTrigger, hist.DerivativeFileName, hist.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save reoptimize history: %w", err)
	}
	return nil
}

// ListReoptimizeHistory returns every reoptimize audit row for a Job, newest
// first, for the admin API's job-detail view.
func (s *Store) ListReoptimizeHistory(ctx context.Context, jobID string) ([]*models.ReoptimizeHistory, error) {
	var rows []*models.ReoptimizeHistory
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+reoptimizeHistoryColumns+` FROM reoptimize_history WHERE job_id = $1 ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reoptimize history: %w", err)
	}
	return rows, nil
}

// ListReoptimizeHistoryBySymbol returns every reoptimize audit row for every Job
// sharing the given symbol, the Auto-Reoptimizer's tie-break count
// (SPEC_FULL.md §4.8: "fewest prior reoptimize attempts" is scoped to the
// symbol across all of its jobs, not to a single job).
func (s *Store) ListReoptimizeHistoryBySymbol(ctx context.Context, symbol string) ([]*models.ReoptimizeHistory, error) {
	var rows []*models.ReoptimizeHistory
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+reoptimizeHistoryColumnsPrefixed+`
		FROM reoptimize_history repot
		JOIN jobs cj ON repot.job_id = cj.id
		WHERE cj.symbol = $1
		ORDER BY repot.created_at DESC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reoptimize history by symbol: %w", err)
	}
	return rows, nil
}
