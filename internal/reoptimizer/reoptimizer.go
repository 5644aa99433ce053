// Package reoptimizer implements the Auto-Reoptimizer (SPEC_FULL.md §4.8): when
// the Broker's main queue sits idle, it picks the single best candidate Job
// across a fixed status priority order, materializes a derivative parameter
// file back into the ingestion handoff surface, and records the action as a
// ReoptimizeHistory row. The derivative file re-enters the system through the
// ordinary Ingestor path rather than calling Store.CreateJob directly, so the
// same sidecar validation rules apply, but the Ingestor's duplicate-path
// rejection is waived for it via IngestSidecar.IsReoptimizeSource (spec.md
// §6.1's "reoptimize source" exception).
package reoptimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/metrics"
	"github.com/ternarybob/optorch/internal/models"
)

// statusPriority is the fixed search order from SPEC_FULL.md §4.8: a job stuck
// FAILED is a stronger reoptimize candidate than one that already partially or
// fully succeeded.
var statusPriority = []models.JobStatus{
	models.JobStatusFailed,
	models.JobStatusCompletedPartial,
	models.JobStatusCompletedSuccess,
}

const candidateScanLimit = 500

// Reoptimizer materializes derivative jobs from completed work.
type Reoptimizer struct {
	store         interfaces.Store
	broker        interfaces.Broker
	events        interfaces.EventService
	logger        arbor.ILogger
	handoffDir    string
	fileExtension string
	sidecarSuffix string
}

func New(store interfaces.Store, broker interfaces.Broker, events interfaces.EventService, logger arbor.ILogger, handoffDir, fileExtension, sidecarSuffix string) *Reoptimizer {
	return &Reoptimizer{
		store:         store,
		broker:        broker,
		events:        events,
		logger:        logger,
		handoffDir:    handoffDir,
		fileExtension: fileExtension,
		sidecarSuffix: sidecarSuffix,
	}
}

// MaybeRun runs one reoptimize pass only if the Broker main queue is idle
// (depth == 0), the gate SPEC_FULL.md §4.8 imposes so Auto-Reoptimizer never
// competes with real dispatch work for worker capacity.
func (r *Reoptimizer) MaybeRun(ctx context.Context) (bool, error) {
	depth, err := r.broker.QueueDepth(ctx)
	if err != nil {
		return false, fmt.Errorf("reoptimizer: queue depth: %w", err)
	}
	metrics.QueueDepth.Set(float64(depth))
	if depth != 0 {
		return false, nil
	}
	return r.runOnePass(ctx, models.ReoptimizeTriggerAuto, "")
}

// RunNow forces one reoptimize pass regardless of queue depth, for the manual
// POST /api/reoptimize admin route (SPEC_FULL.md §6.6).
func (r *Reoptimizer) RunNow(ctx context.Context, userID string) (bool, error) {
	return r.runOnePass(ctx, models.ReoptimizeTriggerManual, userID)
}

type candidate struct {
	job          *models.Job
	metric       *models.Metric
	historyCount int
}

// runOnePass walks statusPriority in order and stops at the first status tier
// that yields a usable candidate, producing at most one derivative Job per call
// (spec.md §4.8's "stop after one candidate per idle period").
func (r *Reoptimizer) runOnePass(ctx context.Context, trigger models.ReoptimizeTrigger, userID string) (bool, error) {
	for _, status := range statusPriority {
		jobs, _, err := r.store.ListJobs(ctx, interfaces.JobListOptions{Status: status, Limit: candidateScanLimit})
		if err != nil {
			return false, fmt.Errorf("reoptimizer: list %s jobs: %w", status, err)
		}
		if len(jobs) == 0 {
			continue
		}

		chosen, err := r.bestCandidate(ctx, jobs)
		if err != nil {
			return false, err
		}
		if chosen == nil {
			continue
		}

		if err := r.materialize(ctx, chosen, trigger, userID); err != nil {
			return false, err
		}
		metrics.ReoptimizeTriggers.WithLabelValues(string(trigger)).Inc()
		return true, nil
	}
	return false, nil
}

// bestCandidate resolves each job's own best Metric (the best-scored Metric
// among its Tasks) and orders the survivors by the rule in SPEC_FULL.md §4.8:
// fewest prior reoptimize attempts first, then lowest distance, then highest
// score. A job with no recorded best Metric on any Task is not a candidate.
// The attempt count is scoped to the job's symbol across every job sharing it
// (not just this one job), matching the reoptimize-history join the original
// supervisor's candidate query runs.
func (r *Reoptimizer) bestCandidate(ctx context.Context, jobs []*models.Job) (*candidate, error) {
	var candidates []candidate
	for _, job := range jobs {
		metric, err := r.bestMetricForJob(ctx, job)
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reoptimizer: resolve best metric failed")
			continue
		}
		if metric == nil {
			continue
		}

		history, err := r.store.ListReoptimizeHistoryBySymbol(ctx, job.Symbol)
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Str("symbol", job.Symbol).Msg("reoptimizer: list reoptimize history by symbol failed")
			continue
		}

		candidates = append(candidates, candidate{job: job, metric: metric, historyCount: len(history)})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.historyCount != b.historyCount {
			return a.historyCount < b.historyCount
		}
		if a.metric.Distance != b.metric.Distance {
			return a.metric.Distance < b.metric.Distance
		}
		return a.metric.Score > b.metric.Score
	})
	return &candidates[0], nil
}

// bestMetricForJob scans every Task belonging to job and returns the Metric
// referenced by whichever Task's BestMetricID has the lowest distance, highest
// score as tiebreak. Returns (nil, nil) if no Task has recorded one yet.
func (r *Reoptimizer) bestMetricForJob(ctx context.Context, job *models.Job) (*models.Metric, error) {
	tasks, err := r.store.ListTasksByJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for job %s: %w", job.ID, err)
	}

	var best *models.Metric
	for _, task := range tasks {
		if task.BestMetricID == nil {
			continue
		}
		metric, err := r.store.GetMetric(ctx, *task.BestMetricID)
		if err != nil {
			continue
		}
		if best == nil || metric.Distance < best.Distance || (metric.Distance == best.Distance && metric.Score > best.Score) {
			best = metric
		}
	}
	return best, nil
}

// materialize writes the derivative parameter file and its sidecar into the
// handoff directory, then records the action. The Ingestor's own fsnotify
// watcher picks the pair up on the next event exactly as it would a user
// submission; IsReoptimizeSource on the sidecar waives the duplicate-path
// rejection rule (spec.md §6.1). The sidecar's user_id is the triggering
// operator's, or the source Job's owner when the pass has no user.
func (r *Reoptimizer) materialize(ctx context.Context, c *candidate, trigger models.ReoptimizeTrigger, userID string) error {
	artifact, err := r.store.GetArtifactByMetric(ctx, c.metric.ID, models.ArtifactKindOutputSet)
	if err != nil {
		return fmt.Errorf("reoptimizer: get output_set artifact for metric %s: %w", c.metric.ID, err)
	}

	derivativeName := fmt.Sprintf("%s_reopt_%s%s", c.job.StrategyName, uuid.New().String()[:8], r.fileExtension)
	setPath := filepath.Join(r.handoffDir, derivativeName)
	sidecarPath := strings.TrimSuffix(setPath, r.fileExtension) + r.sidecarSuffix

	if err := os.WriteFile(setPath, artifact.Payload, 0644); err != nil {
		return fmt.Errorf("reoptimizer: write derivative file: %w", err)
	}

	sidecarUser := userID
	if sidecarUser == "" {
		sidecarUser = c.job.OwnerID
	}
	sidecar := models.IngestSidecar{
		UserID:                   sidecarUser,
		Symbol:                   c.job.Symbol,
		Timeframe:                c.job.Timeframe,
		EAName:                   c.job.StrategyName,
		OriginalFilename:         derivativeName,
		ReoptimizeSourceMetricID: c.metric.ID,
		ReoptimizeSourceJobID:    c.job.ID,
	}
	payload, err := json.Marshal(sidecar)
	if err != nil {
		_ = os.Remove(setPath)
		return fmt.Errorf("reoptimizer: marshal sidecar: %w", err)
	}
	if err := os.WriteFile(sidecarPath, payload, 0644); err != nil {
		_ = os.Remove(setPath)
		return fmt.Errorf("reoptimizer: write sidecar: %w", err)
	}

	hist := models.NewReoptimizeHistory(c.job.ID, c.metric.ID, trigger, userID, c.job.Status, derivativeName)
	if err := r.store.SaveReoptimizeHistory(ctx, hist); err != nil {
		return fmt.Errorf("reoptimizer: save history: %w", err)
	}

	r.logger.Info().Str("source_job_id", c.job.ID).Str("metric_id", c.metric.ID).
		Str("derivative_file_name", derivativeName).Str("trigger", string(trigger)).
		Msg("reoptimizer: materialized derivative job")

	if r.events != nil {
		_ = r.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventReoptimizeTriggered,
			Payload: map[string]interface{}{
				"source_job_id": c.job.ID,
				"trigger":       string(trigger),
			},
		})
	}
	return nil
}
