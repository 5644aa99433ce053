package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/optorch/internal/evaluator"
	"github.com/ternarybob/optorch/internal/interfaces"
	promMetrics "github.com/ternarybob/optorch/internal/metrics"
	"github.com/ternarybob/optorch/internal/models"
)

const (
	defaultBatchSize = 10
	defaultMinNew    = 2
)

// postWorkerPhase implements SPEC_FULL.md §4.5 step 2 / §4.2's
// WORKER_COMPLETED/WORKER_FAILED transitions: it fetches every Metric
// recorded against each candidate Task, runs the Evaluator, and commits the
// resulting status transition atomically with a Job status recompute.
func (s *Service) postWorkerPhase(ctx context.Context, th models.Thresholds) error {
	for _, status := range []models.TaskStatus{models.TaskStatusWorkerCompleted, models.TaskStatusWorkerFailed} {
		tasks, err := s.store.ListTasksByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, task := range tasks {
			if err := s.evaluateTask(ctx, task, th); err != nil {
				s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("scheduler: evaluate task failed")
			}
		}
	}
	return nil
}

func (s *Service) evaluateTask(ctx context.Context, task *models.Task, th models.Thresholds) error {
	if task.Status == models.TaskStatusWorkerCompleted {
		siblings, err := s.store.ListTasksByJob(ctx, task.JobID)
		if err != nil {
			return fmt.Errorf("list siblings: %w", err)
		}
		for _, sib := range siblings {
			if sib.ID != task.ID && sib.Status == models.TaskStatusCompletedSuccess {
				// Guard (§4.2): a sibling already succeeded, this task is moot.
				return nil
			}
		}
	}

	metrics, err := s.store.ListMetricsByTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("list metrics: %w", err)
	}
	bestMetricID := bestMetricIDOf(metrics)

	var (
		newStatus models.TaskStatus
		lastError string
	)

	switch task.Status {
	case models.TaskStatusWorkerCompleted:
		verdict := evaluator.Evaluate(metrics, th.DistanceThreshold, th.ScoreThreshold)
		promMetrics.EvaluatorVerdicts.WithLabelValues(string(verdict)).Inc()
		switch verdict {
		case evaluator.VerdictSuccess:
			newStatus = models.TaskStatusCompletedSuccess
		case evaluator.VerdictPartial:
			newStatus = models.TaskStatusCompletedPartial
		default:
			if task.AttemptCount < task.MaxAttempts {
				newStatus = models.TaskStatusRetrying
			} else {
				newStatus = models.TaskStatusFailed
				lastError = "max attempts reached after worker_completed"
			}
		}
	case models.TaskStatusWorkerFailed:
		if task.AttemptCount < task.MaxAttempts {
			newStatus = models.TaskStatusRetrying
		} else {
			newStatus = models.TaskStatusFailed
			lastError = "max attempts reached after worker_failed"
		}
	default:
		return nil
	}

	_, err = s.store.UpdateTaskStatus(ctx, task.ID, func(t *models.Task) error {
		t.Status = newStatus
		t.BestMetricID = bestMetricID
		t.LastError = lastError
		t.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}

	if newStatus.Terminal() {
		if err := s.broker.DeleteBlob(ctx, task.BlobKey(s.blobKeyPrefix)); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("scheduler: release input blob failed")
		}
	}

	if s.events != nil {
		_ = s.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventTaskCompleted,
			Payload: map[string]interface{}{
				"job_id": task.JobID, "task_id": task.ID, "status": string(newStatus),
			},
		})
	}
	return nil
}

// bestMetricIDOf picks the Metric with lowest distance, highest score as
// tiebreak, matching the Fine-Tune Spawner's own best-outcome selection.
func bestMetricIDOf(metrics []*models.Metric) *string {
	var best *models.Metric
	for _, m := range metrics {
		if best == nil || m.Distance < best.Distance || (m.Distance == best.Distance && m.Score > best.Score) {
			best = m
		}
	}
	if best == nil {
		return nil
	}
	id := best.ID
	return &id
}

// scoredTask pairs a Task with its PriorityFn score for one dispatch pass.
type scoredTask struct {
	task  *models.Task
	score float64
}

// dispatchPhase implements SPEC_FULL.md §4.5 step 4: score, partition into
// "new" vs "other", build a bounded batch favoring fresh work, then transition
// each batched Task to QUEUED and publish its envelope.
func (s *Service) dispatchPhase(ctx context.Context, th models.Thresholds) error {
	batchSize := th.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	minNew := th.MinNew
	if minNew <= 0 {
		minNew = defaultMinNew
	}

	candidates, err := s.store.ListQueueableTasks(ctx, batchSize*4)
	if err != nil {
		return fmt.Errorf("list queueable tasks: %w", err)
	}

	now := time.Now().UTC()
	var fresh, other []scoredTask
	for _, task := range candidates {
		if !task.Queueable(th.MaxFineTuneDepth) {
			continue
		}
		var bestDistance *float64
		if task.BestMetricID != nil {
			if metric, err := s.store.GetMetric(ctx, *task.BestMetricID); err == nil {
				bestDistance = &metric.Distance
			}
		}
		scored := scoredTask{task: task, score: s.priorityFn(task, now, th.AgingFactor, bestDistance)}
		if task.Status == models.TaskStatusNew {
			fresh = append(fresh, scored)
		} else {
			other = append(other, scored)
		}
	}

	sortByScoreDesc(fresh)
	sortByScoreDesc(other)

	// At most minNew "new" tasks first; the remainder comes only from "other",
	// never from fresh tasks beyond the minNew floor (SPEC_FULL.md §4.5 step 4)
	// — leftover fresh work waits for the next tick rather than crowding out
	// retry/fine-tune tasks that have been waiting longer.
	batch := make([]scoredTask, 0, batchSize)
	for _, st := range fresh {
		if len(batch) >= minNew || len(batch) >= batchSize {
			break
		}
		batch = append(batch, st)
	}
	for _, st := range other {
		if len(batch) >= batchSize {
			break
		}
		batch = append(batch, st)
	}

	for _, st := range batch {
		if err := s.dispatchOne(ctx, st.task, st.score); err != nil {
			s.logger.Warn().Err(err).Str("task_id", st.task.ID).Msg("scheduler: dispatch task failed")
		}
	}
	promMetrics.DispatchBatchSize.Observe(float64(len(batch)))
	return nil
}

func (s *Service) dispatchOne(ctx context.Context, task *models.Task, score float64) error {
	job, err := s.store.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	wasRetrying := task.Status == models.TaskStatusRetrying
	if _, err := s.store.UpdateTaskStatus(ctx, task.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusQueued
		if wasRetrying {
			t.AttemptCount++
		}
		t.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return fmt.Errorf("commit queued transition: %w", err)
	}

	if err := s.broker.PutBlob(ctx, task.BlobKey(s.blobKeyPrefix), task.InputFileBytes); err != nil {
		return fmt.Errorf("put input blob: %w", err)
	}

	envelope := models.NewEnvelope(job, task, s.blobKeyPrefix)
	if err := s.broker.Enqueue(ctx, envelope); err != nil {
		return fmt.Errorf("enqueue envelope: %w", err)
	}

	if s.events != nil {
		_ = s.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventTaskDispatched,
			Payload: map[string]interface{}{
				"job_id": job.ID, "task_id": task.ID, "priority": score,
			},
		})
	}
	return nil
}

func sortByScoreDesc(tasks []scoredTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].score != tasks[j].score {
			return tasks[i].score > tasks[j].score
		}
		return tasks[i].task.ID < tasks[j].task.ID
	})
}
