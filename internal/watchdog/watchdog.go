// Package watchdog implements the Watchdog loop (SPEC_FULL.md §4.7): it
// rescues state the Scheduler's happy path can't reach on its own — tasks
// whose worker stopped reporting, workers that have gone silent, and Store/
// Broker divergence. It never performs Evaluator work; every transition it
// makes uses the same state-machine rules the Scheduler uses for stuck and
// failed tasks (SPEC_FULL.md §4.2).
//
// Run as one of the background goroutines an internal/app composition root
// starts and stops cooperatively through a shared stop context, the same
// lifecycle shape as the Scheduler loop.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/metrics"
	"github.com/ternarybob/optorch/internal/models"
)

// Watchdog reclaims stalled Tasks and reconciles Store/Broker divergence.
type Watchdog struct {
	store    interfaces.Store
	broker   interfaces.Broker
	events   interfaces.EventService
	notifier interfaces.Notifier
	elector  Elector
	logger   arbor.ILogger

	blobKeyPrefix string
}

// Elector reports whether this process currently holds the single-active-
// controller lease. Satisfied by *internal/leader.Elector.
type Elector interface {
	IsLeader() bool
}

func New(store interfaces.Store, broker interfaces.Broker, events interfaces.EventService, notifier interfaces.Notifier, elector Elector, blobKeyPrefix string, logger arbor.ILogger) *Watchdog {
	return &Watchdog{store: store, broker: broker, events: events, notifier: notifier, elector: elector, blobKeyPrefix: blobKeyPrefix, logger: logger}
}

// Run blocks, ticking every pollInterval until ctx is cancelled. Callers
// should invoke RunBootSweep once before Run, per SPEC_FULL.md §4.7's
// restart-time reconciliation requirement.
func (w *Watchdog) Run(ctx context.Context, pollInterval time.Duration, thresholds *models.ThresholdStore) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.elector != nil && !w.elector.IsLeader() {
				continue
			}
			if err := w.RunOnce(ctx, thresholds.Load()); err != nil {
				w.logger.Warn().Err(err).Msg("watchdog: iteration failed")
			}
		}
	}
}

// RunOnce executes the three sweeps in order (SPEC_FULL.md §4.7): stuck
// tasks, inactive workers, and Store/Broker reconciliation.
func (w *Watchdog) RunOnce(ctx context.Context, th models.Thresholds) error {
	if err := w.sweepStuckTasks(ctx, th); err != nil {
		return fmt.Errorf("stuck task sweep: %w", err)
	}
	if err := w.sweepInactiveWorkers(ctx, th); err != nil {
		return fmt.Errorf("inactive worker sweep: %w", err)
	}
	if err := w.reconcileQueued(ctx, th); err != nil {
		return fmt.Errorf("queued reconciliation: %w", err)
	}
	if err := w.reconcileBrokerOrphans(ctx); err != nil {
		return fmt.Errorf("broker orphan reconciliation: %w", err)
	}
	return nil
}

// RunBootSweep performs the one-shot restart-time reconciliation SPEC_FULL.md
// §4.7 calls for: every Task left WORKER_IN_PROGRESS or QUEUED with an
// assigned_worker from a prior process lifetime is treated as discovered
// stuck on the very first iteration, regardless of how recently it was
// updated — no worker in this process run has had a chance to report on it
// yet, so its heartbeat recency tells us nothing.
func (w *Watchdog) RunBootSweep(ctx context.Context, th models.Thresholds) error {
	var orphans []*models.Task
	for _, status := range []models.TaskStatus{models.TaskStatusWorkerInProgress, models.TaskStatusQueued} {
		tasks, err := w.store.ListTasksByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if t.AssignedWorker != "" {
				orphans = append(orphans, t)
			}
		}
	}

	for _, task := range orphans {
		if err := w.reclaim(ctx, task, "service restarted while task was in progress"); err != nil {
			w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("watchdog: boot sweep reclaim failed")
		}
	}
	w.logger.Info().Int("count", len(orphans)).Msg("watchdog: boot-time orphan sweep complete")

	if err := w.reconcileBrokerOrphans(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("watchdog: boot-time broker reconciliation failed")
	}
	return nil
}

// reconcileBrokerOrphans drains the Broker's own view of orphaned work:
// processing-queue envelopes whose Task no longer matches (the worker crashed
// between dequeue and completion, or already finished and the ack was lost).
// A still-active Task is reclaimed exactly like a stuck task; a Task already
// terminal just needs its dangling envelope acknowledged away.
func (w *Watchdog) reconcileBrokerOrphans(ctx context.Context) error {
	envelopes, err := w.broker.ReconcileProcessing(ctx)
	if err != nil {
		return err
	}

	for _, envelope := range envelopes {
		task, err := w.store.GetTask(ctx, envelope.TaskID)
		if err != nil {
			w.logger.Warn().Err(err).Str("task_id", envelope.TaskID).Msg("watchdog: orphan envelope has no matching task")
			_ = w.broker.Ack(ctx, envelope)
			continue
		}

		if task.Status.Terminal() {
			if err := w.broker.Ack(ctx, envelope); err != nil {
				w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("watchdog: ack dangling envelope failed")
			}
			continue
		}

		if err := w.reclaim(ctx, task, "broker processing entry orphaned"); err != nil {
			w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("watchdog: reclaim broker orphan failed")
			continue
		}
		if err := w.broker.Ack(ctx, envelope); err != nil {
			w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("watchdog: ack reclaimed envelope failed")
		}
	}
	return nil
}

func (w *Watchdog) sweepStuckTasks(ctx context.Context, th models.Thresholds) error {
	stuck, err := w.store.ListStuckTasks(ctx, th.JobStuckThreshold)
	if err != nil {
		return err
	}
	for _, task := range stuck {
		if err := w.reclaim(ctx, task, "no heartbeat within job stuck threshold"); err != nil {
			w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("watchdog: reclaim stuck task failed")
		}
	}
	return nil
}

// reclaim applies SPEC_FULL.md §4.2's "Watchdog on stuck task" rule: retry if
// attempts remain and the input blob can be guaranteed in the Broker
// (restoring it from the Store row if missing), otherwise fail.
func (w *Watchdog) reclaim(ctx context.Context, task *models.Task, reason string) error {
	if task.Status.Terminal() {
		return nil
	}

	var failReason string
	retry := task.AttemptCount < task.MaxAttempts
	if retry {
		if err := w.ensureBlob(ctx, task); err != nil {
			retry = false
			failReason = "Missing input blob in Broker and Store"
		}
	}

	newStatus := models.TaskStatusFailed
	outcome := "failed"
	if retry {
		newStatus = models.TaskStatusRetrying
		outcome = "retried"
	}
	metrics.WatchdogReclamations.WithLabelValues(outcome).Inc()

	job, err := w.store.UpdateTaskStatus(ctx, task.ID, func(t *models.Task) error {
		t.Status = newStatus
		t.AssignedWorker = ""
		t.LastError = failReason
		t.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit reclaim: %w", err)
	}

	if newStatus.Terminal() {
		if err := w.broker.DeleteBlob(ctx, task.BlobKey(w.blobKeyPrefix)); err != nil {
			w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("watchdog: release input blob failed")
		}
	}

	w.notify(ctx, "Task reclaimed", fmt.Sprintf("task %s (job %s): %s -> %s (%s)", task.ID, task.JobID, reason, newStatus, failReason))

	if w.events != nil {
		_ = w.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventTaskReclaimed,
			Payload: map[string]interface{}{
				"job_id": job.ID, "task_id": task.ID, "reason": reason,
			},
		})
	}
	return nil
}

// ensureBlob confirms the Task's input blob is present in the Broker,
// restoring it from the Store-held bytes if it has gone missing.
func (w *Watchdog) ensureBlob(ctx context.Context, task *models.Task) error {
	key := task.BlobKey(w.blobKeyPrefix)
	if _, err := w.broker.GetBlob(ctx, key); err == nil {
		return nil
	}
	if len(task.InputFileBytes) == 0 {
		return fmt.Errorf("no input bytes on record for task %s", task.ID)
	}
	return w.broker.PutBlob(ctx, key, task.InputFileBytes)
}

func (w *Watchdog) sweepInactiveWorkers(ctx context.Context, th models.Thresholds) error {
	inProgress, err := w.store.ListTasksByStatus(ctx, models.TaskStatusWorkerInProgress)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-th.WorkerInactiveThreshold)
	seen := map[string]bool{}
	for _, task := range inProgress {
		if task.AssignedWorker == "" {
			continue
		}
		if task.LastHeartbeat != nil && task.LastHeartbeat.After(cutoff) {
			continue
		}
		if seen[task.AssignedWorker] {
			continue
		}
		seen[task.AssignedWorker] = true
		w.notify(ctx, "Worker inactive", fmt.Sprintf("worker %s has not reported a heartbeat within %s", task.AssignedWorker, th.WorkerInactiveThreshold))
	}
	return nil
}

// reconcileQueued implements SPEC_FULL.md §4.7 step 3: a Task stuck in
// QUEUED for longer than the job-stuck threshold has either lost its envelope
// or is the victim of a crash between the Scheduler's write and its Broker
// publish. It is re-published after the input blob is confirmed present.
func (w *Watchdog) reconcileQueued(ctx context.Context, th models.Thresholds) error {
	queued, err := w.store.ListTasksByStatus(ctx, models.TaskStatusQueued)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-th.JobStuckThreshold)
	for _, task := range queued {
		if task.UpdatedAt.After(cutoff) {
			continue
		}

		job, err := w.store.GetJob(ctx, task.JobID)
		if err != nil {
			w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("watchdog: reconcile get job failed")
			continue
		}

		if err := w.ensureBlob(ctx, task); err != nil {
			if failErr := w.failUnrecoverable(ctx, task); failErr != nil {
				w.logger.Warn().Err(failErr).Str("task_id", task.ID).Msg("watchdog: fail unrecoverable task failed")
			}
			continue
		}

		envelope := models.NewEnvelope(job, task, w.blobKeyPrefix)
		if err := w.broker.Enqueue(ctx, envelope); err != nil {
			w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("watchdog: republish envelope failed")
			continue
		}
		w.logger.Info().Str("task_id", task.ID).Msg("watchdog: republished stranded queued task")
	}
	return nil
}

func (w *Watchdog) failUnrecoverable(ctx context.Context, task *models.Task) error {
	_, err := w.store.UpdateTaskStatus(ctx, task.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusFailed
		t.LastError = "Missing input blob in Broker and Store"
		t.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	w.notify(ctx, "Task unrecoverable", fmt.Sprintf("task %s: missing input blob in both Broker and Store", task.ID))
	return nil
}

func (w *Watchdog) notify(ctx context.Context, subject, message string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, subject, message); err != nil {
		w.logger.Warn().Err(err).Msg("watchdog: notify failed")
	}
}
