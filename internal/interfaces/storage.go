// -----------------------------------------------------------------------
// Last Modified: Wednesday, 5th November 2025 6:08:59 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/optorch/internal/models"
)

// ErrJobNotFound is returned by GetJob and GetJobByOriginalFilename when no row
// matches, so callers outside internal/store/postgres (e.g. the Ingestor's
// duplicate-path check) can test for absence with errors.Is without importing
// a concrete Store implementation.
var ErrJobNotFound = errors.New("job not found")

// JobListOptions filters and paginates the admin job listing (SPEC_FULL.md §6.6).
type JobListOptions struct {
	Status   models.JobStatus
	Symbol   string
	OrderBy  string
	OrderDir string
	Limit    int
	Offset   int
}

// TaskMutateFunc applies an in-memory change to a locked Task. Store
// implementations call it between loading the row under SELECT ... FOR UPDATE and
// writing it back in the same transaction.
type TaskMutateFunc func(task *models.Task) error

// Store is the relational persistence contract for Jobs, Tasks, Metrics,
// Artifacts, and reoptimize history (SPEC_FULL.md §5). Every Task status write
// recomputes and persists the parent Job's aggregate status (internal/jobstatus)
// in the same transaction that wrote the Task, under row locks on both the Task
// and its Job so two writers never race on the same Job's recompute. Implementations retry
// lock-contention errors with linear (not exponential) backoff per SPEC_FULL.md
// §5's deliberate deviation from the ambient retry convention.
type Store interface {
	// CreateJob persists a new Job together with its initial Task in one
	// transaction.
	CreateJob(ctx context.Context, job *models.Job, initialTask *models.Task) error

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts JobListOptions) ([]*models.Job, int, error)

	// GetJobByOriginalFilename looks up a Job by the original submission's file
	// name, the Ingestor's duplicate-path rejection check (spec.md §6.1). Returns
	// ErrJobNotFound (wrapped per implementation) if no Job was ever created from
	// that file name.
	GetJobByOriginalFilename(ctx context.Context, originalFilename string) (*models.Job, error)

	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasksByJob(ctx context.Context, jobID string) ([]*models.Task, error)

	// ListQueueableTasks returns NEW/RETRYING/FINE_TUNING tasks whose Job has no
	// COMPLETED_SUCCESS sibling, up to limit, for the Scheduler's dispatch phase
	// to re-score with PriorityFn and batch.
	ListQueueableTasks(ctx context.Context, limit int) ([]*models.Task, error)

	// ListStuckTasks returns WORKER_IN_PROGRESS tasks whose heartbeat is older
	// than the given threshold, for the Watchdog's stuck-task sweep.
	ListStuckTasks(ctx context.Context, workerInactiveThreshold time.Duration) ([]*models.Task, error)

	// ListTasksByStatus returns every Task in the given status, for the
	// Scheduler's post-worker and fine-tune phases and the Watchdog's queued-task
	// reconciliation, none of which can narrow by job id up front.
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)

	// UpdateTaskStatus loads the Task under SELECT ... FOR UPDATE, applies mutate,
	// writes it back, recomputes the parent Job's aggregate status
	// (internal/jobstatus.Aggregate) from every sibling Task, and persists both in
	// the same transaction. Returns the recomputed Job.
	UpdateTaskStatus(ctx context.Context, taskID string, mutate TaskMutateFunc) (*models.Job, error)

	// CreateFineTuneChild inserts a fine-tune child Task idempotently: if a child
	// already exists for the given parent task ID nothing is inserted and
	// created=false is returned instead of an error, per SPEC_FULL.md §4.6's
	// duplicate-spawn guard. The existing child itself is not returned.
	CreateFineTuneChild(ctx context.Context, child *models.Task) (created bool, err error)

	SaveMetric(ctx context.Context, metric *models.Metric) error
	SaveArtifact(ctx context.Context, artifact *models.Artifact) error
	GetMetric(ctx context.Context, metricID string) (*models.Metric, error)

	// ListMetricsByTask returns every Metric a worker has reported for a Task, the
	// input the Scheduler's post-worker phase hands to internal/evaluator.Evaluate
	// and uses to pick the Task's best Metric (SPEC_FULL.md §4.5, §4.6).
	ListMetricsByTask(ctx context.Context, taskID string) ([]*models.Metric, error)

	// GetArtifactByMetric returns the Artifact of the given kind attached to a
	// Metric, for the Fine-Tune Spawner's output_set lookup and the
	// Auto-Reoptimizer's derivative-file materialization (SPEC_FULL.md §4.6,
	// §4.8). Returns ErrArtifactNotFound if none exists.
	GetArtifactByMetric(ctx context.Context, metricID string, kind models.ArtifactKind) (*models.Artifact, error)

	// BestMetricPerSymbol returns the lowest-distance Metric (highest score
	// breaking ties), and its owning Job, across every COMPLETED_SUCCESS or
	// COMPLETED_PARTIAL task for the given symbol. The Auto-Reoptimizer does not
	// call it: it ranks candidates by each Job's own Tasks' BestMetricID.
	BestMetricPerSymbol(ctx context.Context, symbol string) (*models.Metric, *models.Job, error)

	SaveReoptimizeHistory(ctx context.Context, hist *models.ReoptimizeHistory) error
	ListReoptimizeHistory(ctx context.Context, jobID string) ([]*models.ReoptimizeHistory, error)

	// ListReoptimizeHistoryBySymbol returns every reoptimize audit row for every
	// Job sharing symbol, the scope the Auto-Reoptimizer's tie-break count uses
	// (SPEC_FULL.md §4.8).
	ListReoptimizeHistoryBySymbol(ctx context.Context, symbol string) ([]*models.ReoptimizeHistory, error)

	Close() error
}

// Broker is the external queueing and coordination contract (SPEC_FULL.md §6.2).
// Main/processing/dead-letter are logically distinct Redis lists; a Dequeue moves
// an envelope from main to processing atomically so a crash between dequeue and
// ack leaves the envelope recoverable by the Watchdog's reconciliation sweep.
type Broker interface {
	Enqueue(ctx context.Context, envelope models.Envelope) error

	// QueueDepth returns the number of envelopes waiting on the main queue, the
	// idle signal the Auto-Reoptimizer gates on (SPEC_FULL.md §4.8: "runs only
	// when Broker main-queue depth == 0").
	QueueDepth(ctx context.Context) (int64, error)

	// Dequeue blocks up to timeout for an envelope, moving it into the processing
	// queue atomically. Returns (nil, nil) on timeout with nothing available.
	Dequeue(ctx context.Context, timeout time.Duration) (*models.Envelope, error)

	// Ack removes an envelope from the processing queue after its Task has been
	// durably recorded as dispatched or completed.
	Ack(ctx context.Context, envelope models.Envelope) error

	DeadLetter(ctx context.Context, envelope models.Envelope, reason string) error

	// ReconcileProcessing returns every envelope currently in the processing
	// queue, whether or not its Task is still in flight, for the Watchdog's
	// boot-time orphan sweep and periodic DB/Broker reconciliation
	// (SPEC_FULL.md §4.7).
	ReconcileProcessing(ctx context.Context) ([]models.Envelope, error)

	PutBlob(ctx context.Context, key string, data []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, error)
	DeleteBlob(ctx context.Context, key string) error

	// AcquireLeaderLease attempts to become the single active controller via
	// SETNX with a TTL; RenewLeaderLease extends it. Both return false without
	// error when the lease is held by a different controllerID.
	AcquireLeaderLease(ctx context.Context, controllerID string, ttl time.Duration) (bool, error)
	RenewLeaderLease(ctx context.Context, controllerID string, ttl time.Duration) (bool, error)
	ReleaseLeaderLease(ctx context.Context, controllerID string) error

	Close() error
}

// Notifier dispatches fire-and-forget operator notifications (SPEC_FULL.md §4.9).
// A notification failure is logged, never returned to the caller as a scheduling
// error: the scheduling plane's correctness never depends on delivery.
type Notifier interface {
	Notify(ctx context.Context, subject, message string) error
}
