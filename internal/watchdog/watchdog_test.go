package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/models"
)

type fakeStore struct {
	stuck         []*models.Task
	byStatus      map[models.TaskStatus][]*models.Task
	byID          map[string]*models.Task
	jobs          map[string]*models.Job
	getTaskErr    map[string]error
}

func (f *fakeStore) ListStuckTasks(ctx context.Context, threshold time.Duration) ([]*models.Task, error) {
	return f.stuck, nil
}
func (f *fakeStore) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	return f.byStatus[status], nil
}
func (f *fakeStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	if err, ok := f.getTaskErr[id]; ok {
		return nil, err
	}
	if t, ok := f.byID[id]; ok {
		return t, nil
	}
	return nil, errors.New("not found")
}
func (f *fakeStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, errors.New("not found")
}
func (f *fakeStore) GetJobByOriginalFilename(context.Context, string) (*models.Job, error) {
	panic("unused")
}
func (f *fakeStore) UpdateTaskStatus(ctx context.Context, taskID string, mutate interfaces.TaskMutateFunc) (*models.Job, error) {
	task := f.byID[taskID]
	if task == nil {
		for _, list := range f.byStatus {
			for _, t := range list {
				if t.ID == taskID {
					task = t
				}
			}
		}
		for _, t := range f.stuck {
			if t.ID == taskID {
				task = t
			}
		}
	}
	if task == nil {
		return nil, errors.New("task not found")
	}
	if err := mutate(task); err != nil {
		return nil, err
	}
	return f.jobs[task.JobID], nil
}

func (f *fakeStore) CreateJob(context.Context, *models.Job, *models.Task) error { panic("unused") }
func (f *fakeStore) ListJobs(context.Context, interfaces.JobListOptions) ([]*models.Job, int, error) {
	panic("unused")
}
func (f *fakeStore) ListTasksByJob(context.Context, string) ([]*models.Task, error) { panic("unused") }
func (f *fakeStore) ListQueueableTasks(context.Context, int) ([]*models.Task, error) {
	panic("unused")
}
func (f *fakeStore) CreateFineTuneChild(context.Context, *models.Task) (bool, error) {
	panic("unused")
}
func (f *fakeStore) SaveMetric(context.Context, *models.Metric) error { panic("unused") }
func (f *fakeStore) ListMetricsByTask(context.Context, string) ([]*models.Metric, error) {
	panic("unused")
}
func (f *fakeStore) SaveArtifact(context.Context, *models.Artifact) error { panic("unused") }
func (f *fakeStore) GetMetric(context.Context, string) (*models.Metric, error) {
	panic("unused")
}
func (f *fakeStore) GetArtifactByMetric(context.Context, string, models.ArtifactKind) (*models.Artifact, error) {
	panic("unused")
}
func (f *fakeStore) BestMetricPerSymbol(context.Context, string) (*models.Metric, *models.Job, error) {
	panic("unused")
}
func (f *fakeStore) SaveReoptimizeHistory(context.Context, *models.ReoptimizeHistory) error {
	panic("unused")
}
func (f *fakeStore) ListReoptimizeHistory(context.Context, string) ([]*models.ReoptimizeHistory, error) {
	panic("unused")
}
func (f *fakeStore) ListReoptimizeHistoryBySymbol(context.Context, string) ([]*models.ReoptimizeHistory, error) {
	panic("unused")
}
func (f *fakeStore) Close() error { return nil }

type fakeBroker struct {
	blobs       map[string][]byte
	deleted     []string
	enqueued    []models.Envelope
	acked       []models.Envelope
	orphans     []models.Envelope
	getBlobErrs map[string]bool
}

func (b *fakeBroker) Enqueue(ctx context.Context, e models.Envelope) error {
	b.enqueued = append(b.enqueued, e)
	return nil
}
func (b *fakeBroker) QueueDepth(context.Context) (int64, error) { return 0, nil }
func (b *fakeBroker) Dequeue(context.Context, time.Duration) (*models.Envelope, error) {
	panic("unused")
}
func (b *fakeBroker) Ack(ctx context.Context, e models.Envelope) error {
	b.acked = append(b.acked, e)
	return nil
}
func (b *fakeBroker) DeadLetter(context.Context, models.Envelope, string) error { panic("unused") }
func (b *fakeBroker) ReconcileProcessing(context.Context) ([]models.Envelope, error) {
	return b.orphans, nil
}
func (b *fakeBroker) PutBlob(ctx context.Context, key string, data []byte) error {
	if b.blobs == nil {
		b.blobs = map[string][]byte{}
	}
	b.blobs[key] = data
	return nil
}
func (b *fakeBroker) GetBlob(ctx context.Context, key string) ([]byte, error) {
	if b.getBlobErrs[key] {
		return nil, errors.New("missing")
	}
	if v, ok := b.blobs[key]; ok {
		return v, nil
	}
	return nil, errors.New("missing")
}
func (b *fakeBroker) DeleteBlob(ctx context.Context, key string) error {
	b.deleted = append(b.deleted, key)
	return nil
}
func (b *fakeBroker) AcquireLeaderLease(context.Context, string, time.Duration) (bool, error) {
	panic("unused")
}
func (b *fakeBroker) RenewLeaderLease(context.Context, string, time.Duration) (bool, error) {
	panic("unused")
}
func (b *fakeBroker) ReleaseLeaderLease(context.Context, string) error { panic("unused") }
func (b *fakeBroker) Close() error                                    { return nil }

type fakeNotifier struct{ calls []string }

func (n *fakeNotifier) Notify(ctx context.Context, subject, message string) error {
	n.calls = append(n.calls, subject+": "+message)
	return nil
}

func baseThresholds() models.Thresholds {
	return models.Thresholds{
		JobStuckThreshold:       5 * time.Minute,
		WorkerInactiveThreshold: 10 * time.Minute,
	}
}

func TestSweepStuckTasks_RetriesWhenAttemptsRemainAndBlobRestorable(t *testing.T) {
	task := &models.Task{ID: "task-1", JobID: "job-1", Status: models.TaskStatusWorkerInProgress, AttemptCount: 0, MaxAttempts: 3, InputFileBytes: []byte("bytes")}
	store := &fakeStore{stuck: []*models.Task{task}, jobs: map[string]*models.Job{"job-1": {ID: "job-1"}}}
	broker := &fakeBroker{getBlobErrs: map[string]bool{task.BlobKey("task:"): true}}
	notifier := &fakeNotifier{}
	wd := New(store, broker, nil, notifier, nil, "task:", arbor.NewLogger())

	require.NoError(t, wd.sweepStuckTasks(context.Background(), baseThresholds()))

	assert.Equal(t, models.TaskStatusRetrying, task.Status)
	assert.Equal(t, []byte("bytes"), broker.blobs[task.BlobKey("task:")])
	require.Len(t, notifier.calls, 1)
}

func TestSweepStuckTasks_FailsWhenBlobUnrecoverable(t *testing.T) {
	task := &models.Task{ID: "task-1", JobID: "job-1", Status: models.TaskStatusWorkerInProgress, AttemptCount: 0, MaxAttempts: 3}
	store := &fakeStore{stuck: []*models.Task{task}, jobs: map[string]*models.Job{"job-1": {ID: "job-1"}}}
	broker := &fakeBroker{getBlobErrs: map[string]bool{task.BlobKey("task:"): true}}
	wd := New(store, broker, nil, &fakeNotifier{}, nil, "task:", arbor.NewLogger())

	require.NoError(t, wd.sweepStuckTasks(context.Background(), baseThresholds()))

	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, broker.deleted, task.BlobKey("task:"))
}

func TestSweepStuckTasks_FailsWhenAttemptsExhausted(t *testing.T) {
	task := &models.Task{ID: "task-1", JobID: "job-1", Status: models.TaskStatusWorkerInProgress, AttemptCount: 3, MaxAttempts: 3}
	store := &fakeStore{stuck: []*models.Task{task}, jobs: map[string]*models.Job{"job-1": {ID: "job-1"}}}
	wd := New(store, &fakeBroker{}, nil, &fakeNotifier{}, nil, "task:", arbor.NewLogger())

	require.NoError(t, wd.sweepStuckTasks(context.Background(), baseThresholds()))
	assert.Equal(t, models.TaskStatusFailed, task.Status)
}

func TestRunBootSweep_ReclaimsOrphanedAssignedTasks(t *testing.T) {
	task := &models.Task{ID: "task-1", JobID: "job-1", Status: models.TaskStatusWorkerInProgress, AssignedWorker: "worker-1", AttemptCount: 0, MaxAttempts: 3, InputFileBytes: []byte("x")}
	store := &fakeStore{
		byStatus: map[models.TaskStatus][]*models.Task{models.TaskStatusWorkerInProgress: {task}},
		jobs:     map[string]*models.Job{"job-1": {ID: "job-1"}},
	}
	wd := New(store, &fakeBroker{}, nil, &fakeNotifier{}, nil, "task:", arbor.NewLogger())

	require.NoError(t, wd.RunBootSweep(context.Background(), baseThresholds()))
	assert.Equal(t, models.TaskStatusRetrying, task.Status)
	assert.Empty(t, task.AssignedWorker)
}

func TestReconcileBrokerOrphans_AcksDanglingTerminalEnvelope(t *testing.T) {
	task := &models.Task{ID: "task-1", JobID: "job-1", Status: models.TaskStatusCompletedSuccess}
	envelope := models.Envelope{JobID: "job-1", TaskID: "task-1"}
	store := &fakeStore{byID: map[string]*models.Task{"task-1": task}}
	broker := &fakeBroker{orphans: []models.Envelope{envelope}}
	wd := New(store, broker, nil, &fakeNotifier{}, nil, "task:", arbor.NewLogger())

	require.NoError(t, wd.reconcileBrokerOrphans(context.Background()))
	assert.Len(t, broker.acked, 1)
}

func TestReconcileBrokerOrphans_ReclaimsActiveTask(t *testing.T) {
	task := &models.Task{ID: "task-1", JobID: "job-1", Status: models.TaskStatusWorkerInProgress, AttemptCount: 0, MaxAttempts: 3, InputFileBytes: []byte("x")}
	envelope := models.Envelope{JobID: "job-1", TaskID: "task-1"}
	store := &fakeStore{byID: map[string]*models.Task{"task-1": task}, jobs: map[string]*models.Job{"job-1": {ID: "job-1"}}}
	broker := &fakeBroker{orphans: []models.Envelope{envelope}}
	wd := New(store, broker, nil, &fakeNotifier{}, nil, "task:", arbor.NewLogger())

	require.NoError(t, wd.reconcileBrokerOrphans(context.Background()))
	assert.Equal(t, models.TaskStatusRetrying, task.Status)
	assert.Len(t, broker.acked, 1)
}
