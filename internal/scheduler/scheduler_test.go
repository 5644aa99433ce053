package scheduler

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
	tasksByStatus map[models.TaskStatus][]*models.Task
	tasksByJob    map[string][]*models.Task
	metricsByTask map[string][]*models.Metric
	metrics       map[string]*models.Metric
	jobs          map[string]*models.Job
	queueable     []*models.Task
	deletedBlobs  []string
	updates       []*models.Task
}

func (f *fakeStore) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	return f.tasksByStatus[status], nil
}
func (f *fakeStore) ListTasksByJob(ctx context.Context, jobID string) ([]*models.Task, error) {
	return f.tasksByJob[jobID], nil
}
func (f *fakeStore) ListMetricsByTask(ctx context.Context, taskID string) ([]*models.Metric, error) {
	return f.metricsByTask[taskID], nil
}
func (f *fakeStore) GetMetric(ctx context.Context, id string) (*models.Metric, error) {
	if m, ok := f.metrics[id]; ok {
		return m, nil
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
func (f *fakeStore) ListQueueableTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	return f.queueable, nil
}
func (f *fakeStore) UpdateTaskStatus(ctx context.Context, taskID string, mutate interfaces.TaskMutateFunc) (*models.Job, error) {
	var target *models.Task
	for _, list := range f.tasksByStatus {
		for _, t := range list {
			if t.ID == taskID {
				target = t
			}
		}
	}
	if target == nil {
		for _, list := range f.tasksByJob {
			for _, t := range list {
				if t.ID == taskID {
					target = t
				}
			}
		}
	}
	if target == nil {
		for _, t := range f.queueable {
			if t.ID == taskID {
				target = t
			}
		}
	}
	if target == nil {
		return nil, errors.New("task not found")
	}
	if err := mutate(target); err != nil {
		return nil, err
	}
	f.updates = append(f.updates, target)
	return f.jobs[target.JobID], nil
}

func (f *fakeStore) CreateJob(context.Context, *models.Job, *models.Task) error { panic("unused") }
func (f *fakeStore) ListJobs(context.Context, interfaces.JobListOptions) ([]*models.Job, int, error) {
	panic("unused")
}
func (f *fakeStore) GetTask(context.Context, string) (*models.Task, error) { panic("unused") }
func (f *fakeStore) ListStuckTasks(context.Context, time.Duration) ([]*models.Task, error) {
	panic("unused")
}
func (f *fakeStore) CreateFineTuneChild(context.Context, *models.Task) (bool, error) {
	panic("unused")
}
func (f *fakeStore) SaveMetric(context.Context, *models.Metric) error     { panic("unused") }
func (f *fakeStore) SaveArtifact(context.Context, *models.Artifact) error { panic("unused") }
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
	deletedBlobs []string
	putBlobs     map[string][]byte
	enqueued     []models.Envelope
}

func (b *fakeBroker) Enqueue(ctx context.Context, e models.Envelope) error {
	b.enqueued = append(b.enqueued, e)
	return nil
}
func (b *fakeBroker) QueueDepth(context.Context) (int64, error) { return 0, nil }
func (b *fakeBroker) Dequeue(context.Context, time.Duration) (*models.Envelope, error) {
	panic("unused")
}
func (b *fakeBroker) Ack(context.Context, models.Envelope) error { panic("unused") }
func (b *fakeBroker) DeadLetter(context.Context, models.Envelope, string) error {
	panic("unused")
}
func (b *fakeBroker) ReconcileProcessing(context.Context) ([]models.Envelope, error) {
	panic("unused")
}
func (b *fakeBroker) PutBlob(ctx context.Context, key string, data []byte) error {
	if b.putBlobs == nil {
		b.putBlobs = map[string][]byte{}
	}
	b.putBlobs[key] = data
	return nil
}
func (b *fakeBroker) GetBlob(context.Context, string) ([]byte, error) { panic("unused") }
func (b *fakeBroker) DeleteBlob(ctx context.Context, key string) error {
	b.deletedBlobs = append(b.deletedBlobs, key)
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

type fakeEvents struct{ published []interfaces.Event }

func (e *fakeEvents) Subscribe(interfaces.EventType, interfaces.EventHandler) error   { return nil }
func (e *fakeEvents) Unsubscribe(interfaces.EventType, interfaces.EventHandler) error { return nil }
func (e *fakeEvents) Publish(ctx context.Context, ev interfaces.Event) error {
	e.published = append(e.published, ev)
	return nil
}
func (e *fakeEvents) PublishSync(ctx context.Context, ev interfaces.Event) error { return e.Publish(ctx, ev) }
func (e *fakeEvents) Close() error                                              { return nil }

func baseThresholds() models.Thresholds {
	return models.Thresholds{
		TaskMaxAttempts:   3,
		MaxFineTuneDepth:  2,
		DistanceThreshold: 0.1,
		ScoreThreshold:    0.8,
		AgingFactor:       0.01,
		BatchSize:         10,
		MinNew:            2,
	}
}

func newTestService(store *fakeStore, broker *fakeBroker, events *fakeEvents) *Service {
	th := models.NewThresholdStore(baseThresholds())
	return New(store, broker, events, th, nil, nil, nil, "task:", arbor.NewLogger())
}

func TestEvaluateTask_WorkerCompletedSuccessTransitionsAndReleasesBlob(t *testing.T) {
	task := &models.Task{ID: "task-1", JobID: "job-1", Status: models.TaskStatusWorkerCompleted, MaxAttempts: 3}
	store := &fakeStore{
		tasksByStatus: map[models.TaskStatus][]*models.Task{models.TaskStatusWorkerCompleted: {task}},
		tasksByJob:    map[string][]*models.Task{"job-1": {task}},
		metricsByTask: map[string][]*models.Metric{"task-1": {{ID: "m1", TaskID: "task-1", Distance: 0.05, Score: 0.9}}},
		jobs:          map[string]*models.Job{"job-1": {ID: "job-1"}},
	}
	broker := &fakeBroker{}
	events := &fakeEvents{}
	s := newTestService(store, broker, events)

	require.NoError(t, s.postWorkerPhase(context.Background(), baseThresholds()))

	assert.Equal(t, models.TaskStatusCompletedSuccess, task.Status)
	require.NotNil(t, task.BestMetricID)
	assert.Equal(t, "m1", *task.BestMetricID)
	assert.Contains(t, broker.deletedBlobs, task.BlobKey("task:"))
	require.Len(t, events.published, 1)
}

func TestEvaluateTask_WorkerCompletedNoneRetriesWithinBudget(t *testing.T) {
	task := &models.Task{ID: "task-1", JobID: "job-1", Status: models.TaskStatusWorkerCompleted, AttemptCount: 0, MaxAttempts: 3}
	store := &fakeStore{
		tasksByStatus: map[models.TaskStatus][]*models.Task{models.TaskStatusWorkerCompleted: {task}},
		tasksByJob:    map[string][]*models.Task{"job-1": {task}},
		metricsByTask: map[string][]*models.Metric{"task-1": {{ID: "m1", TaskID: "task-1", Distance: 0.9, Score: 0.1}}},
		jobs:          map[string]*models.Job{"job-1": {ID: "job-1"}},
	}
	s := newTestService(store, &fakeBroker{}, &fakeEvents{})

	require.NoError(t, s.postWorkerPhase(context.Background(), baseThresholds()))
	assert.Equal(t, models.TaskStatusRetrying, task.Status)
}

func TestEvaluateTask_WorkerCompletedSkippedWhenSiblingAlreadySucceeded(t *testing.T) {
	task := &models.Task{ID: "task-1", JobID: "job-1", Status: models.TaskStatusWorkerCompleted, MaxAttempts: 3}
	sibling := &models.Task{ID: "task-2", JobID: "job-1", Status: models.TaskStatusCompletedSuccess}
	store := &fakeStore{
		tasksByStatus: map[models.TaskStatus][]*models.Task{models.TaskStatusWorkerCompleted: {task}},
		tasksByJob:    map[string][]*models.Task{"job-1": {task, sibling}},
		jobs:          map[string]*models.Job{"job-1": {ID: "job-1"}},
	}
	s := newTestService(store, &fakeBroker{}, &fakeEvents{})

	require.NoError(t, s.postWorkerPhase(context.Background(), baseThresholds()))
	assert.Equal(t, models.TaskStatusWorkerCompleted, task.Status) // untouched
}

func TestEvaluateTask_WorkerFailedExhaustedAttemptsFails(t *testing.T) {
	task := &models.Task{ID: "task-1", JobID: "job-1", Status: models.TaskStatusWorkerFailed, AttemptCount: 3, MaxAttempts: 3}
	store := &fakeStore{
		tasksByStatus: map[models.TaskStatus][]*models.Task{models.TaskStatusWorkerFailed: {task}},
		tasksByJob:    map[string][]*models.Task{"job-1": {task}},
		jobs:          map[string]*models.Job{"job-1": {ID: "job-1"}},
	}
	broker := &fakeBroker{}
	s := newTestService(store, broker, &fakeEvents{})

	require.NoError(t, s.postWorkerPhase(context.Background(), baseThresholds()))
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, broker.deletedBlobs, task.BlobKey("task:"))
}

func TestDispatchPhase_PrioritizesNewUpToMinNewThenFillsWithOther(t *testing.T) {
	now := time.Now().UTC()
	newTasks := []*models.Task{
		{ID: "new-1", JobID: "job-1", Status: models.TaskStatusNew, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now, InputFileBytes: []byte("a")},
		{ID: "new-2", JobID: "job-1", Status: models.TaskStatusNew, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now, InputFileBytes: []byte("b")},
		{ID: "new-3", JobID: "job-1", Status: models.TaskStatusNew, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now, InputFileBytes: []byte("c")},
	}
	retrying := &models.Task{ID: "retry-1", JobID: "job-1", Status: models.TaskStatusRetrying, AttemptCount: 1, MaxAttempts: 3, Priority: 50, CreatedAt: now, UpdatedAt: now, InputFileBytes: []byte("d")}

	all := append(append([]*models.Task{}, newTasks...), retrying)
	store := &fakeStore{
		queueable: all,
		jobs:      map[string]*models.Job{"job-1": {ID: "job-1", StrategyName: "strat"}},
	}
	broker := &fakeBroker{}
	th := baseThresholds()
	th.BatchSize = 3
	th.MinNew = 2
	s := newTestService(store, broker, &fakeEvents{})

	require.NoError(t, s.dispatchPhase(context.Background(), th))

	require.Len(t, broker.enqueued, 3)
	statuses := map[string]models.TaskStatus{}
	for _, task := range all {
		statuses[task.ID] = task.Status
	}
	assert.Equal(t, models.TaskStatusQueued, statuses["new-1"])
	assert.Equal(t, models.TaskStatusQueued, statuses["new-2"])
	assert.Equal(t, models.TaskStatusQueued, statuses["retry-1"])
	assert.Equal(t, models.TaskStatusNew, statuses["new-3"]) // bumped out by batch size
	assert.Equal(t, 2, retrying.AttemptCount)                // bumped on RETRYING->QUEUED
}

func TestStartStop_TracksRunningState(t *testing.T) {
	store := &fakeStore{queueable: nil, jobs: map[string]*models.Job{}}
	s := newTestService(store, &fakeBroker{}, &fakeEvents{})

	require.NoError(t, s.Start("50ms"))
	assert.True(t, s.IsRunning())
	require.Error(t, s.Start("50ms")) // already running

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}
