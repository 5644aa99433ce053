package reoptimizer

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/models"
)

type fakeBroker struct{ depth int64 }

func (b *fakeBroker) Enqueue(context.Context, models.Envelope) error { panic("unused") }
func (b *fakeBroker) QueueDepth(context.Context) (int64, error)      { return b.depth, nil }
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
func (b *fakeBroker) PutBlob(context.Context, string, []byte) error { panic("unused") }
func (b *fakeBroker) GetBlob(context.Context, string) ([]byte, error) {
	panic("unused")
}
func (b *fakeBroker) DeleteBlob(context.Context, string) error { panic("unused") }
func (b *fakeBroker) AcquireLeaderLease(context.Context, string, time.Duration) (bool, error) {
	panic("unused")
}
func (b *fakeBroker) RenewLeaderLease(context.Context, string, time.Duration) (bool, error) {
	panic("unused")
}
func (b *fakeBroker) ReleaseLeaderLease(context.Context, string) error { panic("unused") }
func (b *fakeBroker) Close() error                                    { return nil }

type fakeStore struct {
	jobsByStatus map[models.JobStatus][]*models.Job
	tasksByJob   map[string][]*models.Task
	metrics      map[string]*models.Metric
	artifacts    map[string]*models.Artifact
	history      map[string][]*models.ReoptimizeHistory // keyed by job ID or symbol, whichever the test needs
	savedHistory []*models.ReoptimizeHistory
}

func (f *fakeStore) ListJobs(ctx context.Context, opts interfaces.JobListOptions) ([]*models.Job, int, error) {
	jobs := f.jobsByStatus[opts.Status]
	return jobs, len(jobs), nil
}
func (f *fakeStore) ListTasksByJob(ctx context.Context, jobID string) ([]*models.Task, error) {
	return f.tasksByJob[jobID], nil
}
func (f *fakeStore) GetMetric(ctx context.Context, id string) (*models.Metric, error) {
	if m, ok := f.metrics[id]; ok {
		return m, nil
	}
	return nil, errors.New("not found")
}
func (f *fakeStore) GetArtifactByMetric(ctx context.Context, metricID string, kind models.ArtifactKind) (*models.Artifact, error) {
	if a, ok := f.artifacts[metricID]; ok {
		return a, nil
	}
	return nil, errors.New("not found")
}
func (f *fakeStore) ListReoptimizeHistory(ctx context.Context, jobID string) ([]*models.ReoptimizeHistory, error) {
	return f.history[jobID], nil
}
func (f *fakeStore) ListReoptimizeHistoryBySymbol(ctx context.Context, symbol string) ([]*models.ReoptimizeHistory, error) {
	return f.history[symbol], nil
}
func (f *fakeStore) SaveReoptimizeHistory(ctx context.Context, hist *models.ReoptimizeHistory) error {
	f.savedHistory = append(f.savedHistory, hist)
	return nil
}

func (f *fakeStore) CreateJob(context.Context, *models.Job, *models.Task) error { panic("unused") }
func (f *fakeStore) GetJob(context.Context, string) (*models.Job, error)        { panic("unused") }
func (f *fakeStore) GetJobByOriginalFilename(context.Context, string) (*models.Job, error) {
	panic("unused")
}
func (f *fakeStore) GetTask(context.Context, string) (*models.Task, error)      { panic("unused") }
func (f *fakeStore) ListQueueableTasks(context.Context, int) ([]*models.Task, error) {
	panic("unused")
}
func (f *fakeStore) ListStuckTasks(ctx context.Context, threshold time.Duration) ([]*models.Task, error) {
	panic("unused")
}
func (f *fakeStore) ListTasksByStatus(context.Context, models.TaskStatus) ([]*models.Task, error) {
	panic("unused")
}
func (f *fakeStore) UpdateTaskStatus(context.Context, string, interfaces.TaskMutateFunc) (*models.Job, error) {
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
func (f *fakeStore) BestMetricPerSymbol(context.Context, string) (*models.Metric, *models.Job, error) {
	panic("unused")
}
func (f *fakeStore) Close() error { return nil }

type fakeEvents struct{ published []interfaces.Event }

func (e *fakeEvents) Subscribe(interfaces.EventType, interfaces.EventHandler) error   { return nil }
func (e *fakeEvents) Unsubscribe(interfaces.EventType, interfaces.EventHandler) error { return nil }
func (e *fakeEvents) Publish(ctx context.Context, ev interfaces.Event) error {
	e.published = append(e.published, ev)
	return nil
}
func (e *fakeEvents) PublishSync(ctx context.Context, ev interfaces.Event) error { return e.Publish(ctx, ev) }
func (e *fakeEvents) Close() error                                              { return nil }

func TestMaybeRun_SkipsWhenQueueNotIdle(t *testing.T) {
	broker := &fakeBroker{depth: 3}
	store := &fakeStore{}
	r := New(store, broker, &fakeEvents{}, arbor.NewLogger(), t.TempDir(), ".set", ".set.meta.json")

	ran, err := r.MaybeRun(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestMaybeRun_PicksFailedJobOverPartial(t *testing.T) {
	dir := t.TempDir()
	broker := &fakeBroker{depth: 0}
	events := &fakeEvents{}

	failedJob := &models.Job{ID: "job-failed", Symbol: "EURUSD", Timeframe: "H1", StrategyName: "strat", Status: models.JobStatusFailed}
	partialJob := &models.Job{ID: "job-partial", Symbol: "GBPUSD", Timeframe: "H1", StrategyName: "strat", Status: models.JobStatusCompletedPartial}

	metricID := "metric-1"
	task := &models.Task{ID: "task-1", JobID: failedJob.ID, BestMetricID: &metricID}

	store := &fakeStore{
		jobsByStatus: map[models.JobStatus][]*models.Job{
			models.JobStatusFailed:            {failedJob},
			models.JobStatusCompletedPartial:  {partialJob},
		},
		tasksByJob: map[string][]*models.Task{failedJob.ID: {task}},
		metrics:    map[string]*models.Metric{metricID: {ID: metricID, TaskID: task.ID, Distance: 0.1, Score: 0.8}},
		artifacts:  map[string]*models.Artifact{metricID: {ID: "artifact-1", Payload: []byte("param bytes")}},
		history:    map[string][]*models.ReoptimizeHistory{},
	}

	r := New(store, broker, events, arbor.NewLogger(), dir, ".set", ".set.meta.json")

	ran, err := r.MaybeRun(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	require.Len(t, store.savedHistory, 1)
	assert.Equal(t, failedJob.ID, store.savedHistory[0].JobID)
	assert.Len(t, events.published, 1)
	assert.Equal(t, interfaces.EventReoptimizeTriggered, events.published[0].Type)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2) // derivative file + sidecar
}

func TestMaybeRun_NoCandidatesReturnsFalse(t *testing.T) {
	broker := &fakeBroker{depth: 0}
	store := &fakeStore{jobsByStatus: map[models.JobStatus][]*models.Job{}}
	r := New(store, broker, &fakeEvents{}, arbor.NewLogger(), t.TempDir(), ".set", ".set.meta.json")

	ran, err := r.MaybeRun(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunNow_MaterializesEvenWhenQueueBusy(t *testing.T) {
	dir := t.TempDir()
	broker := &fakeBroker{depth: 5}
	metricID := "metric-1"
	job := &models.Job{ID: "job-1", Symbol: "EURUSD", Timeframe: "H1", StrategyName: "strat", Status: models.JobStatusFailed}
	task := &models.Task{ID: "task-1", JobID: job.ID, BestMetricID: &metricID}
	store := &fakeStore{
		jobsByStatus: map[models.JobStatus][]*models.Job{models.JobStatusFailed: {job}},
		tasksByJob:   map[string][]*models.Task{job.ID: {task}},
		metrics:      map[string]*models.Metric{metricID: {ID: metricID, TaskID: task.ID, Distance: 0.1, Score: 0.8}},
		artifacts:    map[string]*models.Artifact{metricID: {ID: "artifact-1", Payload: []byte("bytes")}},
		history:      map[string][]*models.ReoptimizeHistory{},
	}
	r := New(store, broker, &fakeEvents{}, arbor.NewLogger(), dir, ".set", ".set.meta.json")

	ran, err := r.RunNow(context.Background(), "operator-1")
	require.NoError(t, err)
	assert.True(t, ran)
	require.Len(t, store.savedHistory, 1)
	assert.Equal(t, models.ReoptimizeTriggerManual, store.savedHistory[0].Trigger)
}
