package ingestor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/common"
	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/models"
)

// fakeStore implements interfaces.Store, with only CreateJob and
// GetJobByOriginalFilename exercised by these tests; every other method
// panics if ever called, which the Ingestor never does.
type fakeStore struct {
	createdJobs        []*models.Job
	createErr          error
	existingByFilename map[string]*models.Job
	byFilenameErr      error
}

func (f *fakeStore) CreateJob(ctx context.Context, job *models.Job, task *models.Task) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.createdJobs = append(f.createdJobs, job)
	return nil
}

func (f *fakeStore) GetJobByOriginalFilename(ctx context.Context, originalFilename string) (*models.Job, error) {
	if f.byFilenameErr != nil {
		return nil, f.byFilenameErr
	}
	if job, ok := f.existingByFilename[originalFilename]; ok {
		return job, nil
	}
	return nil, interfaces.ErrJobNotFound
}

func (f *fakeStore) GetJob(context.Context, string) (*models.Job, error) { panic("unused") }
func (f *fakeStore) ListJobs(context.Context, interfaces.JobListOptions) ([]*models.Job, int, error) {
	panic("unused")
}
func (f *fakeStore) GetTask(context.Context, string) (*models.Task, error)      { panic("unused") }
func (f *fakeStore) ListTasksByJob(context.Context, string) ([]*models.Task, error) { panic("unused") }
func (f *fakeStore) ListQueueableTasks(context.Context, int) ([]*models.Task, error) {
	panic("unused")
}
func (f *fakeStore) ListStuckTasks(context.Context, time.Duration) ([]*models.Task, error) {
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
func (f *fakeStore) SaveMetric(context.Context, *models.Metric) error     { panic("unused") }
func (f *fakeStore) ListMetricsByTask(context.Context, string) ([]*models.Metric, error) {
	panic("unused")
}
func (f *fakeStore) SaveArtifact(context.Context, *models.Artifact) error { panic("unused") }
func (f *fakeStore) GetMetric(context.Context, string) (*models.Metric, error) { panic("unused") }
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

type noopNotifier struct{ calls []string }

func (n *noopNotifier) Notify(ctx context.Context, subject, message string) error {
	n.calls = append(n.calls, subject+": "+message)
	return nil
}

func newTestIngestor(t *testing.T, store *fakeStore, notifier *noopNotifier) (*Ingestor, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &common.IngestorConfig{
		HandoffDir:     filepath.Join(dir, "incoming"),
		ProcessedDir:   filepath.Join(dir, "processed"),
		FileExtension:  ".set",
		SidecarSuffix:  ".set.meta.json",
		DebounceWindow: "10ms",
	}
	ing, err := New(cfg, store, notifier, arbor.NewLogger(), "task:", 3, 10.0)
	require.NoError(t, err)
	return ing, cfg.HandoffDir
}

func TestIngest_ValidSidecarCreatesJobAndMovesFiles(t *testing.T) {
	store := &fakeStore{}
	notifier := &noopNotifier{}
	ing, handoffDir := newTestIngestor(t, store, notifier)

	setPath := filepath.Join(handoffDir, "alpha.set")
	sidecarPath := filepath.Join(handoffDir, "alpha.set.meta.json")
	require.NoError(t, os.WriteFile(setPath, []byte("param bytes"), 0644))
	sidecar := models.IngestSidecar{UserID: "u1", Symbol: "EURUSD", Timeframe: "H1", EAName: "strategy", OriginalFilename: "alpha.set"}
	payload, err := json.Marshal(sidecar)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sidecarPath, payload, 0644))

	ing.ingest(setPath)

	require.Len(t, store.createdJobs, 1)
	assert.Equal(t, "EURUSD", store.createdJobs[0].Symbol)

	_, err = os.Stat(setPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(ing.processedDir, "alpha.set"))
	assert.NoError(t, err)
}

func TestIngest_MissingSidecarSkipsWithoutError(t *testing.T) {
	store := &fakeStore{}
	notifier := &noopNotifier{}
	ing, handoffDir := newTestIngestor(t, store, notifier)

	setPath := filepath.Join(handoffDir, "alpha.set")
	require.NoError(t, os.WriteFile(setPath, []byte("param bytes"), 0644))

	ing.ingest(setPath)

	assert.Empty(t, store.createdJobs)
	_, err := os.Stat(setPath)
	assert.NoError(t, err)
}

func TestIngest_InvalidSidecarRejectsAndNotifies(t *testing.T) {
	store := &fakeStore{}
	notifier := &noopNotifier{}
	ing, handoffDir := newTestIngestor(t, store, notifier)

	setPath := filepath.Join(handoffDir, "alpha.set")
	sidecarPath := filepath.Join(handoffDir, "alpha.set.meta.json")
	require.NoError(t, os.WriteFile(setPath, []byte("param bytes"), 0644))
	require.NoError(t, os.WriteFile(sidecarPath, []byte(`{"user_id":""}`), 0644))

	ing.ingest(setPath)

	assert.Empty(t, store.createdJobs)
	require.Len(t, notifier.calls, 1)
}

func TestIngest_DuplicateFilenameRejectsWithoutReoptimizeSource(t *testing.T) {
	store := &fakeStore{
		existingByFilename: map[string]*models.Job{"alpha.set": {ID: "job-existing"}},
	}
	notifier := &noopNotifier{}
	ing, handoffDir := newTestIngestor(t, store, notifier)

	setPath := filepath.Join(handoffDir, "alpha.set")
	sidecarPath := filepath.Join(handoffDir, "alpha.set.meta.json")
	require.NoError(t, os.WriteFile(setPath, []byte("param bytes"), 0644))
	sidecar := models.IngestSidecar{UserID: "u1", Symbol: "EURUSD", Timeframe: "H1", EAName: "strategy", OriginalFilename: "alpha.set"}
	payload, err := json.Marshal(sidecar)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sidecarPath, payload, 0644))

	ing.ingest(setPath)

	assert.Empty(t, store.createdJobs)
	require.Len(t, notifier.calls, 1)
	_, statErr := os.Stat(setPath)
	assert.NoError(t, statErr, "rejected file should be left in place, not moved to processed")
}

func TestIngest_ReoptimizeSourceBypassesDuplicateCheck(t *testing.T) {
	store := &fakeStore{
		existingByFilename: map[string]*models.Job{"alpha_reopt.set": {ID: "job-existing"}},
	}
	notifier := &noopNotifier{}
	ing, handoffDir := newTestIngestor(t, store, notifier)

	setPath := filepath.Join(handoffDir, "alpha_reopt.set")
	sidecarPath := filepath.Join(handoffDir, "alpha_reopt.set.meta.json")
	require.NoError(t, os.WriteFile(setPath, []byte("param bytes"), 0644))
	sidecar := models.IngestSidecar{
		UserID: "u1", Symbol: "EURUSD", Timeframe: "H1", EAName: "strategy",
		OriginalFilename:      "alpha_reopt.set",
		ReoptimizeSourceJobID: "job-existing",
	}
	payload, err := json.Marshal(sidecar)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sidecarPath, payload, 0644))

	ing.ingest(setPath)

	require.Len(t, store.createdJobs, 1)
	assert.Empty(t, notifier.calls)
}

func TestScheduleIngest_DebouncesRapidEvents(t *testing.T) {
	store := &fakeStore{}
	notifier := &noopNotifier{}
	ing, handoffDir := newTestIngestor(t, store, notifier)

	setPath := filepath.Join(handoffDir, "alpha.set")
	sidecarPath := filepath.Join(handoffDir, "alpha.set.meta.json")
	require.NoError(t, os.WriteFile(setPath, []byte("param bytes"), 0644))
	sidecar := models.IngestSidecar{UserID: "u1", Symbol: "EURUSD", Timeframe: "H1", EAName: "strategy", OriginalFilename: "alpha.set"}
	payload, _ := json.Marshal(sidecar)
	require.NoError(t, os.WriteFile(sidecarPath, payload, 0644))

	ing.scheduleIngest(setPath)
	ing.scheduleIngest(setPath)
	ing.scheduleIngest(setPath)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, store.createdJobs, 1)
}
