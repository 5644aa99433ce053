// Package ingestor watches the handoff directory for optimization-request
// parameter files and turns each into a Job+initial Task (spec.md §6.1). It is
// event-driven via fsnotify rather than polling, the same watcher library the
// base service's own stack already depends on, with a debounce window that
// absorbs the write-then-rename pattern SFTP clients and editors produce so a
// `.set` file is only ingested once its sidecar has also landed and stopped
// changing.
package ingestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/common"
	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/models"
)

// ErrMissingSidecar names the missing-sidecar condition. Nothing in this
// package returns it: ingest logs a .set file whose sidecar is not yet present
// and tries again on the next fsnotify event for either file.
var ErrMissingSidecar = errors.New("ingestor: sidecar not found")

// Ingestor watches a handoff directory, validates each parameter file's
// sidecar metadata, and persists a Job+Task pair through the Store.
type Ingestor struct {
	store          interfaces.Store
	notifier       interfaces.Notifier
	logger         arbor.ILogger
	validate       *validator.Validate
	handoffDir     string
	processedDir   string
	fileExtension  string
	sidecarSuffix  string
	debounceWindow time.Duration
	blobKeyPrefix  string
	defaultMaxAttempts int
	defaultPriority    float64

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New constructs an Ingestor from the IngestorConfig twin. defaultMaxAttempts
// and defaultPriority seed every Task this Ingestor creates; they come from
// the live Thresholds snapshot at wiring time.
func New(cfg *common.IngestorConfig, store interfaces.Store, notifier interfaces.Notifier, logger arbor.ILogger, blobKeyPrefix string, defaultMaxAttempts int, defaultPriority float64) (*Ingestor, error) {
	debounce, err := time.ParseDuration(cfg.DebounceWindow)
	if err != nil {
		debounce = 500 * time.Millisecond
	}

	if err := os.MkdirAll(cfg.HandoffDir, 0755); err != nil {
		return nil, fmt.Errorf("ingestor: create handoff dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ProcessedDir, 0755); err != nil {
		return nil, fmt.Errorf("ingestor: create processed dir: %w", err)
	}

	return &Ingestor{
		store:              store,
		notifier:           notifier,
		logger:             logger,
		validate:           validator.New(),
		handoffDir:         cfg.HandoffDir,
		processedDir:       cfg.ProcessedDir,
		fileExtension:      cfg.FileExtension,
		sidecarSuffix:      cfg.SidecarSuffix,
		debounceWindow:     debounce,
		blobKeyPrefix:      blobKeyPrefix,
		defaultMaxAttempts: defaultMaxAttempts,
		defaultPriority:    defaultPriority,
		pending:            make(map[string]*time.Timer),
	}, nil
}

// Run starts the fsnotify watch loop and blocks until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingestor: new watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(i.handoffDir); err != nil {
		return fmt.Errorf("ingestor: watch %s: %w", i.handoffDir, err)
	}

	i.scanExisting()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			i.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Warn().Err(err).Msg("ingestor watcher error")
		case <-ctx.Done():
			i.cancelPending()
			return nil
		}
	}
}

// scanExisting picks up files already sitting in the handoff directory at
// startup, which fsnotify alone would never report since it only sees new
// events.
func (i *Ingestor) scanExisting() {
	entries, err := os.ReadDir(i.handoffDir)
	if err != nil {
		i.logger.Warn().Err(err).Msg("ingestor: scan existing handoff files")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), i.fileExtension) {
			continue
		}
		i.scheduleIngest(filepath.Join(i.handoffDir, entry.Name()))
	}
}

func (i *Ingestor) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}
	if strings.HasSuffix(event.Name, i.sidecarSuffix) {
		setPath := strings.TrimSuffix(event.Name, i.sidecarSuffix) + i.fileExtension
		i.scheduleIngest(setPath)
		return
	}
	if strings.HasSuffix(event.Name, i.fileExtension) {
		i.scheduleIngest(event.Name)
	}
}

// scheduleIngest (re)starts the debounce timer for a .set path; rapid
// successive fsnotify events for the same file collapse into one attempt.
func (i *Ingestor) scheduleIngest(setPath string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if timer, exists := i.pending[setPath]; exists {
		timer.Stop()
	}
	i.pending[setPath] = time.AfterFunc(i.debounceWindow, func() {
		i.mu.Lock()
		delete(i.pending, setPath)
		i.mu.Unlock()
		i.ingest(setPath)
	})
}

func (i *Ingestor) cancelPending() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, timer := range i.pending {
		timer.Stop()
	}
	i.pending = make(map[string]*time.Timer)
}

// ingest validates a .set file's sidecar, persists the Job+Task, and moves
// both files into the processed directory. No failure is returned up to Run's
// caller. Sidecar JSON, validation, duplicate-path and persistence failures are
// logged and notified (spec.md §7's "validation errors... rejected with
// notification" rule); an unreadable parameter file, a sidecar not yet present
// and a failed move to the processed directory are only logged.
func (i *Ingestor) ingest(setPath string) {
	ctx := context.Background()

	fileBytes, err := os.ReadFile(setPath)
	if err != nil {
		i.logger.Warn().Err(err).Str("path", setPath).Msg("ingestor: read parameter file")
		return
	}

	sidecarPath := strings.TrimSuffix(setPath, i.fileExtension) + i.sidecarSuffix
	sidecarBytes, err := os.ReadFile(sidecarPath)
	if err != nil {
		i.logger.Warn().Str("path", setPath).Msg("ingestor: sidecar not yet present, will retry on next event")
		return
	}

	var sidecar models.IngestSidecar
	if err := json.Unmarshal(sidecarBytes, &sidecar); err != nil {
		i.notifyReject(setPath, fmt.Sprintf("invalid sidecar JSON: %v", err))
		return
	}
	if err := i.validate.Struct(sidecar); err != nil {
		i.notifyReject(setPath, fmt.Sprintf("sidecar failed validation: %v", err))
		return
	}

	if !sidecar.IsReoptimizeSource() {
		existing, err := i.store.GetJobByOriginalFilename(ctx, sidecar.OriginalFilename)
		if err != nil && !errors.Is(err, interfaces.ErrJobNotFound) {
			i.logger.Error().Err(err).Str("path", setPath).Msg("ingestor: duplicate-path lookup failed")
			i.notifier.Notify(ctx, "ingestion failed", fmt.Sprintf("could not check for duplicate submission of %s: %v", setPath, err))
			return
		}
		if existing != nil {
			i.notifyReject(setPath, fmt.Sprintf("duplicate submission: a job already exists for file %q (job %s)", sidecar.OriginalFilename, existing.ID))
			return
		}
	}

	job := models.NewJob(sidecar.UserID, sidecar.Symbol, sidecar.Timeframe, sidecar.EAName, sidecar.OriginalFilename, i.defaultMaxAttempts)
	task := models.NewOptimizeTask(job.ID, i.defaultMaxAttempts, i.defaultPriority, setPath, fileBytes)

	if err := i.store.CreateJob(ctx, job, task); err != nil {
		i.logger.Error().Err(err).Str("path", setPath).Msg("ingestor: create job")
		i.notifier.Notify(ctx, "ingestion failed", fmt.Sprintf("could not persist job for %s: %v", setPath, err))
		return
	}

	if err := i.moveToProcessed(setPath, sidecarPath); err != nil {
		i.logger.Warn().Err(err).Str("path", setPath).Msg("ingestor: move to processed")
	}

	i.logger.Info().Str("job_id", job.ID).Str("symbol", job.Symbol).Msg("ingested optimization job")
}

func (i *Ingestor) notifyReject(setPath, reason string) {
	i.logger.Warn().Str("path", setPath).Str("reason", reason).Msg("ingestor: rejecting file")
	i.notifier.Notify(context.Background(), "ingestion rejected", fmt.Sprintf("%s: %s", setPath, reason))
}

func (i *Ingestor) moveToProcessed(setPath, sidecarPath string) error {
	destSet := filepath.Join(i.processedDir, filepath.Base(setPath))
	if err := os.Rename(setPath, destSet); err != nil {
		return fmt.Errorf("move set file: %w", err)
	}
	destSidecar := filepath.Join(i.processedDir, filepath.Base(sidecarPath))
	if err := os.Rename(sidecarPath, destSidecar); err != nil {
		return fmt.Errorf("move sidecar: %w", err)
	}
	return nil
}
