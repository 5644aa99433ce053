// Package scheduler implements the single periodic loop that drives the
// scheduling plane (SPEC_FULL.md §4.5): post-worker evaluation, fine-tune
// spawning, dispatch, and auto-reoptimize, one iteration at a time.
//
// The loop is registered with robfig/cron as a single named entry rather than
// a raw time.Ticker, following the cron-registered-job pattern used elsewhere
// in this codebase for scheduled work: a tracked entry with lastRun,
// lastError, and isRunning fields, wrapped in panic recovery so one bad
// iteration logs and clears instead of killing the process, and guarded so an
// overlapping tick is skipped rather than run concurrently with itself.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/finetune"
	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/models"
	"github.com/ternarybob/optorch/internal/priority"
	"github.com/ternarybob/optorch/internal/reoptimizer"
)

const tickJobName = "scheduler_tick"

// Elector reports whether this process currently owns the single-active-
// controller lease. Satisfied by *internal/leader.Elector; accepted as an
// interface so the Scheduler can be tested without a live Redis lease and so
// a single-process deployment can pass a trivially-true stub.
type Elector interface {
	IsLeader() bool
}

// tickEntry tracks one cron-registered job's run bookkeeping, mirroring the
// jobEntry shape used by this codebase's other scheduled-job registrations.
type tickEntry struct {
	entryID   cron.EntryID
	lastRun   *time.Time
	lastError string
	isRunning bool
}

// Service implements interfaces.SchedulerService using robfig/cron to drive a
// single periodic tick that runs the loop's four phases in order.
type Service struct {
	store      interfaces.Store
	broker     interfaces.Broker
	events     interfaces.EventService
	thresholds *models.ThresholdStore
	finetune   *finetune.Spawner
	reopt      *reoptimizer.Reoptimizer
	elector    Elector
	priorityFn priority.Func
	logger     arbor.ILogger

	blobKeyPrefix string
	maxAttempts   int

	cron     *cron.Cron
	jobMu    sync.Mutex
	globalMu sync.Mutex
	entry    *tickEntry
	running  bool

	reloadFn   func(ctx context.Context) (models.Thresholds, error)
	lastReload time.Time
}

// SetReloadFunc wires the callback the tick uses to refresh Thresholds every
// RELOAD_INTERVAL (SPEC_FULL.md §4.5 step 1). App wires
// internal/thresholds.Loader.Load here. A nil func (the default) leaves
// Thresholds exactly as constructed until something else calls
// ThresholdStore.Store directly.
func (s *Service) SetReloadFunc(fn func(ctx context.Context) (models.Thresholds, error)) {
	s.reloadFn = fn
}

// New constructs a Service. elector may be nil, in which case every tick runs
// unconditionally (single-process deployments have no lease to check).
func New(
	store interfaces.Store,
	broker interfaces.Broker,
	events interfaces.EventService,
	thresholds *models.ThresholdStore,
	spawner *finetune.Spawner,
	reopt *reoptimizer.Reoptimizer,
	elector Elector,
	blobKeyPrefix string,
	logger arbor.ILogger,
) *Service {
	return &Service{
		store:         store,
		broker:        broker,
		events:        events,
		thresholds:    thresholds,
		finetune:      spawner,
		reopt:         reopt,
		elector:       elector,
		priorityFn:    priority.Hybrid,
		logger:        logger,
		blobKeyPrefix: blobKeyPrefix,
		cron:          cron.New(),
	}
}

// SetPriorityFunc overrides the default hybrid PriorityFn (spec.md §9's
// pluggability resolution). Must be called before Start.
func (s *Service) SetPriorityFunc(fn priority.Func) {
	s.priorityFn = fn
}

// Start registers and starts the tick job on the given poll interval, e.g.
// "20s". Satisfies interfaces.SchedulerService.
func (s *Service) Start(pollInterval string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler: already running")
	}

	interval, err := time.ParseDuration(pollInterval)
	if err != nil {
		return fmt.Errorf("scheduler: invalid poll interval %q: %w", pollInterval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("scheduler: poll interval must be positive, got %s", pollInterval)
	}

	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.executeTick)
	if err != nil {
		return fmt.Errorf("scheduler: register tick job: %w", err)
	}
	s.entry = &tickEntry{entryID: entryID}

	s.cron.Start()
	s.running = true
	s.logger.Info().Str("poll_interval", interval.String()).Msg("scheduler started")
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight tick to finish.
func (s *Service) Stop() error {
	s.jobMu.Lock()
	if !s.running {
		s.jobMu.Unlock()
		return nil
	}
	s.running = false
	s.jobMu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// IsRunning reports whether the tick job is registered and the cron loop active.
func (s *Service) IsRunning() bool {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.running
}

// Status satisfies interfaces.SchedulerService for the admin
// GET /api/scheduler/status route.
func (s *Service) Status() interfaces.SchedulerStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	st := interfaces.SchedulerStatus{IsRunning: s.running}
	if s.entry != nil {
		st.LastRun = s.entry.lastRun
		st.LastError = s.entry.lastError
	}
	return st
}

// TriggerReoptimizeNow forces one Auto-Reoptimizer pass outside the normal
// idle gate, for the admin POST /api/reoptimize route (SPEC_FULL.md §6.6). It
// runs synchronously under globalMu so it never races the tick's own phases.
func (s *Service) TriggerReoptimizeNow() error {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	_, err := s.reopt.RunNow(context.Background(), "")
	return err
}

// executeTick is the cron-invoked wrapper: it guards against overlap, wraps
// the real work in panic recovery, and records lastRun/lastError/isRunning on
// the tracked entry exactly as the codebase's other scheduled jobs do.
func (s *Service) executeTick() {
	s.jobMu.Lock()
	if s.entry == nil || s.entry.isRunning {
		s.jobMu.Unlock()
		return
	}
	s.entry.isRunning = true
	s.jobMu.Unlock()

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	startedAt := time.Now()
	err := s.runTickSafely()
	completedAt := time.Now()

	s.jobMu.Lock()
	s.entry.isRunning = false
	s.entry.lastRun = &completedAt
	if err != nil {
		s.entry.lastError = err.Error()
	} else {
		s.entry.lastError = ""
	}
	s.jobMu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Dur("duration", completedAt.Sub(startedAt)).Msg("scheduler: tick failed")
	} else {
		s.logger.Debug().Dur("duration", completedAt.Sub(startedAt)).Msg("scheduler: tick completed")
	}
}

func (s *Service) runTickSafely() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: tick panicked: %v", r)
		}
	}()
	return s.runTick(context.Background())
}

// runTick executes the four-phase loop body (SPEC_FULL.md §4.5). It runs
// unconditionally unless an Elector is wired and this process does not
// currently hold the leader lease.
func (s *Service) runTick(ctx context.Context) error {
	if s.elector != nil && !s.elector.IsLeader() {
		s.logger.Debug().Msg("scheduler: skipping tick, not leader")
		return nil
	}

	s.maybeReloadThresholds()
	th := s.thresholds.Load()

	if err := s.postWorkerPhase(ctx, th); err != nil {
		return fmt.Errorf("post-worker phase: %w", err)
	}

	if s.finetune != nil {
		if err := s.finetune.SpawnAll(ctx, th.MaxFineTuneDepth); err != nil {
			return fmt.Errorf("fine-tune phase: %w", err)
		}
	}

	if err := s.dispatchPhase(ctx, th); err != nil {
		return fmt.Errorf("dispatch phase: %w", err)
	}

	if s.reopt != nil {
		if _, err := s.reopt.MaybeRun(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("scheduler: auto-reoptimize pass failed")
		}
	}

	return nil
}

// maybeReloadThresholds refreshes Thresholds from reloadFn at most once per
// RELOAD_INTERVAL (SPEC_FULL.md §4.5 step 1). A reload failure logs and keeps
// the previous snapshot rather than blocking the tick.
func (s *Service) maybeReloadThresholds() {
	if s.reloadFn == nil {
		return
	}
	th := s.thresholds.Load()
	if th.ReloadInterval <= 0 {
		return
	}
	if !s.lastReload.IsZero() && time.Since(s.lastReload) < th.ReloadInterval {
		return
	}

	fresh, err := s.reloadFn(context.Background())
	if err != nil {
		s.logger.Warn().Err(err).Msg("scheduler: threshold reload failed, keeping previous snapshot")
		return
	}
	s.thresholds.Store(fresh)
	s.lastReload = time.Now()
	s.logger.Debug().Msg("scheduler: thresholds reloaded")
}
