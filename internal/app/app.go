// -----------------------------------------------------------------------
// Last Modified: Wednesday, 5th November 2025 8:17:54 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/broker/redis"
	"github.com/ternarybob/optorch/internal/common"
	"github.com/ternarybob/optorch/internal/finetune"
	"github.com/ternarybob/optorch/internal/handlers"
	"github.com/ternarybob/optorch/internal/ingestor"
	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/leader"
	"github.com/ternarybob/optorch/internal/models"
	"github.com/ternarybob/optorch/internal/notifier"
	"github.com/ternarybob/optorch/internal/reoptimizer"
	"github.com/ternarybob/optorch/internal/scheduler"
	"github.com/ternarybob/optorch/internal/services/events"
	"github.com/ternarybob/optorch/internal/services/kv"
	"github.com/ternarybob/optorch/internal/storage/badger"
	"github.com/ternarybob/optorch/internal/store/postgres"
	"github.com/ternarybob/optorch/internal/thresholds"
	"github.com/ternarybob/optorch/internal/watchdog"
)

// defaultIngestPriority seeds every Task an Ingestor creates before the
// Evaluator records any score-derived priority of its own.
const defaultIngestPriority = 1.0

// App holds every component the composition root wires: the relational Store
// and external Broker (spec.md §4.1), the event bus, the four background
// loops (Scheduler, Watchdog, Reoptimizer via Scheduler, Ingestor), the
// leader lease that gates them, and the admin HTTP handlers that read from
// all of it.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Store    interfaces.Store
	Broker   interfaces.Broker
	Events   interfaces.EventService
	Notifier interfaces.Notifier

	BadgerDB        *badger.BadgerDB
	ThresholdStore  *models.ThresholdStore
	ThresholdLoader *thresholds.Loader

	Scheduler   interfaces.SchedulerService
	Watchdog    *watchdog.Watchdog
	Reoptimizer *reoptimizer.Reoptimizer
	FineTune    *finetune.Spawner
	Elector     *leader.Elector
	Ingestor    *ingestor.Ingestor

	AdminHandler      *handlers.AdminHandler
	LogStreamHandler  *handlers.LogStreamHandler
	ThresholdsHandler *handlers.ThresholdsHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the whole application in dependency order: Store and Broker
// first, then the event bus, then the Thresholds pipeline (Postgres kv_store
// primary, Badger cache, TOML defaults), then the background loops, and
// finally the admin handlers that sit on top of all of it.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Config: cfg,
		Logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	store, err := postgres.Open(&cfg.Store.Postgres, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	a.Store = store

	broker, err := redis.New(&cfg.Broker.Redis, logger)
	if err != nil {
		cancel()
		store.Close()
		return nil, fmt.Errorf("app: open broker: %w", err)
	}
	a.Broker = broker

	a.Events = events.NewService(logger)
	if err := events.SubscribeLoggerToAllEvents(a.Events, logger); err != nil {
		cancel()
		a.Events.Close()
		broker.Close()
		store.Close()
		return nil, fmt.Errorf("app: subscribe logger to events: %w", err)
	}

	if err := a.initThresholds(); err != nil {
		cancel()
		a.Events.Close()
		broker.Close()
		store.Close()
		return nil, fmt.Errorf("app: init thresholds: %w", err)
	}

	a.Notifier = a.buildNotifier()

	a.FineTune = finetune.New(store, a.Events, logger)
	a.Reoptimizer = reoptimizer.New(store, broker, a.Events, logger, cfg.Ingestor.HandoffDir, cfg.Ingestor.FileExtension, cfg.Ingestor.SidecarSuffix)

	var schedulerElector scheduler.Elector
	var watchdogElector watchdog.Elector
	if cfg.Leader.Enabled {
		a.Elector = leader.New(cfg.Leader, broker, logger)
		schedulerElector = a.Elector
		watchdogElector = a.Elector
	}

	schedulerSvc := scheduler.New(store, broker, a.Events, a.ThresholdStore, a.FineTune, a.Reoptimizer, schedulerElector, cfg.Broker.Redis.BlobKeyPrefix, logger)
	schedulerSvc.SetReloadFunc(a.ThresholdLoader.Load)
	a.Scheduler = schedulerSvc

	a.Watchdog = watchdog.New(store, broker, a.Events, a.Notifier, watchdogElector, cfg.Broker.Redis.BlobKeyPrefix, logger)

	ing, err := ingestor.New(&cfg.Ingestor, store, a.Notifier, logger, cfg.Broker.Redis.BlobKeyPrefix, a.ThresholdStore.Load().TaskMaxAttempts, defaultIngestPriority)
	if err != nil {
		cancel()
		a.Events.Close()
		a.BadgerDB.Close()
		broker.Close()
		store.Close()
		return nil, fmt.Errorf("app: init ingestor: %w", err)
	}
	a.Ingestor = ing

	a.AdminHandler = handlers.NewAdminHandler(store, a.Scheduler, a.Elector, logger)
	a.LogStreamHandler = handlers.NewLogStreamHandler(logger)
	a.ThresholdsHandler = handlers.NewThresholdsHandler(kv.NewService(postgres.NewKVStore(store), a.Events, logger), logger)

	if err := a.Watchdog.RunBootSweep(ctx, a.ThresholdStore.Load()); err != nil {
		logger.Warn().Err(err).Msg("app: boot-time watchdog sweep failed")
	}

	a.startBackgroundLoops()

	logger.Info().
		Bool("leader_election", cfg.Leader.Enabled).
		Str("handoff_dir", cfg.Ingestor.HandoffDir).
		Msg("application initialized")

	return a, nil
}

// initThresholds wires the Postgres kv_store-backed primary, the Badger
// fallback cache, and the atomic runtime snapshot, then seeds the
// primary with the TOML boot defaults for any name not already present
// (SPEC_FULL.md §6.4's "missing rows fall back to defaults" rule, applied
// once at startup so an operator can see and edit every row from day one).
func (a *App) initThresholds() error {
	badgerDB, err := badger.NewBadgerDB(a.Logger, &a.Config.Cache)
	if err != nil {
		return fmt.Errorf("open badger cache: %w", err)
	}
	a.BadgerDB = badgerDB

	primary := postgres.NewKVStore(a.Store.(*postgres.Store))
	cache := badger.NewKVStorage(badgerDB, a.Logger)
	defaults := a.Config.Thresholds.ToModel()

	a.ThresholdLoader = thresholds.New(primary, cache, defaults, a.Logger)
	a.ThresholdStore = models.NewThresholdStore(defaults)

	if err := thresholds.Seed(context.Background(), primary, defaults); err != nil {
		a.Logger.Warn().Err(err).Msg("thresholds: seed failed, continuing with boot-time defaults")
	}

	loaded, err := a.ThresholdLoader.Load(context.Background())
	if err != nil {
		a.Logger.Warn().Err(err).Msg("thresholds: initial load failed, using boot-time defaults")
		return nil
	}
	a.ThresholdStore.Store(loaded)
	return nil
}

// buildNotifier assembles the MultiNotifier from whichever transports are
// enabled in config. An all-disabled configuration yields a MultiNotifier
// with zero transports, which silently accepts every Notify call.
func (a *App) buildNotifier() interfaces.Notifier {
	var transports []interfaces.Notifier
	if a.Config.Notifier.Slack.Enabled {
		transports = append(transports, notifier.NewSlackNotifier(a.Config.Notifier.Slack))
	}
	if a.Config.Notifier.SMTP.Enabled {
		transports = append(transports, notifier.NewSMTPNotifier(a.Config.Notifier.SMTP))
	}
	return notifier.New(a.Logger, transports...)
}

// startBackgroundLoops launches the Elector, Scheduler, Watchdog, and
// Ingestor loops as cooperative goroutines sharing App.ctx, so App.Close
// tears down all four with a single cancel.
func (a *App) startBackgroundLoops() {
	if a.Elector != nil {
		go a.Elector.Run(a.ctx, a.Config.Leader.TTL()/3)
	}

	pollInterval := a.ThresholdStore.Load().SupervisorPollInterval
	if err := a.Scheduler.Start(pollInterval.String()); err != nil {
		a.Logger.Error().Err(err).Msg("app: failed to start scheduler")
	}

	go a.Watchdog.Run(a.ctx, pollInterval, a.ThresholdStore)

	go func() {
		if err := a.Ingestor.Run(a.ctx); err != nil {
			a.Logger.Error().Err(err).Msg("app: ingestor loop exited with error")
		}
	}()
}

// Close stops every background loop and releases the Store, Broker, and
// Badger cache, in roughly reverse wiring order.
func (a *App) Close() error {
	a.cancel()
	time.Sleep(100 * time.Millisecond)

	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("app: stop scheduler failed")
		}
	}

	if a.Elector != nil {
		a.Elector.Stop()
	}

	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("app: close event service failed")
		}
	}

	if a.BadgerDB != nil {
		if err := a.BadgerDB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("app: close badger cache failed")
		}
	}

	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("app: close broker failed")
		}
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			return fmt.Errorf("app: close store: %w", err)
		}
	}

	common.Stop()
	return nil
}
