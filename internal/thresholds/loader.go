// Package thresholds implements the Store-backed settings table SPEC_FULL.md
// §6.4 describes: a single table readable as (name TEXT, value REAL), with
// missing rows falling back to environment defaults. The table names reuse
// the same keys as internal/common.Thresholds' TOML tags so the boot-time
// config file and the hot-reloaded row set speak one vocabulary.
package thresholds

import (
	"context"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/models"
)

const kvPrefix = "threshold."

var names = []string{
	"task_max_attempts",
	"max_fine_tune_depth",
	"distance_threshold",
	"score_threshold",
	"aging_factor",
	"job_stuck_threshold_minutes",
	"worker_inactive_threshold_minutes",
	"supervisor_poll_interval_seconds",
	"reload_interval_seconds",
	"lock_retry_count",
	"lock_retry_sleep_seconds",
	"batch_size",
	"min_new",
}

// Loader refreshes models.Thresholds from the Store's kv_store table, with
// the local Badger cache (internal/storage/badger) read when Postgres is
// unreachable and written back after every successful Store read. Postgres
// remains authoritative; the cache only bridges outages between reload ticks.
type Loader struct {
	primary  interfaces.KeyValueStorage
	cache    interfaces.KeyValueStorage
	defaults models.Thresholds
	logger   arbor.ILogger
}

func New(primary interfaces.KeyValueStorage, cache interfaces.KeyValueStorage, defaults models.Thresholds, logger arbor.ILogger) *Loader {
	return &Loader{primary: primary, cache: cache, defaults: defaults, logger: logger}
}

// Load satisfies the func(ctx) (models.Thresholds, error) signature
// scheduler.Service.SetReloadFunc expects.
func (l *Loader) Load(ctx context.Context) (models.Thresholds, error) {
	rows, err := l.primary.GetAll(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("thresholds: primary store unreachable, falling back to cache")
		if l.cache == nil {
			return l.defaults, nil
		}
		rows, err = l.cache.GetAll(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Msg("thresholds: cache also unavailable, using boot-time defaults")
			return l.defaults, nil
		}
		return l.fromRows(rows), nil
	}

	if l.cache != nil {
		for _, name := range names {
			if v, ok := rows[kvPrefix+name]; ok {
				_ = l.cache.Set(ctx, kvPrefix+name, v, "thresholds cache")
			}
		}
	}
	return l.fromRows(rows), nil
}

// fromRows parses each known name out of the (name, value) row set, falling
// back to the boot-time default for any name with no row or an unparseable
// value (SPEC_FULL.md §6.4).
func (l *Loader) fromRows(rows map[string]string) models.Thresholds {
	th := l.defaults

	if v, ok := l.float(rows, "task_max_attempts"); ok {
		th.TaskMaxAttempts = int(v)
	}
	if v, ok := l.float(rows, "max_fine_tune_depth"); ok {
		th.MaxFineTuneDepth = int(v)
	}
	if v, ok := l.float(rows, "distance_threshold"); ok {
		th.DistanceThreshold = v
	}
	if v, ok := l.float(rows, "score_threshold"); ok {
		th.ScoreThreshold = v
	}
	if v, ok := l.float(rows, "aging_factor"); ok {
		th.AgingFactor = v
	}
	if v, ok := l.float(rows, "job_stuck_threshold_minutes"); ok {
		th.JobStuckThreshold = time.Duration(v) * time.Minute
	}
	if v, ok := l.float(rows, "worker_inactive_threshold_minutes"); ok {
		th.WorkerInactiveThreshold = time.Duration(v) * time.Minute
	}
	if v, ok := l.float(rows, "supervisor_poll_interval_seconds"); ok {
		th.SupervisorPollInterval = time.Duration(v) * time.Second
	}
	if v, ok := l.float(rows, "reload_interval_seconds"); ok {
		th.ReloadInterval = time.Duration(v) * time.Second
	}
	if v, ok := l.float(rows, "lock_retry_count"); ok {
		th.LockRetryCount = int(v)
	}
	if v, ok := l.float(rows, "lock_retry_sleep_seconds"); ok {
		th.LockRetrySleep = time.Duration(v * float64(time.Second))
	}
	if v, ok := l.float(rows, "batch_size"); ok {
		th.BatchSize = int(v)
	}
	if v, ok := l.float(rows, "min_new"); ok {
		th.MinNew = int(v)
	}

	return th
}

// Names returns the known threshold setting names (without the kv_store key
// prefix), for admin surfaces that need to validate or enumerate them.
func Names() []string {
	return append([]string(nil), names...)
}

// Prefix returns the kv_store key prefix every threshold row is stored under.
func Prefix() string {
	return kvPrefix
}

func (l *Loader) float(rows map[string]string, name string) (float64, bool) {
	raw, ok := rows[kvPrefix+name]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.logger.Warn().Str("name", name).Str("value", raw).Msg("thresholds: unparseable row value, using default")
		return 0, false
	}
	return v, true
}

// Seed writes the given Thresholds into the primary store under every known
// name, for first-boot bootstrap (App.initThresholds). Values already present
// are left untouched.
func Seed(ctx context.Context, primary interfaces.KeyValueStorage, th models.Thresholds) error {
	values := map[string]string{
		"task_max_attempts":                 strconv.Itoa(th.TaskMaxAttempts),
		"max_fine_tune_depth":               strconv.Itoa(th.MaxFineTuneDepth),
		"distance_threshold":                strconv.FormatFloat(th.DistanceThreshold, 'f', -1, 64),
		"score_threshold":                   strconv.FormatFloat(th.ScoreThreshold, 'f', -1, 64),
		"aging_factor":                      strconv.FormatFloat(th.AgingFactor, 'f', -1, 64),
		"job_stuck_threshold_minutes":       strconv.FormatFloat(th.JobStuckThreshold.Minutes(), 'f', -1, 64),
		"worker_inactive_threshold_minutes": strconv.FormatFloat(th.WorkerInactiveThreshold.Minutes(), 'f', -1, 64),
		"supervisor_poll_interval_seconds":  strconv.FormatFloat(th.SupervisorPollInterval.Seconds(), 'f', -1, 64),
		"reload_interval_seconds":           strconv.FormatFloat(th.ReloadInterval.Seconds(), 'f', -1, 64),
		"lock_retry_count":                  strconv.Itoa(th.LockRetryCount),
		"lock_retry_sleep_seconds":          strconv.FormatFloat(th.LockRetrySleep.Seconds(), 'f', -1, 64),
		"batch_size":                        strconv.Itoa(th.BatchSize),
		"min_new":                           strconv.Itoa(th.MinNew),
	}

	for _, name := range names {
		if _, err := primary.GetPair(ctx, kvPrefix+name); err == nil {
			continue
		}
		if err := primary.Set(ctx, kvPrefix+name, values[name], "threshold setting"); err != nil {
			return err
		}
	}
	return nil
}
