package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/optorch/internal/models"
)

// Config represents the application configuration for the orchestrator.
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Logging     LoggingConfig  `toml:"logging"`
	Store       StoreConfig    `toml:"store"`
	Broker      BrokerConfig   `toml:"broker"`
	Ingestor    IngestorConfig `toml:"ingestor"`
	Thresholds  Thresholds     `toml:"thresholds"`
	Notifier    NotifierConfig `toml:"notifier"`
	Leader      LeaderConfig   `toml:"leader"`
	Cache       CacheConfig    `toml:"cache"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
}

// StoreConfig configures the durable relational Store.
type StoreConfig struct {
	Postgres PostgresConfig `toml:"postgres"`
}

type PostgresConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Database        string `toml:"database"`
	SSLMode         string `toml:"ssl_mode"`
	MaxOpenConns    int    `toml:"max_open_conns"`
	MaxIdleConns    int    `toml:"max_idle_conns"`
	MigrationsDir   string `toml:"migrations_dir"`
	LockRetryCount  int    `toml:"lock_retry_count"`  // also mirrored into Thresholds
	LockRetrySleep  string `toml:"lock_retry_sleep"`  // duration string, e.g. "1s"
}

// DSN builds a libpq-compatible connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// BrokerConfig configures the external message Broker.
type BrokerConfig struct {
	Redis RedisConfig `toml:"redis"`
}

type RedisConfig struct {
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	Password            string `toml:"password"`
	DB                  int    `toml:"db"`
	MainQueueKey        string `toml:"main_queue_key"`
	ProcessingQueueKey  string `toml:"processing_queue_key"`
	DeadLetterQueueKey  string `toml:"dead_letter_queue_key"`
	BlobKeyPrefix       string `toml:"blob_key_prefix"`
	LeaderKey           string `toml:"leader_key"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// IngestorConfig configures the handoff-directory watcher.
type IngestorConfig struct {
	HandoffDir     string `toml:"handoff_dir"`
	ProcessedDir   string `toml:"processed_dir"`
	FileExtension  string `toml:"file_extension"`   // ".set"
	SidecarSuffix  string `toml:"sidecar_suffix"`   // ".set.meta.json"
	DebounceWindow string `toml:"debounce_window"`  // e.g. "500ms"
}

// Thresholds mirrors spec.md §3's singleton settings table. Values here are the
// boot-time defaults; the running snapshot is refreshed from Store every RELOAD_INTERVAL
// and held behind internal/models.ThresholdStore's atomic accessor.
type Thresholds struct {
	TaskMaxAttempts          int     `toml:"task_max_attempts"`
	MaxFineTuneDepth         int     `toml:"max_fine_tune_depth"`
	DistanceThreshold        float64 `toml:"distance_threshold"`
	ScoreThreshold           float64 `toml:"score_threshold"`
	AgingFactor              float64 `toml:"aging_factor"`
	JobStuckThresholdMin     int     `toml:"job_stuck_threshold_minutes"`
	WorkerInactiveThreshMin  int     `toml:"worker_inactive_threshold_minutes"`
	SupervisorPollIntervalS  int     `toml:"supervisor_poll_interval_seconds"`
	ReloadIntervalS          int     `toml:"reload_interval_seconds"`
	LockRetryCount           int     `toml:"lock_retry_count"`
	LockRetrySleepS          float64 `toml:"lock_retry_sleep_seconds"`
	BatchSize                int     `toml:"batch_size"`
	MinNew                   int     `toml:"min_new"`
}

func (t Thresholds) PollInterval() time.Duration {
	return time.Duration(t.SupervisorPollIntervalS) * time.Second
}

func (t Thresholds) ReloadInterval() time.Duration {
	return time.Duration(t.ReloadIntervalS) * time.Second
}

func (t Thresholds) JobStuckThreshold() time.Duration {
	return time.Duration(t.JobStuckThresholdMin) * time.Minute
}

func (t Thresholds) WorkerInactiveThreshold() time.Duration {
	return time.Duration(t.WorkerInactiveThreshMin) * time.Minute
}

func (t Thresholds) LockRetrySleep() time.Duration {
	return time.Duration(t.LockRetrySleepS * float64(time.Second))
}

// ToModel converts the TOML-serializable config twin into the time.Duration-typed
// runtime snapshot held behind internal/models.ThresholdStore.
func (t Thresholds) ToModel() models.Thresholds {
	return models.Thresholds{
		TaskMaxAttempts:         t.TaskMaxAttempts,
		MaxFineTuneDepth:        t.MaxFineTuneDepth,
		DistanceThreshold:       t.DistanceThreshold,
		ScoreThreshold:          t.ScoreThreshold,
		AgingFactor:             t.AgingFactor,
		JobStuckThreshold:       t.JobStuckThreshold(),
		WorkerInactiveThreshold: t.WorkerInactiveThreshold(),
		SupervisorPollInterval:  t.PollInterval(),
		ReloadInterval:          t.ReloadInterval(),
		LockRetryCount:          t.LockRetryCount,
		LockRetrySleep:          t.LockRetrySleep(),
		BatchSize:               t.BatchSize,
		MinNew:                  t.MinNew,
	}
}

// NotifierConfig configures the fire-and-forget Notifier transports.
type NotifierConfig struct {
	Slack SlackConfig `toml:"slack"`
	SMTP  SMTPConfig  `toml:"smtp"`
}

type SlackConfig struct {
	Enabled    bool   `toml:"enabled"`
	WebhookURL string `toml:"webhook_url"`
	Channel    string `toml:"channel"`
}

type SMTPConfig struct {
	Enabled  bool   `toml:"enabled"`
	Server   string `toml:"server"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	To       string `toml:"to"`
}

// LeaderConfig configures single-active-controller lease enforcement.
type LeaderConfig struct {
	Enabled     bool   `toml:"enabled"`
	HolderID    string `toml:"holder_id"` // defaults to hostname+pid if empty
	TTLSeconds  int    `toml:"ttl_seconds"`
}

func (l LeaderConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// CacheConfig configures the local Badger-backed key/value cache that holds the
// hot-reloaded Thresholds snapshot and scheduler job settings between Store
// reload ticks (SPEC_FULL.md §11). It is a cache, not a system of record: Postgres
// remains authoritative and this directory can be deleted safely at any time.
type CacheConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// NewDefaultConfig returns the boot-time defaults, mirroring the thresholds and queue
// names of the original controller/supervisor's environment-variable defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		Store: StoreConfig{
			Postgres: PostgresConfig{
				Host:           "localhost",
				Port:           5432,
				User:           "orchestrator",
				Database:       "orchestrator",
				SSLMode:        "disable",
				MaxOpenConns:   20,
				MaxIdleConns:   5,
				MigrationsDir:  "./migrations",
				LockRetryCount: 5,
				LockRetrySleep: "1s",
			},
		},
		Broker: BrokerConfig{
			Redis: RedisConfig{
				Host:               "localhost",
				Port:               6379,
				DB:                 0,
				MainQueueKey:       "orchestrator_tasks",
				ProcessingQueueKey: "orchestrator_tasks_processing",
				DeadLetterQueueKey: "orchestrator_tasks_dead",
				BlobKeyPrefix:      "task:",
				LeaderKey:          "controller:leader",
			},
		},
		Ingestor: IngestorConfig{
			HandoffDir:     "./data/handoff/incoming",
			ProcessedDir:   "./data/handoff/processed",
			FileExtension:  ".set",
			SidecarSuffix:  ".set.meta.json",
			DebounceWindow: "500ms",
		},
		Thresholds: Thresholds{
			TaskMaxAttempts:         3,
			MaxFineTuneDepth:        2,
			DistanceThreshold:       0.1,
			ScoreThreshold:          0.8,
			AgingFactor:             1.0,
			JobStuckThresholdMin:    60,
			WorkerInactiveThreshMin: 5,
			SupervisorPollIntervalS: 20,
			ReloadIntervalS:         60,
			LockRetryCount:          5,
			LockRetrySleepS:         1,
			BatchSize:               10,
			MinNew:                  2,
		},
		Notifier: NotifierConfig{
			Slack: SlackConfig{Enabled: false},
			SMTP:  SMTPConfig{Enabled: false, Port: 587},
		},
		Leader: LeaderConfig{
			Enabled:    false,
			TTLSeconds: 30,
		},
		Cache: CacheConfig{
			Path:           "./data/cache",
			ResetOnStartup: false,
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> ... -> env -> CLI.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if env := os.Getenv("ORCH_ENV"); env != "" {
		config.Environment = env
	}
	if port := os.Getenv("ORCH_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ORCH_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if level := os.Getenv("ORCH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if host := os.Getenv("ORCH_STORE_HOST"); host != "" {
		config.Store.Postgres.Host = host
	}
	if port := os.Getenv("ORCH_STORE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Store.Postgres.Port = p
		}
	}
	if user := os.Getenv("ORCH_STORE_USER"); user != "" {
		config.Store.Postgres.User = user
	}
	if password := os.Getenv("ORCH_STORE_PASSWORD"); password != "" {
		config.Store.Postgres.Password = password
	}
	if db := os.Getenv("ORCH_STORE_DATABASE"); db != "" {
		config.Store.Postgres.Database = db
	}

	if host := os.Getenv("ORCH_BROKER_HOST"); host != "" {
		config.Broker.Redis.Host = host
	}
	if port := os.Getenv("ORCH_BROKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Broker.Redis.Port = p
		}
	}
	if password := os.Getenv("ORCH_BROKER_PASSWORD"); password != "" {
		config.Broker.Redis.Password = password
	}

	if dir := os.Getenv("ORCH_INGESTOR_HANDOFF_DIR"); dir != "" {
		config.Ingestor.HandoffDir = dir
	}

	if v := os.Getenv("ORCH_THRESHOLD_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Thresholds.TaskMaxAttempts = n
		}
	}
	if v := os.Getenv("ORCH_THRESHOLD_MAX_FINE_TUNE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Thresholds.MaxFineTuneDepth = n
		}
	}
	if v := os.Getenv("ORCH_THRESHOLD_DISTANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Thresholds.DistanceThreshold = f
		}
	}
	if v := os.Getenv("ORCH_THRESHOLD_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Thresholds.ScoreThreshold = f
		}
	}

	if v := os.Getenv("ORCH_SLACK_WEBHOOK_URL"); v != "" {
		config.Notifier.Slack.Enabled = true
		config.Notifier.Slack.WebhookURL = v
	}
	if v := os.Getenv("ORCH_SMTP_PASSWORD"); v != "" {
		config.Notifier.SMTP.Password = v
	}

	if v := os.Getenv("ORCH_LEADER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Leader.Enabled = b
		}
	}
	if v := os.Getenv("ORCH_LEADER_HOLDER_ID"); v != "" {
		config.Leader.HolderID = v
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config. CLI flags have the
// highest priority in the override chain.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
