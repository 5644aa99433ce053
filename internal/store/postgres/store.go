// Package postgres implements interfaces.Store against PostgreSQL via pgx's
// database/sql compatibility shim and sqlx, the same pairing
// internal/storage/sqlite used for SQLite before that package was retired
// (DESIGN.md "Deletions from the teacher tree"). UpdateTaskStatus runs inside a
// transaction with SELECT ... FOR UPDATE row locks on the Task and its Job and a
// linear backoff retry around lock-contention errors (SPEC_FULL.md §5 — the
// teacher's own retryWithExponentialBackoff idiom, adapted to linear per the
// spec's explicit correction). CreateJob writes its Job and initial Task in one
// transaction with no row lock and no retry.
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/common"
)

// Store is the PostgreSQL-backed interfaces.Store implementation.
type Store struct {
	db             *sqlx.DB
	logger         arbor.ILogger
	lockRetryCount int
	lockRetrySleep time.Duration
}

// Open establishes the connection pool and runs pending goose migrations from
// cfg.MigrationsDir before returning. It does not create the database itself.
func Open(cfg *common.PostgresConfig, logger arbor.ILogger) (*Store, error) {
	sqlDB, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	retrySleep, err := time.ParseDuration(cfg.LockRetrySleep)
	if err != nil {
		retrySleep = time.Second
	}

	s := &Store{
		db:             sqlx.NewDb(sqlDB, "pgx"),
		logger:         logger,
		lockRetryCount: cfg.LockRetryCount,
		lockRetrySleep: retrySleep,
	}

	if err := s.migrate(cfg.MigrationsDir); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	logger.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Postgres store connected")
	return s, nil
}

// newForTesting wraps an already-open *sql.DB (typically a go-sqlmock
// connection) as a Store, bypassing Open's pgx dialing and migration run. Used
// by this package's _test.go files.
func newForTesting(db *sql.DB, logger arbor.ILogger) *Store {
	return &Store{
		db:             sqlx.NewDb(db, "sqlmock"),
		logger:         logger,
		lockRetryCount: 5,
		lockRetrySleep: 0,
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}
