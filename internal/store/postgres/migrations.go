package postgres

import (
	"github.com/pressly/goose/v3"
)

// migrate runs every pending migration in dir against the Store's connection,
// the same goose-driven bootstrap quaero ran for its own Postgres-backed
// deployments (this teacher's SQLite build skipped it; goose already covers
// "postgres" as a dialect out of the box).
func (s *Store) migrate(dir string) error {
	if dir == "" {
		return nil
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(s.db.DB, dir)
}
