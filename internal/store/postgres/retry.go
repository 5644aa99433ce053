package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// isLockContention reports whether err is a Postgres lock-not-available or
// serialization-failure error, the two classes SELECT ... FOR UPDATE contention
// surfaces as under concurrent Schedulers/Watchdogs racing the same Task row.
func isLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return true
		}
	}
	return strings.Contains(err.Error(), "could not obtain lock")
}

// withLockRetry runs fn, retrying on lock contention with linear backoff: the
// wait after failed attempt n (counting from 1) is lockRetrySleep * n, growing by
// a fixed step each attempt rather than doubling (SPEC_FULL.md §5). Task row
// contention is expected and short-lived (a handful of Schedulers polling the
// same queue).
func (s *Store) withLockRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	attempts := s.lockRetryCount
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isLockContention(lastErr) {
			return lastErr
		}
		if i < attempts-1 && s.lockRetrySleep > 0 {
			select {
			case <-time.After(s.lockRetrySleep * time.Duration(i+1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
