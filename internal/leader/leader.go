// Package leader enforces the single-active-controller invariant spec.md §9
// calls for: only the Elector's current holder may run the Scheduler,
// Watchdog, and Auto-Reoptimizer loops against a shared Store/Broker pair. It
// holds no state of its own beyond the lease identity; the lease itself lives
// in Redis behind interfaces.Broker (internal/broker/redis's
// AcquireLeaderLease/RenewLeaderLease/ReleaseLeaderLease).
package leader

import (
	"context"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/common"
	"github.com/ternarybob/optorch/internal/interfaces"
)

// Elector periodically renews a leader lease and reports whether this process
// currently holds it. Components that must not run on more than one process at
// a time (Scheduler, Watchdog, Reoptimizer) check IsLeader before acting.
type Elector struct {
	broker   interfaces.Broker
	logger   arbor.ILogger
	holderID string
	ttl      time.Duration

	isLeader atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// New constructs an Elector. holderID defaults to hostname+pid when cfg.HolderID
// is empty, so two processes on the same host never collide by accident.
func New(cfg common.LeaderConfig, broker interfaces.Broker, logger arbor.ILogger) *Elector {
	holderID := cfg.HolderID
	if holderID == "" {
		hostname, _ := os.Hostname()
		holderID = hostname + "-" + strconv.Itoa(os.Getpid())
	}
	return &Elector{
		broker:   broker,
		logger:   logger,
		holderID: holderID,
		ttl:      cfg.TTL(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// IsLeader reports whether this process currently holds the lease.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// HolderID returns this process's candidate identity.
func (e *Elector) HolderID() string {
	return e.holderID
}

// Run blocks, attempting to acquire or renew the lease every interval until
// ctx is cancelled or Stop is called. interval should be well under the lease
// TTL (a third of it is a reasonable default) so a brief renew failure doesn't
// immediately cost leadership.
func (e *Elector) Run(ctx context.Context, interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ticker.C:
			e.tick(ctx)
		case <-e.stop:
			e.release(ctx)
			return
		case <-ctx.Done():
			e.release(ctx)
			return
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if e.isLeader.Load() {
		renewed, err := e.broker.RenewLeaderLease(ctx, e.holderID, e.ttl)
		if err != nil {
			e.logger.Warn().Err(err).Msg("leader lease renew failed")
			return
		}
		if !renewed {
			e.logger.Warn().Str("holder_id", e.holderID).Msg("lost leader lease")
			e.isLeader.Store(false)
		}
		return
	}

	acquired, err := e.broker.AcquireLeaderLease(ctx, e.holderID, e.ttl)
	if err != nil {
		e.logger.Warn().Err(err).Msg("leader lease acquire failed")
		return
	}
	if acquired {
		e.logger.Info().Str("holder_id", e.holderID).Msg("acquired leader lease")
		e.isLeader.Store(true)
	}
}

func (e *Elector) release(ctx context.Context) {
	if !e.isLeader.Load() {
		return
	}
	if err := e.broker.ReleaseLeaderLease(ctx, e.holderID); err != nil {
		e.logger.Warn().Err(err).Msg("leader lease release failed")
	}
	e.isLeader.Store(false)
}

// Stop signals Run to release the lease and return, then blocks until it has.
func (e *Elector) Stop() {
	close(e.stop)
	<-e.done
}
