// Package notifier implements the fire-and-forget operator-notification
// fan-out described in SPEC_FULL.md §4.9: a single Notify(subject, body) call
// dispatched to every configured transport, with each transport's failure
// logged at warn level and swallowed rather than propagated to the caller.
package notifier

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/interfaces"
)

// MultiNotifier fans one Notify call out to every configured transport,
// mirroring the way the base service layers multiple independent output
// sinks behind one logical writer interface.
type MultiNotifier struct {
	transports []interfaces.Notifier
	logger     arbor.ILogger
}

// New builds a MultiNotifier from whichever transports are enabled. Disabled
// transports are simply omitted by the caller rather than constructed as
// no-ops, so an all-disabled configuration yields a MultiNotifier with zero
// transports that silently accepts every Notify call.
func New(logger arbor.ILogger, transports ...interfaces.Notifier) *MultiNotifier {
	return &MultiNotifier{transports: transports, logger: logger}
}

// Notify satisfies interfaces.Notifier. It never returns an error itself:
// each transport's failure is logged and the remaining transports still run.
func (m *MultiNotifier) Notify(ctx context.Context, subject, message string) error {
	for _, t := range m.transports {
		if err := t.Notify(ctx, subject, message); err != nil {
			m.logger.Warn().Err(err).Str("subject", subject).Msg("notifier: transport delivery failed")
		}
	}
	return nil
}
