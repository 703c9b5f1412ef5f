package dispatch

import (
	"context"

	"github.com/harbormail/dispatch/envelope"
)

// Notifier is the mutation-side entry point for change fan-out. Handlers
// that modify account state publish a change block; every local session of
// the account picks it up on its next response or parked wait.
type Notifier interface {
	Publish(ctx context.Context, accountID string, payload *envelope.Element)
}

// Publish enqueues a change block on all local sessions of the account.
// Each session receives its own clone so queue lifetimes stay independent.
func (e *Engine) Publish(ctx context.Context, accountID string, payload *envelope.Element) {
	if payload == nil {
		return
	}
	for _, s := range e.sessions.ForAccount(accountID) {
		s.Enqueue(payload.Clone())
		e.met.NotificationsQueued.Inc()
	}
}
