package events

import (
	"context"

	"github.com/filora/filora/internal/metrics"
)

// Notifier receives best-effort events.
type Notifier interface {
	Notify(ctx context.Context, owner, event string, data any)
}

// Fanout delivers each event to every notifier in order. Notifiers must not
// block; the webhook dispatcher only enqueues.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, owner, event string, data any) {
	metrics.RecordEvent(event)
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, owner, event, data)
		}
	}
}
