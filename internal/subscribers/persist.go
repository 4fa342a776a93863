package subscribers

import (
	"context"

	"relay/internal/event"
	"relay/internal/logging"
)

// EventAppender is the durable session log writer. Implemented by the
// postgres run store.
type EventAppender interface {
	AppendSessionEvent(ctx context.Context, ev event.Event) error
}

// Persister writes delivered events into the durable session event log. The
// reaper's termination events are persisted transactionally by the store
// itself and are skipped here to avoid double entries.
type Persister struct {
	appender EventAppender
	logger   logging.Logger
}

// NewPersister wires the persistence subscriber.
func NewPersister(appender EventAppender) *Persister {
	return &Persister{
		appender: appender,
		logger:   logging.NewComponentLogger("EventPersister"),
	}
}

// Handle implements bus.Subscriber. Failures are logged, never propagated:
// persistence is a side effect of delivery, not a condition for it.
func (p *Persister) Handle(ev event.Event) {
	if ev.Type == event.TypeRunInterrupted {
		return
	}
	if err := p.appender.AppendSessionEvent(context.Background(), ev); err != nil {
		p.logger.Error("Persist event type=%s session=%s: %v", ev.Type, ev.SessionID, err)
	}
}
