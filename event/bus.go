package event

import (
	"context"
	"log/slog"
)

// Bus persists every event to the event log and then fans it out to the
// registered sinks. A failed append is logged and does not stop fan-out:
// emission never fails the state transition that produced the event.
type Bus struct {
	store  Store
	sinks  []Sink
	logger *slog.Logger
}

// NewBus creates a bus. A nil store skips persistence.
func NewBus(store Store, logger *slog.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{store: store, sinks: sinks, logger: logger}
}

// Subscribe adds a sink. It must be called before the bus is in use.
func (b *Bus) Subscribe(s Sink) { b.sinks = append(b.sinks, s) }

// Dispatch implements Sink.
func (b *Bus) Dispatch(ctx context.Context, evt *Event) {
	if b.store != nil {
		if err := b.store.AppendEvent(ctx, evt); err != nil {
			b.logger.Error("event: append failed",
				slog.String("event_id", evt.ID.String()),
				slog.String("type", string(evt.Type)),
				slog.String("workflow_id", evt.WorkflowID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, s := range b.sinks {
		s.Dispatch(ctx, evt)
	}
}

// Store returns the underlying event log.
func (b *Bus) Store() Store { return b.store }
