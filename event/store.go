package event

import (
	"context"

	"github.com/xraph/conductor/id"
)

// Store defines the persistence contract for the domain event log.
type Store interface {
	// AppendEvent persists an event. Appending an event whose ID already
	// exists is a no-op.
	AppendEvent(ctx context.Context, evt *Event) error

	// ListEvents returns a workflow's events in emission order.
	ListEvents(ctx context.Context, workflowID id.WorkflowID) ([]*Event, error)
}
