package ext

import (
	"context"

	"github.com/xraph/conductor/event"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// EventHandler is called for every domain event.
type EventHandler interface {
	OnEvent(ctx context.Context, evt *event.Event) error
}

// WorkflowHook is called for workflow lifecycle events.
type WorkflowHook interface {
	OnWorkflowEvent(ctx context.Context, evt *event.Event) error
}

// StepHook is called for step run events.
type StepHook interface {
	OnStepEvent(ctx context.Context, evt *event.Event) error
}

// CompensationHook is called for compensation events.
type CompensationHook interface {
	OnCompensationEvent(ctx context.Context, evt *event.Event) error
}

// RetryFromStepHook is called when a retry-from-step rewind is initiated
// or completed.
type RetryFromStepHook interface {
	OnRetryFromStep(ctx context.Context, evt *event.Event) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
