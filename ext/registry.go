package ext

import (
	"context"
	"log/slog"

	"github.com/xraph/conductor/event"
)

var _ event.Sink = (*Registry)(nil)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type eventHandlerEntry struct {
	name string
	hook EventHandler
}

type workflowEntry struct {
	name string
	hook WorkflowHook
}

type stepEntry struct {
	name string
	hook StepHook
}

type compensationEntry struct {
	name string
	hook CompensationHook
}

type retryFromStepEntry struct {
	name string
	hook RetryFromStepHook
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches domain events to
// them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	handlers      []eventHandlerEntry
	workflow      []workflowEntry
	step          []stepEntry
	compensation  []compensationEntry
	retryFromStep []retryFromStepEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(EventHandler); ok {
		r.handlers = append(r.handlers, eventHandlerEntry{name, h})
	}
	if h, ok := e.(WorkflowHook); ok {
		r.workflow = append(r.workflow, workflowEntry{name, h})
	}
	if h, ok := e.(StepHook); ok {
		r.step = append(r.step, stepEntry{name, h})
	}
	if h, ok := e.(CompensationHook); ok {
		r.compensation = append(r.compensation, compensationEntry{name, h})
	}
	if h, ok := e.(RetryFromStepHook); ok {
		r.retryFromStep = append(r.retryFromStep, retryFromStepEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// Dispatch implements event.Sink. Catch-all handlers run first, then the
// hooks for the event's category.
func (r *Registry) Dispatch(ctx context.Context, evt *event.Event) {
	for _, e := range r.handlers {
		if err := e.hook.OnEvent(ctx, evt); err != nil {
			r.logHookError("OnEvent", e.name, evt, err)
		}
	}

	switch evt.Type.Category() {
	case event.CategoryWorkflow:
		for _, e := range r.workflow {
			if err := e.hook.OnWorkflowEvent(ctx, evt); err != nil {
				r.logHookError("OnWorkflowEvent", e.name, evt, err)
			}
		}
	case event.CategoryStep:
		for _, e := range r.step {
			if err := e.hook.OnStepEvent(ctx, evt); err != nil {
				r.logHookError("OnStepEvent", e.name, evt, err)
			}
		}
	case event.CategoryCompensation:
		for _, e := range r.compensation {
			if err := e.hook.OnCompensationEvent(ctx, evt); err != nil {
				r.logHookError("OnCompensationEvent", e.name, evt, err)
			}
		}
	case event.CategoryRetryFromStep:
		for _, e := range r.retryFromStep {
			if err := e.hook.OnRetryFromStep(ctx, evt); err != nil {
				r.logHookError("OnRetryFromStep", e.name, evt, err)
			}
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, nil, err)
		}
	}
}

// logHookError logs a warning when a hook returns an error.
// Errors from hooks are never propagated.
func (r *Registry) logHookError(hook, extName string, evt *event.Event, err error) {
	attrs := []any{
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	}
	if evt != nil {
		attrs = append(attrs,
			slog.String("event_type", string(evt.Type)),
			slog.String("workflow_id", evt.WorkflowID.String()),
		)
	}
	r.logger.Warn("extension hook error", attrs...)
}
