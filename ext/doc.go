// Package ext defines the extension system for conductor.
//
// Extensions are notified of domain events (steps starting and failing,
// workflows pausing, compensations completing) and can react to them:
// recording metrics, writing audit logs, relaying to a message broker.
// Each hook is a separate interface so extensions opt in only to the
// event categories they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnStepEvent(ctx context.Context, evt *event.Event) error {
//	    log.Printf("step %s: %s", evt.StepKey, evt.Type)
//	    return nil
//	}
//
// # Hooks
//
//   - [EventHandler]: every domain event
//   - [WorkflowHook]: workflow.* events
//   - [StepHook]: step.* events
//   - [CompensationHook]: compensation.* events
//   - [RetryFromStepHook]: retry_from_step.* events
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] is an event.Sink. It fans each event out to every
// registered extension that implements a matching hook interface. Hook
// errors are logged and never propagated.
package ext
