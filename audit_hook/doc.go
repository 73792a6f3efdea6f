// Package audithook is a conductor extension that bridges domain events
// to an immutable audit trail backend such as Chronicle.
//
// Every domain event becomes a structured audit event delivered through
// the [Recorder] interface. The extension assigns severity levels (info for
// normal progress, warning for retries, skips and pending decisions,
// critical for terminal failures) and metadata taken from the event
// (workflow, step key, attempt, failure messages, decision details).
//
// # Usage with Chronicle
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return chronicle.Info(ctx, evt.Action, evt.Resource, evt.ResourceID).
//	        Category(evt.Category).
//	        Outcome(evt.Outcome).
//	        Record()
//	}))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionWorkflowFailed,
//	        audithook.ActionResolutionDecided,
//	        audithook.ActionCompensationFailed,
//	    ),
//	)
package audithook
