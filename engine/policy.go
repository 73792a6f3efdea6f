package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/workflow"
)

// applyFailurePolicy reacts to a failed run of the workflow's current step
// according to the step's failure policy. It reports whether evaluation
// should continue: a retry was dispatched or the failure was absorbed.
func (e *Engine) applyFailurePolicy(ctx context.Context, wf *workflow.Instance, def *definition.Definition, run *step.Run, s *definition.Step) (bool, error) {
	policy := s.Policy()
	e.logger.Info("applying step failure policy",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("step", s.Key),
		slog.Int("attempt", run.Attempt),
		slog.String("policy", string(policy)),
	)

	switch policy {
	case definition.PauseWorkflow:
		now := e.now()
		reason := fmt.Sprintf("Step %q failed: %s", s.Key, run.FailureMessage)
		if err := wf.Pause(now, workflow.PauseOptions{Reason: reason}); err != nil {
			return false, err
		}
		if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
			return false, err
		}
		e.emit(ctx, event.New(event.WorkflowPaused, wf.ID, now).
			ForStep(s.Key, run.ID, run.Attempt).
			With("reason", reason))
		return false, nil

	case definition.RetryStep:
		if run.Attempt < s.MaxAttempts() {
			next, err := e.retryStep(ctx, wf, def, s)
			if err != nil {
				return false, err
			}
			return next != nil, nil
		}
		return false, e.failWorkflow(ctx, wf, def, run, run.FailureCode, run.FailureMessage)

	case definition.SkipStep, definition.ContinueWithPartial:
		now := e.now()
		skipped := *run
		if err := skipped.Skip(now); err != nil {
			return false, err
		}
		won, err := e.steps.TransitionStepRun(ctx, &skipped, step.StatusFailed)
		if err != nil {
			return false, err
		}
		if !won {
			return false, nil
		}
		if policy == definition.SkipStep {
			if _, err := e.outputs.ClearOutputs(ctx, wf.ID, []string{s.Key}); err != nil {
				return false, err
			}
		}
		if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
			return false, err
		}
		e.emit(ctx, event.New(event.StepSkipped, wf.ID, now).
			ForStep(s.Key, run.ID, run.Attempt).
			With("policy", string(policy)).
			With("failure_message", run.FailureMessage))
		return true, nil
	}

	return false, e.failWorkflow(ctx, wf, def, run, run.FailureCode, run.FailureMessage)
}

// failWorkflow moves the workflow to Failed and hands it to failure
// resolution. run is the failed run, if a step failure caused it.
func (e *Engine) failWorkflow(ctx context.Context, wf *workflow.Instance, def *definition.Definition, run *step.Run, code, message string) error {
	now := e.now()
	if err := wf.Fail(now, code, message); err != nil {
		return err
	}
	if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	e.logger.Info("workflow failed",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("step", wf.CurrentStepKey),
		slog.String("code", code),
		slog.String("message", message),
	)
	evt := event.New(event.WorkflowFailed, wf.ID, now).
		With("failure_code", code).
		With("failure_message", message)
	if run != nil {
		evt.ForStep(run.StepKey, run.ID, run.Attempt)
	} else {
		evt.StepKey = wf.CurrentStepKey
	}
	e.emit(ctx, evt)

	return e.resolveFailure(ctx, wf, def)
}
