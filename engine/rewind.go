package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/resolution"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/workflow"
)

// RetryFromStepRequest asks to re-execute a workflow from StepKey.
type RetryFromStepRequest struct {
	WorkflowID id.WorkflowID
	StepKey    string
	// Mode defaults to RetryOnly.
	Mode        resolution.RetryMode
	InitiatedBy string
	Reason      string
}

// RetryFromStepResult is the result of a rewind.
type RetryFromStepResult struct {
	Workflow *workflow.Instance
	// Pending is true when a compensate-then-retry rewind is waiting for
	// its compensation episode; the rewind completes with the episode.
	Pending bool
	// Compensation is the episode started by a compensate-then-retry
	// rewind.
	Compensation   *CompensationResult
	SupersededRuns int
	ClearedOutputs int
	NewStepRunID   id.StepRunID
}

// RetryFromStep rewinds a workflow to StepKey: every run of that step and
// of the steps after it is superseded, their outputs are cleared and the
// step is dispatched as a new attempt. The target may lie before, at or
// after the workflow's current step.
func (e *Engine) RetryFromStep(ctx context.Context, req RetryFromStepRequest) (*RetryFromStepResult, error) {
	var res *RetryFromStepResult
	err := e.locked(ctx, req.WorkflowID, "retry from step", func(ctx context.Context) error {
		wf, err := e.workflows.GetWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		def, err := e.definitionFor(wf)
		if err != nil {
			return err
		}
		res, err = e.rewind(ctx, wf, def, req)
		return err
	})
	return res, err
}

func (e *Engine) rewind(ctx context.Context, wf *workflow.Instance, def *definition.Definition, req RetryFromStepRequest) (*RetryFromStepResult, error) {
	if _, ok := def.Step(req.StepKey); !ok {
		return nil, fmt.Errorf("%w: %s", conductor.ErrStepNotFound, req.StepKey)
	}
	mode := req.Mode
	if mode == "" {
		mode = resolution.RetryOnly
	}

	switch mode {
	case resolution.RetryOnly:
		switch wf.State {
		case workflow.StateFailed, workflow.StateCompensated, workflow.StatePaused, workflow.StateRunning:
		default:
			return nil, &conductor.TransitionError{Entity: "workflow", Action: "retry from step", From: string(wf.State)}
		}
	case resolution.CompensateThenRetry:
		if wf.State != workflow.StateFailed && wf.State != workflow.StateCompensationFailed {
			return nil, &conductor.TransitionError{Entity: "workflow", Action: "compensate then retry", From: string(wf.State)}
		}
	default:
		return nil, fmt.Errorf("unknown retry mode %q", mode)
	}

	e.logger.Info("retry from step initiated",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("step", req.StepKey),
		slog.String("mode", string(mode)),
	)
	e.emit(ctx, event.New(event.RetryFromStepInitiated, wf.ID, e.now()).
		With("step_key", req.StepKey).
		With("from_state", string(wf.State)).
		With("retry_mode", string(mode)).
		With("initiated_by", req.InitiatedBy).
		With("reason", req.Reason))

	if mode == resolution.RetryOnly {
		return e.finishRewind(ctx, wf, def, req.StepKey)
	}

	wf.PendingRewindStep = req.StepKey
	comp, err := e.compensate(ctx, wf, def, CompensateRequest{
		Scope:       compensation.ScopeFromStep,
		StepKeys:    def.KeysFrom(req.StepKey),
		InitiatedBy: req.InitiatedBy,
		Reason:      req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if comp.Rewind != nil {
		comp.Rewind.Compensation = comp
		return comp.Rewind, nil
	}
	return &RetryFromStepResult{Workflow: wf, Pending: true, Compensation: comp}, nil
}

// finishRewind supersedes the affected runs, clears their outputs, points
// the workflow at stepKey and dispatches it.
func (e *Engine) finishRewind(ctx context.Context, wf *workflow.Instance, def *definition.Definition, stepKey string) (*RetryFromStepResult, error) {
	s, ok := def.Step(stepKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", conductor.ErrStepNotFound, stepKey)
	}
	affected := def.KeysFrom(stepKey)
	newRunID := id.NewStepRunID()
	now := e.now()

	runs, err := e.steps.ListStepRuns(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	superseded := 0
	for _, r := range runs {
		if r.Status == step.StatusSuperseded || !slices.Contains(affected, r.StepKey) {
			continue
		}
		if err := r.Supersede(now, newRunID); err != nil {
			return nil, err
		}
		if err := e.steps.UpdateStepRun(ctx, r); err != nil {
			return nil, err
		}
		superseded++
		e.emit(ctx, event.New(event.StepSuperseded, wf.ID, now).
			ForStep(r.StepKey, r.ID, r.Attempt).
			With("superseded_by", newRunID.String()))
	}

	cleared, err := e.outputs.ClearOutputs(ctx, wf.ID, affected)
	if err != nil {
		return nil, fmt.Errorf("clear outputs: %w", err)
	}

	if err := wf.RewindTo(now, stepKey); err != nil {
		return nil, err
	}
	if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	run, err := e.dispatchOrFail(ctx, wf, def, s, newRunID)
	if err != nil {
		return nil, err
	}

	res := &RetryFromStepResult{
		SupersededRuns: superseded,
		ClearedOutputs: cleared,
	}
	if run != nil {
		res.NewStepRunID = run.ID
	}
	e.logger.Info("retry from step completed",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("step", stepKey),
		slog.Int("superseded_runs", superseded),
		slog.Int("cleared_outputs", cleared),
	)
	e.emit(ctx, event.New(event.RetryFromStepCompleted, wf.ID, e.now()).
		With("step_key", stepKey).
		With("superseded_runs", superseded).
		With("cleared_outputs", cleared).
		With("new_step_run_id", res.NewStepRunID.String()))

	if err := e.evaluate(ctx, wf); err != nil {
		return nil, err
	}
	res.Workflow = wf
	return res, nil
}
