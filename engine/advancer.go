package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/workflow"
)

// EvaluateResult is the result of Evaluate.
type EvaluateResult struct {
	// Workflow is the workflow as persisted after evaluation.
	Workflow *workflow.Instance
	// Contended is true when another caller held the evaluation lock and
	// this call did nothing.
	Contended bool
}

// Evaluate moves a workflow forward as far as the current state of its
// step runs and jobs allows. It is the single reaction to every external
// stimulus and is idempotent: calling it again without a new job outcome,
// trigger or tick changes nothing. When another caller is evaluating the
// same workflow it returns at once with Contended set.
func (e *Engine) Evaluate(ctx context.Context, workflowID id.WorkflowID) (*EvaluateResult, error) {
	ctx, span := e.tracer.Start(ctx, "conductor.workflow.evaluate",
		trace.WithAttributes(attribute.String("conductor.workflow_id", workflowID.String())),
	)
	defer span.End()

	res := &EvaluateResult{}
	acquired, err := e.withLock(ctx, workflowID, func(ctx context.Context) error {
		wf, err := e.workflows.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		res.Workflow = wf
		return e.evaluate(ctx, wf)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluate workflow %s: %w", workflowID, err)
	}

	if !acquired {
		span.SetAttributes(attribute.Bool("conductor.lock_contended", true))
		e.logger.Debug("workflow evaluation skipped: lock held",
			slog.String("workflow_id", workflowID.String()),
		)
		wf, getErr := e.workflows.GetWorkflow(ctx, workflowID)
		if getErr != nil {
			return nil, getErr
		}
		return &EvaluateResult{Workflow: wf, Contended: true}, nil
	}

	span.SetAttributes(attribute.String("conductor.workflow_state", string(res.Workflow.State)))
	return res, nil
}

// evaluate runs the advancement loop. The caller holds the lock. Each pass
// looks at the current step's latest run and stops as soon as the
// workflow waits on jobs, a trigger or a decision.
func (e *Engine) evaluate(ctx context.Context, wf *workflow.Instance) error {
	if wf.State == workflow.StateCompensating {
		if err := e.resumeCompensation(ctx, wf); err != nil {
			return err
		}
	}
	if wf.State != workflow.StatePending && wf.State != workflow.StateRunning {
		return nil
	}

	def, err := e.definitionFor(wf)
	if err != nil {
		return err
	}

	if wf.State == workflow.StatePending {
		if err := e.startWorkflow(ctx, wf, def); err != nil {
			return err
		}
	}

	for wf.State == workflow.StateRunning {
		s, ok := def.Step(wf.CurrentStepKey)
		if !ok {
			return fmt.Errorf("%w: %q in %s@%d", conductor.ErrStepNotFound, wf.CurrentStepKey, def.Key, def.Version)
		}

		run, err := e.steps.LatestStepRun(ctx, wf.ID, s.Key)
		if err != nil {
			return err
		}

		if run == nil || run.Status == step.StatusSuperseded || run.Status == step.StatusPending {
			if _, err := e.dispatchOrFail(ctx, wf, def, s, id.NewStepRunID()); err != nil {
				return err
			}
			continue
		}

		if run.Status.Active() {
			res, err := e.TryFinalize(ctx, run, s)
			if err != nil {
				return err
			}
			if res.Outcome != Finalized {
				return nil
			}
			run = res.Run
		}

		switch run.Status {
		case step.StatusFailed:
			cont, err := e.applyFailurePolicy(ctx, wf, def, run, s)
			if err != nil || !cont {
				return err
			}
		case step.StatusSucceeded, step.StatusSkipped:
			if err := e.advance(ctx, wf, def, s); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

func (e *Engine) startWorkflow(ctx context.Context, wf *workflow.Instance, def *definition.Definition) error {
	now := e.now()
	first, ok := def.First()
	firstKey := ""
	if ok {
		firstKey = first.Key
	}
	if err := wf.Start(now, firstKey); err != nil {
		return err
	}
	if !ok {
		if err := wf.Succeed(now); err != nil {
			return err
		}
	}
	if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	e.logger.Info("workflow started",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("definition", def.Key),
		slog.Int("version", def.Version),
	)
	e.emit(ctx, event.New(event.WorkflowStarted, wf.ID, now).
		With("definition_key", def.Key).
		With("definition_version", def.Version))
	if !ok {
		e.emit(ctx, event.New(event.WorkflowSucceeded, wf.ID, now))
	}
	return nil
}

// advance moves past a passed step: to the next step in definition order,
// or to Succeeded after the last one.
func (e *Engine) advance(ctx context.Context, wf *workflow.Instance, def *definition.Definition, s *definition.Step) error {
	now := e.now()
	next, ok := def.Next(s.Key)
	if !ok {
		if err := wf.Succeed(now); err != nil {
			return err
		}
		if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		e.logger.Info("workflow succeeded",
			slog.String("workflow_id", wf.ID.String()),
		)
		e.emit(ctx, event.New(event.WorkflowSucceeded, wf.ID, now))
		return nil
	}

	if err := wf.Advance(next.Key); err != nil {
		return err
	}
	return e.workflows.UpdateWorkflow(ctx, wf)
}

// restartFailedStep dispatches a new attempt of the current step when its
// latest run failed, so that a resumed or retried workflow does not
// re-apply the same failure.
func (e *Engine) restartFailedStep(ctx context.Context, wf *workflow.Instance, def *definition.Definition) error {
	s, ok := def.Step(wf.CurrentStepKey)
	if !ok {
		return nil
	}
	latest, err := e.steps.LatestStepRun(ctx, wf.ID, s.Key)
	if err != nil {
		return err
	}
	if latest == nil || latest.Status != step.StatusFailed {
		return nil
	}
	_, err = e.retryStep(ctx, wf, def, s)
	return err
}

// resumeCompensation advances the latest episode of a compensating
// workflow. Undo outcomes recorded while the lock was held elsewhere are
// settled here. A completed compensate-then-retry leaves the workflow
// running.
func (e *Engine) resumeCompensation(ctx context.Context, wf *workflow.Instance) error {
	def, err := e.definitionFor(wf)
	if err != nil {
		return err
	}
	episode, err := e.compensations.LatestCompensationEpisode(ctx, wf.ID)
	if err != nil {
		return err
	}
	runs, err := e.compensations.ListCompensationRuns(ctx, wf.ID, episode)
	if err != nil || len(runs) == 0 {
		return err
	}
	if _, err := e.advanceCompensation(ctx, wf, def, runs); err != nil {
		return err
	}
	return nil
}
