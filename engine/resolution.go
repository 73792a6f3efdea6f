package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/resolution"
	"github.com/xraph/conductor/workflow"
)

// resolveFailure applies the definition's failure-resolution strategy to
// a workflow that just reached Failed.
func (e *Engine) resolveFailure(ctx context.Context, wf *workflow.Instance, def *definition.Definition) error {
	cfg := def.Resolution
	now := e.now()

	switch cfg.EffectiveStrategy() {
	case definition.AutoRetry:
		if wf.AutoRetryCount >= cfg.MaxAutoRetries {
			e.logger.Info("workflow auto-retries exhausted",
				slog.String("workflow_id", wf.ID.String()),
				slog.Int("retries", wf.AutoRetryCount),
			)
			e.emit(ctx, event.New(event.WorkflowAutoRetryExhausted, wf.ID, now).
				With("retries", wf.AutoRetryCount).
				With("max_retries", cfg.MaxAutoRetries))
			if cfg.FallbackToAwait {
				e.awaitDecision(ctx, wf, now)
			}
			return nil
		}

		strategy, err := cfg.Backoff.Build()
		if err != nil {
			return fmt.Errorf("build auto-retry backoff for %s: %w", def.Key, err)
		}
		retryNumber := wf.AutoRetryCount + 1
		delay := strategy.Delay(retryNumber)
		at := now.Add(delay)
		if err := wf.ScheduleAutoRetry(at); err != nil {
			return err
		}
		if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		e.logger.Info("workflow auto-retry scheduled",
			slog.String("workflow_id", wf.ID.String()),
			slog.Int("retry", retryNumber),
			slog.Duration("delay", delay),
		)
		e.emit(ctx, event.New(event.WorkflowAutoRetryScheduled, wf.ID, now).
			With("retry_number", retryNumber).
			With("delay", delay.String()).
			With("retry_at", at))
		return nil

	case definition.AutoCompensate:
		_, err := e.compensate(ctx, wf, def, CompensateRequest{
			Scope:       cfg.EffectiveScope(),
			InitiatedBy: "auto_compensate",
			Reason:      wf.FailureMessage,
		})
		return err
	}

	e.awaitDecision(ctx, wf, now)
	return nil
}

func (e *Engine) awaitDecision(ctx context.Context, wf *workflow.Instance, now time.Time) {
	e.emit(ctx, event.New(event.WorkflowAwaitingResolution, wf.ID, now).
		With("failure_code", wf.FailureCode).
		With("failure_message", wf.FailureMessage).
		With("step_key", wf.CurrentStepKey))
}

// DecisionRequest is an operator's resolution of a failed workflow.
type DecisionRequest struct {
	Decision resolution.Decision

	// RetryFromStepKey is the rewind target of DecisionRetryFromStep.
	// Empty means the workflow's current step.
	RetryFromStepKey string
	// RetryMode of DecisionRetryFromStep. Empty means RetryOnly.
	RetryMode resolution.RetryMode

	// StepKeys restricts DecisionCompensate to the named steps. Empty
	// compensates every executed step.
	StepKeys []string

	DecidedBy string
	Reason    string
}

// DecisionResult is the result of ApplyDecision.
type DecisionResult struct {
	Record       *resolution.Record
	Workflow     *workflow.Instance
	Rewind       *RetryFromStepResult
	Compensation *CompensationResult
}

// ApplyDecision records and applies a manual decision to a failed
// workflow. A workflow that is not Failed yields
// conductor.ErrWorkflowNotFailed.
func (e *Engine) ApplyDecision(ctx context.Context, workflowID id.WorkflowID, req DecisionRequest) (*DecisionResult, error) {
	if !req.Decision.Valid() {
		return nil, fmt.Errorf("%w: %q", conductor.ErrInvalidDecision, req.Decision)
	}

	res := &DecisionResult{}
	err := e.locked(ctx, workflowID, "apply decision", func(ctx context.Context) error {
		wf, err := e.workflows.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.State != workflow.StateFailed {
			return fmt.Errorf("%w: %s is %s", conductor.ErrWorkflowNotFailed, workflowID, wf.State)
		}
		def, err := e.definitionFor(wf)
		if err != nil {
			return err
		}

		now := e.now()
		rec := &resolution.Record{
			ID:               id.NewDecisionID(),
			WorkflowID:       wf.ID,
			Decision:         req.Decision,
			RetryFromStepKey: req.RetryFromStepKey,
			RetryMode:        req.RetryMode,
			DecidedBy:        req.DecidedBy,
			Reason:           req.Reason,
			PreviousState:    string(wf.State),
			FailureCode:      wf.FailureCode,
			FailureMessage:   wf.FailureMessage,
			CreatedAt:        now,
		}
		switch req.Decision {
		case resolution.DecisionRetryFromStep:
			if rec.RetryFromStepKey == "" {
				rec.RetryFromStepKey = wf.CurrentStepKey
			}
			if rec.RetryMode == "" {
				rec.RetryMode = resolution.RetryOnly
			}
		case resolution.DecisionCompensate:
			rec.CompensationScope = compensation.ScopeAll
			if len(req.StepKeys) > 0 {
				rec.CompensationScope = compensation.ScopePartial
				rec.CompensateStepKeys = req.StepKeys
			}
		}
		if err := e.decisions.CreateDecision(ctx, rec); err != nil {
			return fmt.Errorf("record decision: %w", err)
		}
		res.Record = rec

		e.logger.Info("resolution decision applied",
			slog.String("workflow_id", wf.ID.String()),
			slog.String("decision", string(rec.Decision)),
			slog.String("decided_by", rec.DecidedBy),
		)
		e.emit(ctx, event.New(event.WorkflowResolutionDecided, wf.ID, now).
			With("decision_id", rec.ID.String()).
			With("decision", string(rec.Decision)).
			With("decided_by", rec.DecidedBy).
			With("reason", rec.Reason))

		switch rec.Decision {
		case resolution.DecisionRetry:
			wf.ResetAutoRetries()
			if err := e.retryFailed(ctx, wf, def, false); err != nil {
				return err
			}

		case resolution.DecisionRetryFromStep:
			rw, err := e.rewind(ctx, wf, def, RetryFromStepRequest{
				WorkflowID:  wf.ID,
				StepKey:     rec.RetryFromStepKey,
				Mode:        rec.RetryMode,
				InitiatedBy: rec.DecidedBy,
				Reason:      rec.Reason,
			})
			if err != nil {
				return err
			}
			res.Rewind = rw

		case resolution.DecisionCompensate:
			cr, err := e.compensate(ctx, wf, def, CompensateRequest{
				Scope:       rec.CompensationScope,
				StepKeys:    rec.CompensateStepKeys,
				InitiatedBy: rec.DecidedBy,
				Reason:      rec.Reason,
			})
			if err != nil {
				return err
			}
			res.Compensation = cr

		case resolution.DecisionCancel:
			if err := e.cancel(ctx, wf, rec.Reason); err != nil {
				return err
			}

		case resolution.DecisionMarkResolved:
			wf.ResetAutoRetries()
			if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
				return err
			}
		}

		res.Workflow, err = e.workflows.GetWorkflow(ctx, workflowID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// retryFailed moves a failed workflow back to running on its current
// step and evaluates it.
func (e *Engine) retryFailed(ctx context.Context, wf *workflow.Instance, def *definition.Definition, auto bool) error {
	now := e.now()
	if err := wf.Retry(now); err != nil {
		return err
	}
	if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	e.logger.Info("workflow retried",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("step", wf.CurrentStepKey),
		slog.Bool("auto", auto),
	)
	e.emit(ctx, event.New(event.WorkflowRetried, wf.ID, now).
		With("step_key", wf.CurrentStepKey).
		With("auto", auto).
		With("auto_retry_count", wf.AutoRetryCount))

	if err := e.restartFailedStep(ctx, wf, def); err != nil {
		return err
	}
	return e.evaluate(ctx, wf)
}
