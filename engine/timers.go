package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/job"
	"github.com/xraph/conductor/output"
	"github.com/xraph/conductor/scheduler"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/workflow"
)

// Compile-time check that Engine drives the scheduler.
var _ scheduler.Processor = (*Engine)(nil)

// HandleTrigger resumes a workflow paused awaiting triggerKey. The payload
// is stored as the outputs of the pseudo step "trigger.<key>". A workflow
// not awaiting that trigger yields conductor.ErrTriggerMismatch.
func (e *Engine) HandleTrigger(ctx context.Context, workflowID id.WorkflowID, triggerKey string, payload map[string]any) (*workflow.Instance, error) {
	return e.mutate(ctx, workflowID, "handle trigger", func(ctx context.Context, wf *workflow.Instance, def *definition.Definition) error {
		if wf.State != workflow.StatePaused || wf.AwaitingTrigger == "" || wf.AwaitingTrigger != triggerKey {
			return fmt.Errorf("%w: %s awaits %q, got %q", conductor.ErrTriggerMismatch, workflowID, wf.AwaitingTrigger, triggerKey)
		}
		if len(payload) > 0 {
			if err := e.outputs.PutOutputs(ctx, wf.ID, output.TriggerStepKey(triggerKey), payload); err != nil {
				return fmt.Errorf("store trigger payload: %w", err)
			}
		}
		e.emit(ctx, event.New(event.WorkflowTriggered, wf.ID, e.now()).
			With("trigger", triggerKey))
		return e.resume(ctx, wf, def, triggerKey)
	})
}

// ProcessAutoRetries retries every failed workflow whose scheduled
// auto-retry time has passed.
func (e *Engine) ProcessAutoRetries(ctx context.Context, now time.Time) (int, error) {
	due, err := e.workflows.ListDueAutoRetries(ctx, now, e.cfg.TickBatchSize)
	if err != nil {
		return 0, err
	}
	return e.sweep(ctx, "auto retry", workflowIDs(due), func(ctx context.Context, workflowID id.WorkflowID) (bool, error) {
		wf, err := e.workflows.GetWorkflow(ctx, workflowID)
		if err != nil {
			return false, err
		}
		if !wf.AutoRetryDue(now) {
			return false, nil
		}
		def, err := e.definitionFor(wf)
		if err != nil {
			return false, err
		}
		return true, e.retryFailed(ctx, wf, def, true)
	})
}

// ProcessDuePolls dispatches the next poll job of every polling run whose
// poll is due and has no job in flight. A run past its poll deadline is
// failed instead.
func (e *Engine) ProcessDuePolls(ctx context.Context, now time.Time) (int, error) {
	due, err := e.steps.ListDuePolls(ctx, now, e.cfg.TickBatchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	var errs []error
	for _, r := range due {
		runID := r.ID
		acquired, err := e.withLock(ctx, r.WorkflowID, func(ctx context.Context) error {
			ok, err := e.pollDue(ctx, runID, now)
			if ok {
				processed++
			}
			return err
		})
		if err != nil {
			errs = append(errs, e.tickError("due poll", r.WorkflowID, err))
		} else if !acquired {
			e.logger.Debug("due poll skipped: lock held", slog.String("workflow_id", r.WorkflowID.String()))
		}
	}
	return processed, errors.Join(errs...)
}

func (e *Engine) pollDue(ctx context.Context, runID id.StepRunID, now time.Time) (bool, error) {
	run, err := e.steps.GetStepRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status != step.StatusPolling || run.NextPollAt == nil || run.NextPollAt.After(now) {
		return false, nil
	}
	wf, _, s, err := e.loadStep(ctx, run.WorkflowID, run.StepKey)
	if err != nil {
		return false, err
	}

	switch wf.State {
	case workflow.StateRunning:
	case workflow.StatePaused:
		return false, nil
	default:
		run.StopPolling()
		return false, e.steps.UpdateStepRun(ctx, run)
	}

	if run.PollDeadline != nil && !now.Before(*run.PollDeadline) {
		failed := *run
		if err := failed.Fail(now, CodePollTimeout, "poll timed out"); err != nil {
			return false, err
		}
		won, err := e.steps.TransitionStepRun(ctx, &failed, step.StatusPolling)
		if err != nil || !won {
			return false, err
		}
		e.emit(ctx, event.New(event.StepFailed, wf.ID, now).
			ForStep(failed.StepKey, failed.ID, failed.Attempt).
			With("failure_code", CodePollTimeout).
			With("failure_message", failed.FailureMessage))
		return true, e.evaluate(ctx, wf)
	}

	records, err := e.jobs.ListJobRecords(ctx, run.ID)
	if err != nil {
		return false, err
	}
	if stats := job.Tally(records); stats.Running+stats.Dispatched > 0 {
		return false, nil
	}

	run.PollAttempts++
	run.StopPolling()
	if err := e.steps.UpdateStepRun(ctx, run); err != nil {
		return false, err
	}
	rec := e.newJobRecord(run, s, job.KindPoll, run.PollAttempts-1, now)
	if err := e.jobs.CreateJobRecords(ctx, []*job.Record{rec}); err != nil {
		return false, fmt.Errorf("create poll job record: %w", err)
	}
	if !e.sendJob(ctx, rec, rec.ID, maps.Clone(s.Job.Args), run.Attempt) {
		return true, e.evaluate(ctx, wf)
	}
	return true, nil
}

// ProcessPauseTimeouts fails paused workflows whose awaited trigger (or
// pause) timed out and resumes those whose scheduled resume time passed.
func (e *Engine) ProcessPauseTimeouts(ctx context.Context, now time.Time) (int, error) {
	due, err := e.workflows.ListDuePaused(ctx, now, e.cfg.TickBatchSize)
	if err != nil {
		return 0, err
	}
	return e.sweep(ctx, "pause timeout", workflowIDs(due), func(ctx context.Context, workflowID id.WorkflowID) (bool, error) {
		wf, err := e.workflows.GetWorkflow(ctx, workflowID)
		if err != nil {
			return false, err
		}
		if wf.State != workflow.StatePaused {
			return false, nil
		}
		def, err := e.definitionFor(wf)
		if err != nil {
			return false, err
		}

		switch {
		case wf.PauseTimeoutAt != nil && !wf.PauseTimeoutAt.After(now):
			if wf.AwaitingTrigger != "" {
				msg := fmt.Sprintf("trigger %q not received by %s", wf.AwaitingTrigger, wf.PauseTimeoutAt.Format(time.RFC3339))
				return true, e.failWorkflow(ctx, wf, def, nil, CodeTriggerTimeout, msg)
			}
			msg := fmt.Sprintf("pause timed out at %s", wf.PauseTimeoutAt.Format(time.RFC3339))
			return true, e.failWorkflow(ctx, wf, def, nil, CodePauseTimeout, msg)
		case wf.ScheduledResumeAt != nil && !wf.ScheduledResumeAt.After(now):
			return true, e.resume(ctx, wf, def, "")
		}
		return false, nil
	})
}

// ProcessStepTimeouts fails running or polling runs whose step timeout
// passed and evaluates their workflows, which applies the step's failure
// policy.
func (e *Engine) ProcessStepTimeouts(ctx context.Context, now time.Time) (int, error) {
	due, err := e.steps.ListTimedOut(ctx, now, e.cfg.TickBatchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	var errs []error
	for _, r := range due {
		runID := r.ID
		acquired, err := e.withLock(ctx, r.WorkflowID, func(ctx context.Context) error {
			run, err := e.steps.GetStepRun(ctx, runID)
			if err != nil {
				return err
			}
			if !run.Status.Active() || run.TimeoutAt == nil || run.TimeoutAt.After(now) {
				return nil
			}
			from := run.Status
			failed := *run
			msg := fmt.Sprintf("step %q timed out at %s", run.StepKey, run.TimeoutAt.Format(time.RFC3339))
			if err := failed.Fail(now, CodeStepTimeout, msg); err != nil {
				return err
			}
			won, err := e.steps.TransitionStepRun(ctx, &failed, from)
			if err != nil || !won {
				return err
			}
			processed++
			e.logger.Info("step timed out",
				slog.String("workflow_id", run.WorkflowID.String()),
				slog.String("step", run.StepKey),
				slog.Int("attempt", run.Attempt),
			)
			e.emit(ctx, event.New(event.StepFailed, run.WorkflowID, now).
				ForStep(failed.StepKey, failed.ID, failed.Attempt).
				With("failure_code", CodeStepTimeout).
				With("failure_message", msg))
			_, err = e.Evaluate(ctx, run.WorkflowID)
			return err
		})
		if err != nil {
			errs = append(errs, e.tickError("step timeout", r.WorkflowID, err))
		} else if !acquired {
			e.logger.Debug("step timeout skipped: lock held", slog.String("workflow_id", r.WorkflowID.String()))
		}
	}
	return processed, errors.Join(errs...)
}

// sweep applies fn to each workflow under its lock. Contended workflows
// are skipped; the next tick picks them up again.
func (e *Engine) sweep(ctx context.Context, task string, ids []id.WorkflowID, fn func(ctx context.Context, workflowID id.WorkflowID) (bool, error)) (int, error) {
	processed := 0
	var errs []error
	for _, wfID := range ids {
		if ctx.Err() != nil {
			break
		}
		acquired, err := e.withLock(ctx, wfID, func(ctx context.Context) error {
			ok, err := fn(ctx, wfID)
			if ok {
				processed++
			}
			return err
		})
		if err != nil {
			errs = append(errs, e.tickError(task, wfID, err))
		} else if !acquired {
			e.logger.Debug(task+" skipped: lock held", slog.String("workflow_id", wfID.String()))
		}
	}
	return processed, errors.Join(errs...)
}

func (e *Engine) tickError(task string, workflowID id.WorkflowID, err error) error {
	e.logger.Error("timer task failed for workflow",
		slog.String("task", task),
		slog.String("workflow_id", workflowID.String()),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%s %s: %w", task, workflowID, err)
}

func workflowIDs(wfs []*workflow.Instance) []id.WorkflowID {
	ids := make([]id.WorkflowID, len(wfs))
	for i, wf := range wfs {
		ids[i] = wf.ID
	}
	return ids
}
