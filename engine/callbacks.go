package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/conductor/backoff"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/job"
	"github.com/xraph/conductor/step"
)

const (
	// nudgeAttempts bounds how often a job callback re-evaluates a
	// workflow whose lock was held by another caller.
	nudgeAttempts = 5

	defaultPollInterval = 30 * time.Second
)

// JobResult is a worker's report of a successful job.
type JobResult struct {
	// Outputs are merged into the step's outputs.
	Outputs map[string]any
	Runtime time.Duration
}

// JobFailure is a worker's report of a failed job.
type JobFailure struct {
	Class   string
	Message string
	Trace   string
	Runtime time.Duration
}

// PollResult is a poll job's report on the awaited condition.
type PollResult struct {
	Satisfied bool
	Outputs   map[string]any
	Message   string
}

// HandleJobStarted records that a worker picked a job up. Reports for a
// job that already moved on are ignored.
func (e *Engine) HandleJobStarted(ctx context.Context, jobID id.JobID, workerID string) (*job.Record, error) {
	rec, err := e.jobs.GetJobRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.State != job.StateDispatched {
		return rec, nil
	}
	if err := rec.Start(e.now(), workerID); err != nil {
		return nil, err
	}
	if err := e.jobs.UpdateJobRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// HandleJobSucceeded records a successful job, stores its outputs and
// evaluates the workflow. A compensation job's ID is its compensation
// run's ID.
func (e *Engine) HandleJobSucceeded(ctx context.Context, jobID id.ID, res JobResult) (*EvaluateResult, error) {
	if jobID.Prefix() == id.PrefixCompensation {
		cr, err := e.RecordCompensationSuccess(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return &EvaluateResult{Workflow: cr.Workflow}, nil
	}

	rec, err := e.jobs.GetJobRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Kind == job.KindPoll {
		return e.HandlePollResult(ctx, jobID, PollResult{Satisfied: true, Outputs: res.Outputs})
	}
	if rec.State.Terminal() {
		return e.nudge(ctx, rec.WorkflowID)
	}

	if len(res.Outputs) > 0 {
		if err := e.storeOutputs(ctx, rec, res.Outputs); err != nil {
			return nil, err
		}
	}
	if err := rec.Succeed(e.now(), res.Runtime); err != nil {
		return nil, err
	}
	if err := e.jobs.UpdateJobRecord(ctx, rec); err != nil {
		return nil, err
	}
	return e.nudge(ctx, rec.WorkflowID)
}

// HandleJobFailed records a failed job and evaluates the workflow.
func (e *Engine) HandleJobFailed(ctx context.Context, jobID id.ID, f JobFailure) (*EvaluateResult, error) {
	if jobID.Prefix() == id.PrefixCompensation {
		cr, err := e.RecordCompensationFailure(ctx, jobID, f.Message)
		if err != nil {
			return nil, err
		}
		return &EvaluateResult{Workflow: cr.Workflow}, nil
	}

	rec, err := e.jobs.GetJobRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return e.nudge(ctx, rec.WorkflowID)
	}
	if err := rec.Fail(e.now(), f.Runtime, job.Failure{Class: f.Class, Message: f.Message, Trace: f.Trace}); err != nil {
		return nil, err
	}
	if err := e.jobs.UpdateJobRecord(ctx, rec); err != nil {
		return nil, err
	}
	e.logger.Info("job failed",
		slog.String("job_id", rec.ID.String()),
		slog.String("workflow_id", rec.WorkflowID.String()),
		slog.String("step", rec.StepKey),
		slog.String("class", f.Class),
		slog.String("message", f.Message),
	)
	return e.nudge(ctx, rec.WorkflowID)
}

// HandlePollResult records a poll job's report and evaluates the
// workflow. A satisfied poll ends polling; an unsatisfied one schedules
// the next poll until the step's poll attempts are used up, after which
// the poll job fails.
func (e *Engine) HandlePollResult(ctx context.Context, jobID id.JobID, res PollResult) (*EvaluateResult, error) {
	rec, err := e.jobs.GetJobRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != job.KindPoll {
		return nil, fmt.Errorf("job %s is a %s job, not a poll job", jobID, rec.Kind)
	}

	if !rec.State.Terminal() {
		if err := e.recordPoll(ctx, rec, res); err != nil {
			return nil, err
		}
	}
	return e.nudge(ctx, rec.WorkflowID)
}

func (e *Engine) recordPoll(ctx context.Context, rec *job.Record, res PollResult) error {
	run, err := e.steps.GetStepRun(ctx, rec.StepRunID)
	if err != nil {
		return err
	}
	_, _, s, err := e.loadStep(ctx, rec.WorkflowID, rec.StepKey)
	if err != nil {
		return err
	}

	now := e.now()
	polling := run.Status == step.StatusPolling
	switch {
	case res.Satisfied:
		if len(res.Outputs) > 0 {
			if err := e.storeOutputs(ctx, rec, res.Outputs); err != nil {
				return err
			}
		}
		err = rec.Succeed(now, 0)
		if polling {
			run.StopPolling()
		}
	case s.Poll.MaxAttempts > 0 && run.PollAttempts >= s.Poll.MaxAttempts:
		err = rec.Fail(now, 0, job.Failure{
			Class:   "poll_exhausted",
			Message: fmt.Sprintf("poll condition not met after %d attempts", run.PollAttempts),
		})
		if polling {
			run.StopPolling()
		}
	default:
		err = rec.Succeed(now, 0)
		if polling {
			interval := s.Poll.Interval
			if interval <= 0 {
				interval = defaultPollInterval
			}
			run.SchedulePoll(now.Add(interval))
		}
	}
	if err != nil {
		return err
	}
	if err := e.jobs.UpdateJobRecord(ctx, rec); err != nil {
		return err
	}
	if polling {
		if err := e.steps.UpdateStepRun(ctx, run); err != nil {
			return err
		}
	}

	evt := event.New(event.StepPolled, rec.WorkflowID, now).
		ForStep(run.StepKey, run.ID, run.Attempt).
		With("satisfied", res.Satisfied).
		With("poll_attempts", run.PollAttempts)
	if res.Message != "" {
		evt.With("message", res.Message)
	}
	if run.NextPollAt != nil {
		evt.With("next_poll_at", *run.NextPollAt)
	}
	e.emit(ctx, evt)
	return nil
}

// storeOutputs writes a job's outputs unless its run was superseded by a
// rewind.
func (e *Engine) storeOutputs(ctx context.Context, rec *job.Record, outputs map[string]any) error {
	run, err := e.steps.GetStepRun(ctx, rec.StepRunID)
	if err != nil {
		return err
	}
	if run.Status == step.StatusSuperseded {
		e.logger.Debug("dropping outputs of superseded run",
			slog.String("job_id", rec.ID.String()),
			slog.String("step_run_id", run.ID.String()),
		)
		return nil
	}
	return e.outputs.PutOutputs(ctx, rec.WorkflowID, rec.StepKey, outputs)
}

// nudge evaluates the workflow after a job outcome. A job completing
// while another caller holds the lock may land after that caller looked
// at the job ledger, so contention is retried a few times with backoff.
func (e *Engine) nudge(ctx context.Context, workflowID id.WorkflowID) (*EvaluateResult, error) {
	delays := backoff.NewExponential(10*time.Millisecond, 250*time.Millisecond)
	for attempt := 1; ; attempt++ {
		res, err := e.Evaluate(ctx, workflowID)
		if err != nil || !res.Contended || attempt >= nudgeAttempts {
			return res, err
		}
		t := time.NewTimer(delays.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return res, nil
		case <-t.C:
		}
	}
}
