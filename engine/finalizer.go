package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/job"
	"github.com/xraph/conductor/step"
)

// FinalizeOutcome is what a finalize attempt did.
type FinalizeOutcome int

const (
	// NotReady means jobs of the run are still outstanding.
	NotReady FinalizeOutcome = iota
	// Finalized means this call moved the run to Succeeded or Failed.
	Finalized
	// AlreadyFinalized means the run was terminal already or another
	// finalizer won the race.
	AlreadyFinalized
)

func (o FinalizeOutcome) String() string {
	switch o {
	case NotReady:
		return "not_ready"
	case Finalized:
		return "finalized"
	case AlreadyFinalized:
		return "already_finalized"
	}
	return fmt.Sprintf("FinalizeOutcome(%d)", int(o))
}

// FinalizeResult is the result of TryFinalize.
type FinalizeResult struct {
	Outcome FinalizeOutcome
	// Run is the run as persisted after the attempt.
	Run   *step.Run
	Stats job.Stats
}

// Succeeded reports whether the run ended Succeeded.
func (r FinalizeResult) Succeeded() bool {
	return r.Run != nil && r.Run.Status == step.StatusSucceeded
}

// TryFinalize decides a running or polling run's outcome once every job
// of it is terminal. It is safe to call repeatedly and concurrently: the
// write is conditional on the run's status, and the loser of a race gets
// AlreadyFinalized.
func (e *Engine) TryFinalize(ctx context.Context, run *step.Run, s *definition.Step) (FinalizeResult, error) {
	if run.Status.Terminal() {
		return FinalizeResult{Outcome: AlreadyFinalized, Run: run}, nil
	}
	if !run.Status.Active() {
		return FinalizeResult{Outcome: NotReady, Run: run}, nil
	}

	records, err := e.jobs.ListJobRecords(ctx, run.ID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("list jobs of run %s: %w", run.ID, err)
	}
	stats := job.Tally(records)

	from := run.Status
	next := *run
	now := e.now()

	if run.Status == step.StatusPolling {
		if run.NextPollAt != nil || stats.Running+stats.Dispatched > 0 {
			return FinalizeResult{Outcome: NotReady, Run: run, Stats: stats}, nil
		}
		latest := job.Latest(records)
		if latest != nil && latest.State == job.StateSucceeded {
			err = next.Succeed(now, stats.Succeeded, stats.Failed)
		} else {
			msg := "poll failed"
			if latest != nil && latest.FailureMessage != "" {
				msg = latest.FailureMessage
			}
			next.SucceededJobs, next.FailedJobs = stats.Succeeded, stats.Failed
			err = next.Fail(now, CodePollFailed, msg)
		}
	} else {
		total := run.TotalJobs
		if total == 0 {
			total = stats.Total
		}
		if stats.Succeeded+stats.Failed < total {
			return FinalizeResult{Outcome: NotReady, Run: run, Stats: stats}, nil
		}
		criteria, critErr := s.Criterion()
		if critErr != nil {
			return FinalizeResult{}, critErr
		}
		next.TotalJobs = total
		if total == 0 || criteria.Evaluate(stats.Succeeded, stats.Failed, total) {
			err = next.Succeed(now, stats.Succeeded, stats.Failed)
		} else {
			next.SucceededJobs, next.FailedJobs = stats.Succeeded, stats.Failed
			err = next.Fail(now, CodeJobsFailed, fmt.Sprintf("%d of %d jobs failed", stats.Failed, total))
		}
	}
	if err != nil {
		return FinalizeResult{}, err
	}

	won, err := e.steps.TransitionStepRun(ctx, &next, from)
	if err != nil {
		return FinalizeResult{}, err
	}
	if !won {
		current, getErr := e.steps.GetStepRun(ctx, run.ID)
		if getErr != nil {
			return FinalizeResult{}, getErr
		}
		return FinalizeResult{Outcome: AlreadyFinalized, Run: current, Stats: stats}, nil
	}

	evtType := event.StepSucceeded
	if next.Status == step.StatusFailed {
		evtType = event.StepFailed
	}
	evt := event.New(evtType, next.WorkflowID, now).
		ForStep(next.StepKey, next.ID, next.Attempt).
		With("succeeded_jobs", stats.Succeeded).
		With("failed_jobs", stats.Failed).
		With("total_jobs", next.TotalJobs)
	if next.Status == step.StatusFailed {
		evt.With("failure_code", next.FailureCode).With("failure_message", next.FailureMessage)
	}
	e.emit(ctx, evt)
	e.logger.Info("step finalized",
		slog.String("workflow_id", next.WorkflowID.String()),
		slog.String("step", next.StepKey),
		slog.Int("attempt", next.Attempt),
		slog.String("status", string(next.Status)),
	)

	return FinalizeResult{Outcome: Finalized, Run: &next, Stats: stats}, nil
}
