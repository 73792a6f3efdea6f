package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/job"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/workflow"
)

// Failure codes written to step runs and workflows by the engine itself.
const (
	CodeJobsFailed       = "jobs_failed"
	CodePollFailed       = "poll_failed"
	CodePollTimeout      = "poll_timeout"
	CodeStepTimeout      = "step_timeout"
	CodeTriggerTimeout   = "trigger_timeout"
	CodePauseTimeout     = "pause_timeout"
	CodeDependencyUnmet  = "dependency_unmet"
	CodeIteratorFailed   = "iterator_failed"
	CodeCompensationFail = "compensation_failed"

	// FailureClassDispatch marks a job record whose hand-off to the job
	// dispatcher failed.
	FailureClassDispatch = "dispatch_error"
)

// planError is a step that cannot be dispatched because of the workflow's
// data: unmet dependencies or a failing fan-out iterator. Evaluation fails
// the workflow with code instead of returning the error.
type planError struct {
	code string
	err  error
}

func (e *planError) Error() string { return e.err.Error() }
func (e *planError) Unwrap() error { return e.err }

// DispatchStep creates a new run of the workflow's step stepKey and hands
// its units of work to the job dispatcher. The attempt is one more than
// the step's latest run.
func (e *Engine) DispatchStep(ctx context.Context, workflowID id.WorkflowID, stepKey string) (*step.Run, error) {
	var run *step.Run
	err := e.locked(ctx, workflowID, "dispatch step", func(ctx context.Context) error {
		wf, _, s, err := e.loadStep(ctx, workflowID, stepKey)
		if err != nil {
			return err
		}
		run, err = e.dispatchStep(ctx, wf, s, id.NewStepRunID())
		return err
	})
	return run, err
}

// RetryStep re-dispatches a step as a new attempt. When the step can no
// longer be planned the workflow is failed and the returned run is nil.
func (e *Engine) RetryStep(ctx context.Context, workflowID id.WorkflowID, stepKey string) (*step.Run, error) {
	var run *step.Run
	err := e.locked(ctx, workflowID, "retry step", func(ctx context.Context) error {
		wf, def, s, err := e.loadStep(ctx, workflowID, stepKey)
		if err != nil {
			return err
		}
		run, err = e.retryStep(ctx, wf, def, s)
		return err
	})
	return run, err
}

func (e *Engine) loadStep(ctx context.Context, workflowID id.WorkflowID, stepKey string) (*workflow.Instance, *definition.Definition, *definition.Step, error) {
	wf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	def, err := e.definitionFor(wf)
	if err != nil {
		return nil, nil, nil, err
	}
	s, ok := def.Step(stepKey)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", conductor.ErrStepNotFound, stepKey)
	}
	return wf, def, s, nil
}

func (e *Engine) retryStep(ctx context.Context, wf *workflow.Instance, def *definition.Definition, s *definition.Step) (*step.Run, error) {
	latest, err := e.steps.LatestStepRun(ctx, wf.ID, s.Key)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		e.emit(ctx, event.New(event.StepRetrying, wf.ID, e.now()).
			ForStep(s.Key, latest.ID, latest.Attempt).
			With("next_attempt", latest.Attempt+1))
	}
	return e.dispatchOrFail(ctx, wf, def, s, id.NewStepRunID())
}

// dispatchStep validates the step's dependencies, persists a new running
// run with its job records and submits the jobs. Jobs whose submission
// fails are recorded as failed; the run is still returned.
func (e *Engine) dispatchStep(ctx context.Context, wf *workflow.Instance, s *definition.Step, runID id.StepRunID) (*step.Run, error) {
	outputs, err := e.outputs.GetOutputs(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("load outputs: %w", err)
	}

	var missing []string
	for _, dep := range s.Requires {
		if !outputs.Has(dep) {
			missing = append(missing, dep.String())
		}
	}
	if len(missing) > 0 {
		return nil, &planError{code: CodeDependencyUnmet, err: &conductor.DependencyError{StepKey: s.Key, Missing: missing}}
	}

	kind := s.EffectiveKind()
	var args []map[string]any
	switch kind {
	case definition.KindFanOut:
		items, itemsErr := s.Items(ctx, definition.IteratorInput{Input: wf.Input, Outputs: outputs})
		if itemsErr != nil {
			code := CodeIteratorFailed
			if errors.Is(itemsErr, conductor.ErrDependencyUnmet) {
				code = CodeDependencyUnmet
			}
			return nil, &planError{code: code, err: itemsErr}
		}
		args = make([]map[string]any, 0, len(items))
		for i, item := range items {
			a, argErr := s.BuildArguments(item, i)
			if argErr != nil {
				return nil, &planError{code: CodeIteratorFailed, err: fmt.Errorf("step %q item %d: %w", s.Key, i, argErr)}
			}
			args = append(args, a)
		}
	default:
		args = []map[string]any{maps.Clone(s.Job.Args)}
	}

	latest, err := e.steps.LatestStepRun(ctx, wf.ID, s.Key)
	if err != nil {
		return nil, err
	}
	attempt := 1
	if latest != nil {
		attempt = latest.Attempt + 1
	}

	now := e.now()
	run := step.NewRun(runID, wf.ID, s.Key, attempt)
	if err := run.Start(now); err != nil {
		return nil, err
	}
	if s.Timeout > 0 {
		at := now.Add(s.Timeout)
		run.TimeoutAt = &at
	}
	jobKind := job.KindStep
	if kind == definition.KindPolling {
		if err := run.BeginPolling(now); err != nil {
			return nil, err
		}
		// The first poll goes out with the step. NextPollAt is only set
		// between polls.
		run.StopPolling()
		if s.Poll.Timeout > 0 {
			deadline := now.Add(s.Poll.Timeout)
			run.PollDeadline = &deadline
		}
		run.PollAttempts = 1
		jobKind = job.KindPoll
	}
	run.TotalJobs = len(args)

	if err := e.steps.CreateStepRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run of step %q attempt %d: %w", s.Key, attempt, err)
	}

	records := make([]*job.Record, len(args))
	for i := range args {
		records[i] = e.newJobRecord(run, s, jobKind, i, now)
	}
	if len(records) > 0 {
		if err := e.jobs.CreateJobRecords(ctx, records); err != nil {
			return nil, fmt.Errorf("create job records of step %q: %w", s.Key, err)
		}
	}

	e.logger.Info("step dispatched",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("step", s.Key),
		slog.String("kind", string(kind)),
		slog.Int("attempt", attempt),
		slog.Int("jobs", len(records)),
	)
	failed := e.sendJobs(ctx, records, args, attempt)
	if failed > 0 {
		e.logger.Warn("step jobs not submitted",
			slog.String("workflow_id", wf.ID.String()),
			slog.String("step", s.Key),
			slog.Int("attempt", attempt),
			slog.Int("failed", failed),
			slog.Int("jobs", len(records)),
		)
	}
	e.emit(ctx, event.New(event.StepStarted, wf.ID, now).
		ForStep(s.Key, run.ID, attempt).
		With("kind", string(kind)).
		With("total_jobs", len(records)).
		With("dispatch_failures", failed))
	return run, nil
}

// dispatchOrFail dispatches the step and fails the workflow when the
// step cannot be planned. It returns a nil run in that case.
func (e *Engine) dispatchOrFail(ctx context.Context, wf *workflow.Instance, def *definition.Definition, s *definition.Step, runID id.StepRunID) (*step.Run, error) {
	run, err := e.dispatchStep(ctx, wf, s, runID)
	var pe *planError
	if errors.As(err, &pe) {
		e.logger.Warn("step cannot be dispatched",
			slog.String("workflow_id", wf.ID.String()),
			slog.String("step", s.Key),
			slog.String("error", pe.Error()),
		)
		return nil, e.failWorkflow(ctx, wf, def, nil, pe.code, pe.Error())
	}
	return run, err
}

func (e *Engine) newJobRecord(run *step.Run, s *definition.Step, kind job.Kind, index int, now time.Time) *job.Record {
	return &job.Record{
		Entity:       conductor.NewEntity(),
		ID:           id.NewJobID(),
		StepRunID:    run.ID,
		WorkflowID:   run.WorkflowID,
		StepKey:      s.Key,
		Kind:         kind,
		Index:        index,
		Class:        s.Job.Class,
		Queue:        e.queueFor(s.Job.Queue),
		State:        job.StateDispatched,
		DispatchedAt: now,
	}
}

// sendJobs submits the records' jobs with bounded parallelism and returns
// how many submissions failed.
func (e *Engine) sendJobs(ctx context.Context, records []*job.Record, args []map[string]any, attempt int) int {
	var g errgroup.Group
	g.SetLimit(e.cfg.DispatchConcurrency)
	failures := make([]bool, len(records))
	for i, rec := range records {
		g.Go(func() error {
			failures[i] = !e.sendJob(ctx, rec, rec.ID, args[i], attempt)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failures {
		if f {
			n++
		}
	}
	return n
}

// sendJob submits one unit of work through the middleware chain. specID
// is what the worker reports outcomes against. A failed submission marks
// the record failed.
func (e *Engine) sendJob(ctx context.Context, rec *job.Record, specID id.ID, args map[string]any, attempt int) bool {
	spec := &job.Spec{
		ID:         specID,
		Kind:       rec.Kind,
		Class:      rec.Class,
		Queue:      rec.Queue,
		Args:       args,
		WorkflowID: rec.WorkflowID,
		StepKey:    rec.StepKey,
		Attempt:    attempt,
	}

	var externalID string
	err := e.chain(ctx, spec, func(ctx context.Context) error {
		var dispatchErr error
		externalID, dispatchErr = e.dispatcher.Dispatch(ctx, spec, job.QueueConfig{
			Queue:   spec.Queue,
			Timeout: e.cfg.DispatchTimeout,
		})
		return dispatchErr
	})
	if err != nil {
		e.logger.Error("job dispatch failed",
			slog.String("job_id", rec.ID.String()),
			slog.String("workflow_id", rec.WorkflowID.String()),
			slog.String("step", rec.StepKey),
			slog.String("class", rec.Class),
			slog.String("error", err.Error()),
		)
		if failErr := rec.Fail(e.now(), 0, job.Failure{Class: FailureClassDispatch, Message: err.Error()}); failErr == nil {
			if updErr := e.jobs.UpdateJobRecord(ctx, rec); updErr != nil {
				e.logger.Error("failed to record dispatch failure",
					slog.String("job_id", rec.ID.String()),
					slog.String("error", updErr.Error()),
				)
			}
		}
		return false
	}

	if externalID != "" {
		e.recordExternalID(ctx, rec.ID, externalID)
	}
	return true
}

// recordExternalID stores the queue's job identifier. Only that field is
// written since the worker may already have reported on the job.
func (e *Engine) recordExternalID(ctx context.Context, jobID id.JobID, externalID string) {
	if err := e.jobs.SetExternalID(ctx, jobID, externalID); err != nil {
		e.logger.Warn("failed to record external job id",
			slog.String("job_id", jobID.String()),
			slog.String("external_id", externalID),
			slog.String("error", err.Error()),
		)
	}
}
