package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/backoff"
	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/job"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/workflow"
)

// CompensateRequest selects what a compensation episode undoes.
type CompensateRequest struct {
	Scope compensation.Scope
	// StepKeys are the steps of ScopePartial and ScopeFromStep.
	StepKeys    []string
	InitiatedBy string
	Reason      string
}

// CompensationResult describes a compensation episode after an operation.
type CompensationResult struct {
	Workflow *workflow.Instance
	Episode  int
	Runs     []*compensation.Run
	// Rewind is set when completing the episode resumed a pending
	// compensate-then-retry rewind.
	Rewind *RetryFromStepResult
}

// Compensate starts a saga compensation episode for a failed (or
// compensation-failed) workflow. Undo actions run one at a time in
// reverse of the steps' forward order.
func (e *Engine) Compensate(ctx context.Context, workflowID id.WorkflowID, req CompensateRequest) (*CompensationResult, error) {
	var res *CompensationResult
	err := e.locked(ctx, workflowID, "compensate", func(ctx context.Context) error {
		wf, err := e.workflows.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		def, err := e.definitionFor(wf)
		if err != nil {
			return err
		}
		res, err = e.compensate(ctx, wf, def, req)
		return err
	})
	return res, err
}

func (e *Engine) compensate(ctx context.Context, wf *workflow.Instance, def *definition.Definition, req CompensateRequest) (*CompensationResult, error) {
	if req.Scope == "" {
		req.Scope = compensation.ScopeAll
	}
	if !req.Scope.Valid() {
		return nil, fmt.Errorf("unknown compensation scope %q", req.Scope)
	}

	plan, err := e.compensationPlan(ctx, wf, def, req)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if err := wf.StartCompensation(now); err != nil {
		return nil, err
	}

	last, err := e.compensations.LatestCompensationEpisode(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	episode := last + 1

	outputs, err := e.outputs.GetOutputs(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("load outputs: %w", err)
	}

	runs := make([]*compensation.Run, 0, len(plan))
	for i, s := range plan {
		maxAttempts := s.Compensation.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = e.cfg.DefaultCompensationAttempts
		}
		args := maps.Clone(s.Compensation.Args)
		if args == nil {
			args = make(map[string]any, 1)
		}
		if out, ok := outputs[s.Key]; ok {
			args["outputs"] = out
		}
		runs = append(runs, &compensation.Run{
			Entity:         conductor.NewEntity(),
			ID:             id.NewCompensationID(),
			WorkflowID:     wf.ID,
			Episode:        episode,
			StepKey:        s.Key,
			JobClass:       s.Compensation.Class,
			Queue:          e.queueFor(s.Compensation.Queue),
			Args:           args,
			ExecutionOrder: i + 1,
			MaxAttempts:    maxAttempts,
			Status:         compensation.StatusPending,
			InitiatedBy:    req.InitiatedBy,
			Reason:         req.Reason,
		})
	}
	if len(runs) > 0 {
		if err := e.compensations.CreateCompensationRuns(ctx, runs); err != nil {
			return nil, fmt.Errorf("create compensation runs: %w", err)
		}
	}
	if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	keys := make([]string, len(plan))
	for i, s := range plan {
		keys[i] = s.Key
	}
	e.logger.Info("compensation started",
		slog.String("workflow_id", wf.ID.String()),
		slog.Int("episode", episode),
		slog.String("scope", string(req.Scope)),
		slog.Any("steps", keys),
	)
	e.emit(ctx, event.New(event.CompensationStarted, wf.ID, now).
		With("episode", episode).
		With("scope", string(req.Scope)).
		With("steps", keys).
		With("initiated_by", req.InitiatedBy).
		With("reason", req.Reason))

	res := &CompensationResult{Workflow: wf, Episode: episode}
	if res.Rewind, err = e.advanceCompensation(ctx, wf, def, runs); err != nil {
		return nil, err
	}
	res.Runs, err = e.compensations.ListCompensationRuns(ctx, wf.ID, episode)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// compensationPlan returns the steps to undo, most recent first.
func (e *Engine) compensationPlan(ctx context.Context, wf *workflow.Instance, def *definition.Definition, req CompensateRequest) ([]*definition.Step, error) {
	var candidates []string
	switch req.Scope {
	case compensation.ScopeFailedStepOnly:
		if wf.CurrentStepKey != "" {
			candidates = []string{wf.CurrentStepKey}
		}
	case compensation.ScopePartial:
		candidates = req.StepKeys
	case compensation.ScopeAll, compensation.ScopeFromStep:
		executed, err := e.executedSteps(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		keys := req.StepKeys
		if req.Scope == compensation.ScopeAll {
			keys = make([]string, len(def.Steps))
			for i := range def.Steps {
				keys[i] = def.Steps[i].Key
			}
		}
		for _, k := range keys {
			if executed[k] {
				candidates = append(candidates, k)
			}
		}
	}

	seen := make(map[string]bool, len(candidates))
	var plan []*definition.Step
	for _, k := range candidates {
		s, ok := def.Step(k)
		if !ok {
			return nil, fmt.Errorf("%w: %s", conductor.ErrStepNotFound, k)
		}
		if seen[k] || !s.HasCompensation() {
			continue
		}
		seen[k] = true
		plan = append(plan, s)
	}
	sort.SliceStable(plan, func(i, j int) bool {
		return def.IndexOf(plan[i].Key) > def.IndexOf(plan[j].Key)
	})
	return plan, nil
}

// executedSteps returns the step keys with committed work: a run not
// superseded by a rewind that succeeded, or that failed or was skipped
// after some of its jobs succeeded.
func (e *Engine) executedSteps(ctx context.Context, workflowID id.WorkflowID) (map[string]bool, error) {
	runs, err := e.steps.ListStepRuns(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	executed := make(map[string]bool, len(runs))
	for _, r := range runs {
		switch r.Status {
		case step.StatusSucceeded:
			executed[r.StepKey] = true
		case step.StatusFailed, step.StatusSkipped:
			if r.SucceededJobs > 0 {
				executed[r.StepKey] = true
			}
		}
	}
	return executed, nil
}

// advanceCompensation settles a failed run, starts the next pending run
// of the episode, or completes the episode when nothing is left. It does
// nothing while a run is in flight.
func (e *Engine) advanceCompensation(ctx context.Context, wf *workflow.Instance, def *definition.Definition, runs []*compensation.Run) (*RetryFromStepResult, error) {
	if wf.State != workflow.StateCompensating || compensation.InFlight(runs) != nil {
		return nil, nil
	}
	if failed := compensation.WithStatus(runs, compensation.StatusFailed); len(failed) > 0 {
		return nil, e.settleCompensationFailure(ctx, wf, def, failed[0])
	}
	if next := compensation.NextPending(runs); next != nil {
		return nil, e.startCompensationRun(ctx, wf, def, next)
	}
	if !compensation.AllTerminal(runs) || !compensation.AllSuccessful(runs) {
		return nil, nil
	}

	now := e.now()
	if err := wf.CompleteCompensation(now); err != nil {
		return nil, err
	}
	if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	episode := 0
	if len(runs) > 0 {
		episode = runs[0].Episode
	}
	e.logger.Info("compensation completed",
		slog.String("workflow_id", wf.ID.String()),
		slog.Int("episode", episode),
	)
	e.emit(ctx, event.New(event.CompensationCompleted, wf.ID, now).
		With("episode", episode).
		With("runs", len(runs)))

	if wf.PendingRewindStep == "" {
		return nil, nil
	}
	return e.finishRewind(ctx, wf, def, wf.PendingRewindStep)
}

// startCompensationRun dispatches one attempt of a pending or failed run.
func (e *Engine) startCompensationRun(ctx context.Context, wf *workflow.Instance, def *definition.Definition, r *compensation.Run) error {
	now := e.now()
	var err error
	if r.Status == compensation.StatusFailed {
		err = r.Retry(now)
	} else {
		err = r.Start(now)
	}
	if err != nil {
		return err
	}
	if err := e.compensations.UpdateCompensationRun(ctx, r); err != nil {
		return err
	}

	rec := &job.Record{
		Entity:       conductor.NewEntity(),
		ID:           id.NewJobID(),
		StepRunID:    r.ID,
		WorkflowID:   wf.ID,
		StepKey:      r.StepKey,
		Kind:         job.KindCompensation,
		Index:        r.Attempt - 1,
		Class:        r.JobClass,
		Queue:        r.Queue,
		State:        job.StateDispatched,
		DispatchedAt: now,
	}
	if err := e.jobs.CreateJobRecords(ctx, []*job.Record{rec}); err != nil {
		return fmt.Errorf("create compensation job record: %w", err)
	}

	e.emit(ctx, event.New(event.CompensationStepStarted, wf.ID, now).
		With("compensation_id", r.ID.String()).
		With("step_key", r.StepKey).
		With("episode", r.Episode).
		With("execution_order", r.ExecutionOrder).
		With("attempt", r.Attempt))

	if !e.sendJob(ctx, rec, r.ID, r.Args, r.Attempt) {
		_, err := e.recordCompensationFailure(ctx, wf, def, r, rec.FailureMessage)
		return err
	}
	return nil
}

// RecordCompensationSuccess records that a compensation run's undo job
// succeeded and starts the next run of the episode. The outcome is stored
// even while another caller holds the workflow's lock; the episode then
// advances once the lock frees up.
func (e *Engine) RecordCompensationSuccess(ctx context.Context, runID id.CompensationID) (*CompensationResult, error) {
	r, err := e.compensations.GetCompensationRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status == compensation.StatusRunning {
		now := e.now()
		if err := r.Succeed(now); err != nil {
			return nil, err
		}
		if err := e.compensations.UpdateCompensationRun(ctx, r); err != nil {
			return nil, err
		}
		e.finishCompensationJob(ctx, r, nil)
		e.emit(ctx, event.New(event.CompensationStepSucceeded, r.WorkflowID, now).
			With("compensation_id", r.ID.String()).
			With("step_key", r.StepKey).
			With("episode", r.Episode).
			With("attempt", r.Attempt))
	}
	return e.advanceEpisode(ctx, r.WorkflowID, r.Episode, "record compensation success")
}

// RecordCompensationFailure records that a compensation run's undo job
// failed. The run is retried while it has attempts left; after that the
// workflow moves to CompensationFailed.
func (e *Engine) RecordCompensationFailure(ctx context.Context, runID id.CompensationID, message string) (*CompensationResult, error) {
	r, err := e.compensations.GetCompensationRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status == compensation.StatusRunning {
		e.finishCompensationJob(ctx, r, &job.Failure{Class: "compensation_failed", Message: message})
		if err := e.failCompensationRun(ctx, r, message); err != nil {
			return nil, err
		}
	}
	return e.advanceEpisode(ctx, r.WorkflowID, r.Episode, "record compensation failure")
}

// advanceEpisode moves the episode on under the lock when it is still the
// latest one. Contention is retried with backoff; if the lock stays held
// the recorded outcome is picked up by the holder's next evaluation.
func (e *Engine) advanceEpisode(ctx context.Context, workflowID id.WorkflowID, episode int, op string) (*CompensationResult, error) {
	delays := backoff.NewExponential(10*time.Millisecond, 250*time.Millisecond)
	for attempt := 1; ; attempt++ {
		var res *CompensationResult
		acquired, err := e.withLock(ctx, workflowID, func(ctx context.Context) error {
			wf, err := e.workflows.GetWorkflow(ctx, workflowID)
			if err != nil {
				return err
			}
			def, err := e.definitionFor(wf)
			if err != nil {
				return err
			}
			latest, err := e.compensations.LatestCompensationEpisode(ctx, workflowID)
			if err != nil {
				return err
			}
			var rewind *RetryFromStepResult
			if episode == latest {
				runs, err := e.compensations.ListCompensationRuns(ctx, workflowID, episode)
				if err != nil {
					return err
				}
				if rewind, err = e.advanceCompensation(ctx, wf, def, runs); err != nil {
					return err
				}
			}
			res, err = e.episodeResult(ctx, wf, episode, rewind)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", op, workflowID, err)
		}
		if acquired {
			return res, nil
		}
		if attempt >= nudgeAttempts || ctx.Err() != nil {
			e.logger.Debug("compensation advance deferred: lock held",
				slog.String("workflow_id", workflowID.String()),
				slog.Int("episode", episode),
			)
			return e.episodeResult(ctx, &workflow.Instance{ID: workflowID}, episode, nil)
		}
		t := time.NewTimer(delays.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

func (e *Engine) recordCompensationFailure(ctx context.Context, wf *workflow.Instance, def *definition.Definition, r *compensation.Run, message string) (*RetryFromStepResult, error) {
	if err := e.failCompensationRun(ctx, r, message); err != nil {
		return nil, err
	}
	return nil, e.settleCompensationFailure(ctx, wf, def, r)
}

func (e *Engine) failCompensationRun(ctx context.Context, r *compensation.Run, message string) error {
	now := e.now()
	if err := r.Fail(now, message); err != nil {
		return err
	}
	if err := e.compensations.UpdateCompensationRun(ctx, r); err != nil {
		return err
	}
	e.emit(ctx, event.New(event.CompensationStepFailed, r.WorkflowID, now).
		With("compensation_id", r.ID.String()).
		With("step_key", r.StepKey).
		With("episode", r.Episode).
		With("attempt", r.Attempt).
		With("max_attempts", r.MaxAttempts).
		With("error", message))
	return nil
}

// settleCompensationFailure retries a failed run while it has attempts
// left and otherwise fails the compensation. The caller holds the lock.
func (e *Engine) settleCompensationFailure(ctx context.Context, wf *workflow.Instance, def *definition.Definition, r *compensation.Run) error {
	if wf.State != workflow.StateCompensating {
		return nil
	}
	if r.CanRetry() {
		return e.startCompensationRun(ctx, wf, def, r)
	}

	now := e.now()
	msg := fmt.Sprintf("compensation of step %q failed after %d attempts: %s", r.StepKey, r.Attempt, r.FailureMessage)
	if err := wf.FailCompensation(now, CodeCompensationFail, msg); err != nil {
		return err
	}
	if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	e.logger.Warn("compensation failed",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("step", r.StepKey),
		slog.Int("episode", r.Episode),
		slog.String("error", r.FailureMessage),
	)
	e.emit(ctx, event.New(event.CompensationFailed, wf.ID, now).
		With("episode", r.Episode).
		With("step_key", r.StepKey).
		With("failure_message", msg))
	return nil
}

// SkipCompensationStep skips the named step's failed or pending run in
// the latest episode and continues the episode.
func (e *Engine) SkipCompensationStep(ctx context.Context, workflowID id.WorkflowID, stepKey, reason string) (*CompensationResult, error) {
	return e.onEpisode(ctx, workflowID, "skip compensation step",
		func(ctx context.Context, wf *workflow.Instance, def *definition.Definition, runs []*compensation.Run) (*RetryFromStepResult, error) {
			var target *compensation.Run
			for _, r := range runs {
				if r.StepKey == stepKey {
					target = r
				}
			}
			if target == nil {
				return nil, fmt.Errorf("%w: no compensation run for step %s", conductor.ErrCompensationRunNotFound, stepKey)
			}
			if err := e.skipCompensationRun(ctx, wf, target, reason); err != nil {
				return nil, err
			}
			if err := e.reopenCompensation(ctx, wf); err != nil {
				return nil, err
			}
			return e.advanceCompensation(ctx, wf, def, runs)
		})
}

// SkipRemainingCompensation skips every pending or failed run of the
// latest episode and completes it.
func (e *Engine) SkipRemainingCompensation(ctx context.Context, workflowID id.WorkflowID, reason string) (*CompensationResult, error) {
	return e.onEpisode(ctx, workflowID, "skip remaining compensation",
		func(ctx context.Context, wf *workflow.Instance, def *definition.Definition, runs []*compensation.Run) (*RetryFromStepResult, error) {
			if inflight := compensation.InFlight(runs); inflight != nil {
				return nil, &conductor.TransitionError{Entity: "compensation run", Action: "skip", From: string(inflight.Status)}
			}
			for _, r := range runs {
				if r.Status == compensation.StatusPending || r.Status == compensation.StatusFailed {
					if err := e.skipCompensationRun(ctx, wf, r, reason); err != nil {
						return nil, err
					}
				}
			}
			if err := e.reopenCompensation(ctx, wf); err != nil {
				return nil, err
			}
			return e.advanceCompensation(ctx, wf, def, runs)
		})
}

// RetryCompensation gives every failed run of the latest episode a fresh
// attempt budget and continues the episode.
func (e *Engine) RetryCompensation(ctx context.Context, workflowID id.WorkflowID) (*CompensationResult, error) {
	return e.onEpisode(ctx, workflowID, "retry compensation",
		func(ctx context.Context, wf *workflow.Instance, def *definition.Definition, runs []*compensation.Run) (*RetryFromStepResult, error) {
			if wf.State != workflow.StateCompensationFailed {
				return nil, &conductor.TransitionError{Entity: "workflow", Action: "retry compensation", From: string(wf.State)}
			}
			for _, r := range compensation.WithStatus(runs, compensation.StatusFailed) {
				if err := r.Reset(); err != nil {
					return nil, err
				}
				if err := e.compensations.UpdateCompensationRun(ctx, r); err != nil {
					return nil, err
				}
			}
			if err := e.reopenCompensation(ctx, wf); err != nil {
				return nil, err
			}
			e.emit(ctx, event.New(event.CompensationStarted, wf.ID, e.now()).
				With("episode", runs[0].Episode).
				With("retry", true))
			return e.advanceCompensation(ctx, wf, def, runs)
		})
}

func (e *Engine) skipCompensationRun(ctx context.Context, wf *workflow.Instance, r *compensation.Run, reason string) error {
	now := e.now()
	if err := r.Skip(now, reason); err != nil {
		return err
	}
	if err := e.compensations.UpdateCompensationRun(ctx, r); err != nil {
		return err
	}
	e.emit(ctx, event.New(event.CompensationStepSkipped, wf.ID, now).
		With("compensation_id", r.ID.String()).
		With("step_key", r.StepKey).
		With("episode", r.Episode).
		With("reason", reason))
	return nil
}

// reopenCompensation moves a compensation-failed workflow back to
// compensating.
func (e *Engine) reopenCompensation(ctx context.Context, wf *workflow.Instance) error {
	if wf.State != workflow.StateCompensationFailed {
		return nil
	}
	if err := wf.StartCompensation(e.now()); err != nil {
		return err
	}
	return e.workflows.UpdateWorkflow(ctx, wf)
}

// finishCompensationJob closes the ledger entry of the run's current
// attempt. A nil failure records success.
func (e *Engine) finishCompensationJob(ctx context.Context, r *compensation.Run, failure *job.Failure) {
	records, err := e.jobs.ListJobRecords(ctx, r.ID)
	if err != nil {
		e.logger.Warn("failed to load compensation job records",
			slog.String("compensation_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	rec := job.Latest(records)
	if rec == nil || rec.State.Terminal() {
		return
	}
	now := e.now()
	if failure == nil {
		err = rec.Succeed(now, 0)
	} else {
		err = rec.Fail(now, 0, *failure)
	}
	if err == nil {
		err = e.jobs.UpdateJobRecord(ctx, rec)
	}
	if err != nil {
		e.logger.Warn("failed to close compensation job record",
			slog.String("job_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

type episodeFunc func(ctx context.Context, wf *workflow.Instance, def *definition.Definition, runs []*compensation.Run) (*RetryFromStepResult, error)

// onEpisode loads a workflow and its latest compensation episode under
// the lock and applies fn.
func (e *Engine) onEpisode(ctx context.Context, workflowID id.WorkflowID, op string, fn episodeFunc) (*CompensationResult, error) {
	var res *CompensationResult
	err := e.locked(ctx, workflowID, op, func(ctx context.Context) error {
		wf, err := e.workflows.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		def, err := e.definitionFor(wf)
		if err != nil {
			return err
		}
		episode, err := e.compensations.LatestCompensationEpisode(ctx, workflowID)
		if err != nil {
			return err
		}
		runs, err := e.compensations.ListCompensationRuns(ctx, workflowID, episode)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return fmt.Errorf("%w: workflow %s has no compensation episode", conductor.ErrCompensationRunNotFound, workflowID)
		}
		rewind, err := fn(ctx, wf, def, runs)
		if err != nil {
			return err
		}
		res, err = e.episodeResult(ctx, wf, episode, rewind)
		return err
	})
	return res, err
}

func (e *Engine) episodeResult(ctx context.Context, wf *workflow.Instance, episode int, rewind *RetryFromStepResult) (*CompensationResult, error) {
	runs, err := e.compensations.ListCompensationRuns(ctx, wf.ID, episode)
	if err != nil {
		return nil, err
	}
	current, err := e.workflows.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	return &CompensationResult{Workflow: current, Episode: episode, Runs: runs, Rewind: rewind}, nil
}
