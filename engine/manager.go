package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/job"
	"github.com/xraph/conductor/resolution"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/workflow"
)

// StartWorkflow creates a workflow instance of the given definition and
// evaluates it, which dispatches its first step. A version <= 0 selects
// the latest registered version.
func (e *Engine) StartWorkflow(ctx context.Context, definitionKey string, version int, input map[string]any) (*workflow.Instance, error) {
	def, err := e.registry.Resolve(definitionKey, version)
	if err != nil {
		return nil, err
	}
	wf := workflow.New(def.Key, def.Version, input)
	if err := e.workflows.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	e.logger.Info("workflow created",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("definition", def.Key),
		slog.Int("version", def.Version),
	)

	res, err := e.Evaluate(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	return res.Workflow, nil
}

// PauseOptions configures PauseWorkflow.
type PauseOptions struct {
	Reason string
	// AwaitTrigger names the trigger that resumes the workflow.
	AwaitTrigger string
	// Timeout fails the workflow when the trigger has not arrived in time.
	// Without AwaitTrigger it bounds the pause itself.
	Timeout time.Duration
	// ResumeAt resumes the workflow automatically.
	ResumeAt *time.Time
}

// PauseWorkflow pauses a running workflow. Jobs already dispatched keep
// running; their outcomes are recorded and acted on after resume.
func (e *Engine) PauseWorkflow(ctx context.Context, workflowID id.WorkflowID, opts PauseOptions) (*workflow.Instance, error) {
	return e.mutate(ctx, workflowID, "pause workflow", func(ctx context.Context, wf *workflow.Instance, _ *definition.Definition) error {
		now := e.now()
		po := workflow.PauseOptions{
			Reason:       opts.Reason,
			AwaitTrigger: opts.AwaitTrigger,
			ResumeAt:     opts.ResumeAt,
		}
		if opts.Timeout > 0 {
			at := now.Add(opts.Timeout)
			po.TimeoutAt = &at
		}
		if err := wf.Pause(now, po); err != nil {
			return err
		}
		if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		e.logger.Info("workflow paused",
			slog.String("workflow_id", wf.ID.String()),
			slog.String("reason", opts.Reason),
			slog.String("awaiting_trigger", opts.AwaitTrigger),
		)
		e.emit(ctx, event.New(event.WorkflowPaused, wf.ID, now).
			With("reason", opts.Reason).
			With("awaiting_trigger", opts.AwaitTrigger))
		return nil
	})
}

// ResumeWorkflow resumes a paused workflow and evaluates it. A current
// step whose latest run failed is dispatched again.
func (e *Engine) ResumeWorkflow(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	return e.mutate(ctx, workflowID, "resume workflow", func(ctx context.Context, wf *workflow.Instance, def *definition.Definition) error {
		return e.resume(ctx, wf, def, "")
	})
}

func (e *Engine) resume(ctx context.Context, wf *workflow.Instance, def *definition.Definition, trigger string) error {
	now := e.now()
	if err := wf.Resume(now); err != nil {
		return err
	}
	if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	e.logger.Info("workflow resumed",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("trigger", trigger),
	)
	evt := event.New(event.WorkflowResumed, wf.ID, now)
	if trigger != "" {
		evt.With("trigger", trigger)
	}
	e.emit(ctx, evt)

	if err := e.restartFailedStep(ctx, wf, def); err != nil {
		return err
	}
	return e.evaluate(ctx, wf)
}

// CancelWorkflow stops a workflow for good. Cancelling a cancelled
// workflow returns an error matching conductor.ErrAlreadyCancelled.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID id.WorkflowID, reason string) (*workflow.Instance, error) {
	return e.mutate(ctx, workflowID, "cancel workflow", func(ctx context.Context, wf *workflow.Instance, _ *definition.Definition) error {
		return e.cancel(ctx, wf, reason)
	})
}

func (e *Engine) cancel(ctx context.Context, wf *workflow.Instance, reason string) error {
	stepKey := wf.CurrentStepKey
	now := e.now()
	if err := wf.Cancel(now, reason); err != nil {
		return err
	}
	if err := e.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	if stepKey != "" {
		latest, err := e.steps.LatestStepRun(ctx, wf.ID, stepKey)
		if err != nil {
			return err
		}
		if latest != nil && latest.Status == step.StatusPolling && latest.NextPollAt != nil {
			latest.StopPolling()
			if err := e.steps.UpdateStepRun(ctx, latest); err != nil {
				return err
			}
		}
	}

	e.logger.Info("workflow cancelled",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("reason", reason),
	)
	e.emit(ctx, event.New(event.WorkflowCancelled, wf.ID, now).
		With("reason", reason).
		With("step_key", stepKey))
	return nil
}

// RetryWorkflow moves a failed workflow back to running on its current
// step, resets its auto-retry counter and evaluates it.
func (e *Engine) RetryWorkflow(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	return e.mutate(ctx, workflowID, "retry workflow", func(ctx context.Context, wf *workflow.Instance, def *definition.Definition) error {
		wf.ResetAutoRetries()
		return e.retryFailed(ctx, wf, def, false)
	})
}

// GetWorkflow returns a workflow instance.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	return e.workflows.GetWorkflow(ctx, workflowID)
}

// ListWorkflows lists workflow instances.
func (e *Engine) ListWorkflows(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	return e.workflows.ListWorkflows(ctx, opts)
}

// StepTimeline is one step run with its job ledger.
type StepTimeline struct {
	Run  *step.Run     `json:"run"`
	Jobs []*job.Record `json:"jobs"`
}

// Timeline is everything recorded about one workflow instance.
type Timeline struct {
	Workflow      *workflow.Instance   `json:"workflow"`
	Steps         []StepTimeline       `json:"steps"`
	Compensations []*compensation.Run  `json:"compensations,omitempty"`
	Decisions     []*resolution.Record `json:"decisions,omitempty"`
	Events        []*event.Event       `json:"events,omitempty"`
}

// Timeline returns a workflow's step runs with their jobs, every
// compensation episode, the resolution decisions and the event log.
func (e *Engine) Timeline(ctx context.Context, workflowID id.WorkflowID) (*Timeline, error) {
	wf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	tl := &Timeline{Workflow: wf}

	runs, err := e.steps.ListStepRuns(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		jobs, err := e.jobs.ListJobRecords(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		tl.Steps = append(tl.Steps, StepTimeline{Run: r, Jobs: jobs})
	}

	episodes, err := e.compensations.LatestCompensationEpisode(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for ep := 1; ep <= episodes; ep++ {
		comps, err := e.compensations.ListCompensationRuns(ctx, workflowID, ep)
		if err != nil {
			return nil, err
		}
		tl.Compensations = append(tl.Compensations, comps...)
	}

	if tl.Decisions, err = e.decisions.ListDecisions(ctx, workflowID); err != nil {
		return nil, err
	}
	if tl.Events, err = e.events.ListEvents(ctx, workflowID); err != nil {
		return nil, err
	}
	return tl, nil
}

// mutate loads a workflow and its definition under the lock, applies fn
// and returns the workflow as persisted afterwards.
func (e *Engine) mutate(ctx context.Context, workflowID id.WorkflowID, op string, fn func(ctx context.Context, wf *workflow.Instance, def *definition.Definition) error) (*workflow.Instance, error) {
	var out *workflow.Instance
	err := e.locked(ctx, workflowID, op, func(ctx context.Context) error {
		wf, err := e.workflows.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		def, err := e.definitionFor(wf)
		if err != nil {
			return err
		}
		if err := fn(ctx, wf, def); err != nil {
			return err
		}
		out, err = e.workflows.GetWorkflow(ctx, workflowID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
