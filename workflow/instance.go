package workflow

import (
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/internal/fsm"
)

// State is the lifecycle state of a workflow instance.
type State string

const (
	StatePending            State = "pending"
	StateRunning            State = "running"
	StatePaused             State = "paused"
	StateSucceeded          State = "succeeded"
	StateFailed             State = "failed"
	StateCancelled          State = "cancelled"
	StateCompensating       State = "compensating"
	StateCompensated        State = "compensated"
	StateCompensationFailed State = "compensation_failed"
)

// Terminal reports whether no transition other than a rewind leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateCancelled || s == StateCompensated
}

type trigger string

const (
	triggerStart                trigger = "start"
	triggerPause                trigger = "pause"
	triggerResume               trigger = "resume"
	triggerSucceed              trigger = "succeed"
	triggerFail                 trigger = "fail"
	triggerCancel               trigger = "cancel"
	triggerRetry                trigger = "retry"
	triggerCompensate           trigger = "compensate"
	triggerCompleteCompensation trigger = "complete compensation"
	triggerFailCompensation     trigger = "fail compensation"
)

var transitions = fsm.New[State, trigger]("workflow").
	Permit(StatePending, triggerStart, StateRunning).
	Permit(StateRunning, triggerPause, StatePaused).
	Permit(StatePaused, triggerResume, StateRunning).
	Permit(StateRunning, triggerSucceed, StateSucceeded).
	PermitFrom([]State{StateRunning, StatePaused}, triggerFail, StateFailed).
	PermitFrom([]State{StatePending, StateRunning, StatePaused, StateFailed, StateCompensationFailed},
		triggerCancel, StateCancelled).
	PermitFrom([]State{StateFailed, StateCompensated}, triggerRetry, StateRunning).
	PermitFrom([]State{StateFailed, StateCompensationFailed}, triggerCompensate, StateCompensating).
	Permit(StateCompensating, triggerCompleteCompensation, StateCompensated).
	Permit(StateCompensating, triggerFailCompensation, StateCompensationFailed)

// Instance is one running execution of a workflow definition.
type Instance struct {
	conductor.Entity

	ID                id.WorkflowID  `json:"id"`
	DefinitionKey     string         `json:"definition_key"`
	DefinitionVersion int            `json:"definition_version"`
	State             State          `json:"state"`
	CurrentStepKey    string         `json:"current_step_key,omitempty"`
	Input             map[string]any `json:"input,omitempty"`

	PauseReason       string     `json:"pause_reason,omitempty"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
	ResumedAt         *time.Time `json:"resumed_at,omitempty"`
	AwaitingTrigger   string     `json:"awaiting_trigger,omitempty"`
	PauseTimeoutAt    *time.Time `json:"pause_timeout_at,omitempty"`
	ScheduledResumeAt *time.Time `json:"scheduled_resume_at,omitempty"`

	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`

	AutoRetryCount  int        `json:"auto_retry_count"`
	NextAutoRetryAt *time.Time `json:"next_auto_retry_at,omitempty"`

	// PendingRewindStep is the step a compensate-then-retry rewind resumes
	// from once the running compensation episode completes.
	PendingRewindStep string `json:"pending_rewind_step,omitempty"`

	// Evaluation lock. Written only through Store.AcquireLock/ReleaseLock.
	LockedBy string     `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// New returns a pending instance of the given definition version.
func New(definitionKey string, definitionVersion int, input map[string]any) *Instance {
	return &Instance{
		Entity:            conductor.NewEntity(),
		ID:                id.NewWorkflowID(),
		DefinitionKey:     definitionKey,
		DefinitionVersion: definitionVersion,
		State:             StatePending,
		Input:             input,
	}
}

// PauseOptions carries pause metadata.
type PauseOptions struct {
	Reason       string
	AwaitTrigger string
	TimeoutAt    *time.Time
	ResumeAt     *time.Time
}

// Start moves a pending workflow to running positioned on firstStep.
func (w *Instance) Start(now time.Time, firstStep string) error {
	if err := transitions.Fire(&w.State, triggerStart); err != nil {
		return err
	}
	w.CurrentStepKey = firstStep
	w.StartedAt = &now
	return nil
}

// Advance moves the current-step pointer of a running workflow.
func (w *Instance) Advance(stepKey string) error {
	if w.State != StateRunning {
		return &conductor.TransitionError{Entity: "workflow", Action: "advance", From: string(w.State)}
	}
	w.CurrentStepKey = stepKey
	return nil
}

// Pause moves a running workflow to paused.
func (w *Instance) Pause(now time.Time, opts PauseOptions) error {
	if err := transitions.Fire(&w.State, triggerPause); err != nil {
		return err
	}
	w.PauseReason = opts.Reason
	w.PausedAt = &now
	w.AwaitingTrigger = opts.AwaitTrigger
	w.PauseTimeoutAt = opts.TimeoutAt
	w.ScheduledResumeAt = opts.ResumeAt
	return nil
}

// Resume moves a paused workflow back to running and clears the pause
// metadata.
func (w *Instance) Resume(now time.Time) error {
	if err := transitions.Fire(&w.State, triggerResume); err != nil {
		return err
	}
	w.clearPause()
	w.ResumedAt = &now
	return nil
}

// Succeed completes a running workflow.
func (w *Instance) Succeed(now time.Time) error {
	if err := transitions.Fire(&w.State, triggerSucceed); err != nil {
		return err
	}
	w.CurrentStepKey = ""
	w.FinishedAt = &now
	return nil
}

// Fail moves a running or paused workflow to failed. The current step is
// kept so that a retry resumes from it.
func (w *Instance) Fail(now time.Time, code, message string) error {
	if err := transitions.Fire(&w.State, triggerFail); err != nil {
		return err
	}
	w.clearPause()
	w.FailureCode = code
	w.FailureMessage = message
	w.FinishedAt = &now
	return nil
}

// Cancel stops the workflow for good. Cancelling a cancelled workflow
// returns an error matching conductor.ErrAlreadyCancelled.
func (w *Instance) Cancel(now time.Time, reason string) error {
	if err := transitions.Fire(&w.State, triggerCancel); err != nil {
		return err
	}
	w.clearPause()
	w.CurrentStepKey = ""
	w.NextAutoRetryAt = nil
	w.PendingRewindStep = ""
	if reason != "" {
		w.FailureMessage = reason
	}
	w.FinishedAt = &now
	return nil
}

// Retry moves a failed (or compensated) workflow back to running on its
// current step.
func (w *Instance) Retry(_ time.Time) error {
	if err := transitions.Fire(&w.State, triggerRetry); err != nil {
		return err
	}
	w.FailureCode = ""
	w.FailureMessage = ""
	w.NextAutoRetryAt = nil
	w.FinishedAt = nil
	return nil
}

// StartCompensation moves the workflow to compensating.
func (w *Instance) StartCompensation(_ time.Time) error {
	return transitions.Fire(&w.State, triggerCompensate)
}

// CompleteCompensation records that every compensation run succeeded or
// was skipped.
func (w *Instance) CompleteCompensation(now time.Time) error {
	if err := transitions.Fire(&w.State, triggerCompleteCompensation); err != nil {
		return err
	}
	w.FinishedAt = &now
	return nil
}

// FailCompensation records that a compensation run exhausted its attempts.
func (w *Instance) FailCompensation(now time.Time, code, message string) error {
	if err := transitions.Fire(&w.State, triggerFailCompensation); err != nil {
		return err
	}
	w.FailureCode = code
	w.FailureMessage = message
	w.FinishedAt = &now
	return nil
}

// RewindTo points a workflow at stepKey and makes it runnable again:
// failed and compensated workflows are retried, paused ones resumed and
// running ones stay running.
func (w *Instance) RewindTo(now time.Time, stepKey string) error {
	switch w.State {
	case StateFailed, StateCompensated:
		if err := w.Retry(now); err != nil {
			return err
		}
	case StatePaused:
		if err := w.Resume(now); err != nil {
			return err
		}
	case StateRunning:
	default:
		return &conductor.TransitionError{Entity: "workflow", Action: "rewind", From: string(w.State)}
	}
	w.CurrentStepKey = stepKey
	w.PendingRewindStep = ""
	return nil
}

// ScheduleAutoRetry counts one more auto-retry and records when it is due.
func (w *Instance) ScheduleAutoRetry(at time.Time) error {
	if w.State != StateFailed {
		return &conductor.TransitionError{Entity: "workflow", Action: "schedule auto-retry", From: string(w.State)}
	}
	w.AutoRetryCount++
	w.NextAutoRetryAt = &at
	return nil
}

// AutoRetryDue reports whether a scheduled auto-retry has come due.
func (w *Instance) AutoRetryDue(now time.Time) bool {
	return w.State == StateFailed && w.NextAutoRetryAt != nil && !w.NextAutoRetryAt.After(now)
}

// ResetAutoRetries clears the auto-retry counter and schedule.
func (w *Instance) ResetAutoRetries() {
	w.AutoRetryCount = 0
	w.NextAutoRetryAt = nil
}

// LockHeld reports whether a lock other than token is held and younger
// than ttl.
func (w *Instance) LockHeld(token string, now time.Time, ttl time.Duration) bool {
	if w.LockedBy == "" || w.LockedBy == token {
		return false
	}
	if w.LockedAt == nil {
		return true
	}
	return now.Sub(*w.LockedAt) < ttl
}

func (w *Instance) clearPause() {
	w.PauseReason = ""
	w.PausedAt = nil
	w.AwaitingTrigger = ""
	w.PauseTimeoutAt = nil
	w.ScheduledResumeAt = nil
}
