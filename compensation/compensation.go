// Package compensation defines saga compensation runs: one undo action per
// step being rolled back, executed strictly one at a time in ascending
// execution order within an episode.
package compensation

import (
	"sort"
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/internal/fsm"
)

// Scope selects which steps a compensation episode undoes.
type Scope string

const (
	// ScopeAll undoes every executed step that declares compensation.
	ScopeAll Scope = "all"
	// ScopeFailedStepOnly undoes only the step the workflow was on.
	ScopeFailedStepOnly Scope = "failed_step_only"
	// ScopePartial undoes exactly the caller-supplied step keys.
	ScopePartial Scope = "partial"
	// ScopeFromStep undoes the executed steps among a caller-supplied set.
	ScopeFromStep Scope = "from_step"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAll, ScopeFailedStepOnly, ScopePartial, ScopeFromStep:
		return true
	}
	return false
}

// Status is the lifecycle state of a compensation run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further automatic progress happens for a
// run in this status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

type trigger string

const (
	triggerStart   trigger = "start"
	triggerSucceed trigger = "succeed"
	triggerFail    trigger = "fail"
	triggerRetry   trigger = "retry"
	triggerReset   trigger = "reset"
	triggerSkip    trigger = "skip"
)

var transitions = fsm.New[Status, trigger]("compensation run").
	Permit(StatusPending, triggerStart, StatusRunning).
	Permit(StatusRunning, triggerSucceed, StatusSucceeded).
	Permit(StatusRunning, triggerFail, StatusFailed).
	Permit(StatusFailed, triggerRetry, StatusRunning).
	Permit(StatusFailed, triggerReset, StatusPending).
	PermitFrom([]Status{StatusPending, StatusFailed}, triggerSkip, StatusSkipped)

// Run is one step's undo action within a compensation episode.
type Run struct {
	conductor.Entity

	ID             id.CompensationID `json:"id"`
	WorkflowID     id.WorkflowID     `json:"workflow_id"`
	Episode        int               `json:"episode"`
	StepKey        string            `json:"step_key"`
	JobClass       string            `json:"job_class"`
	Queue          string            `json:"queue,omitempty"`
	Args           map[string]any    `json:"args,omitempty"`
	ExecutionOrder int               `json:"execution_order"`
	Attempt        int               `json:"attempt"`
	MaxAttempts    int               `json:"max_attempts"`
	Status         Status            `json:"status"`
	InitiatedBy    string            `json:"initiated_by,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// Start moves a pending run to running and counts the attempt.
func (r *Run) Start(now time.Time) error {
	if err := transitions.Fire(&r.Status, triggerStart); err != nil {
		return err
	}
	r.Attempt++
	r.StartedAt = &now
	r.FinishedAt = nil
	return nil
}

// Succeed records a successful undo.
func (r *Run) Succeed(now time.Time) error {
	if err := transitions.Fire(&r.Status, triggerSucceed); err != nil {
		return err
	}
	r.FailureMessage = ""
	r.FinishedAt = &now
	return nil
}

// Fail records a failed undo attempt.
func (r *Run) Fail(now time.Time, message string) error {
	if err := transitions.Fire(&r.Status, triggerFail); err != nil {
		return err
	}
	r.FailureMessage = message
	r.FinishedAt = &now
	return nil
}

// CanRetry reports whether the run has attempts left.
func (r *Run) CanRetry() bool { return r.Attempt < r.MaxAttempts }

// Retry starts another attempt of a failed run.
func (r *Run) Retry(now time.Time) error {
	if err := transitions.Fire(&r.Status, triggerRetry); err != nil {
		return err
	}
	r.Attempt++
	r.StartedAt = &now
	r.FinishedAt = nil
	return nil
}

// Reset returns a failed run to pending with a fresh attempt budget.
func (r *Run) Reset() error {
	if err := transitions.Fire(&r.Status, triggerReset); err != nil {
		return err
	}
	r.Attempt = 0
	r.FinishedAt = nil
	return nil
}

// Skip marks a pending or failed run as skipped.
func (r *Run) Skip(now time.Time, reason string) error {
	if err := transitions.Fire(&r.Status, triggerSkip); err != nil {
		return err
	}
	if reason != "" {
		r.Reason = reason
	}
	r.FinishedAt = &now
	return nil
}

// SortByOrder sorts runs by ascending execution order.
func SortByOrder(runs []*Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].ExecutionOrder < runs[j].ExecutionOrder
	})
}

// NextPending returns the pending run with the lowest execution order, or
// nil when none is pending.
func NextPending(runs []*Run) *Run {
	var next *Run
	for _, r := range runs {
		if r.Status != StatusPending {
			continue
		}
		if next == nil || r.ExecutionOrder < next.ExecutionOrder {
			next = r
		}
	}
	return next
}

// InFlight returns the running run, or nil.
func InFlight(runs []*Run) *Run {
	for _, r := range runs {
		if r.Status == StatusRunning {
			return r
		}
	}
	return nil
}

// WithStatus returns the runs in the given status.
func WithStatus(runs []*Run, status Status) []*Run {
	var out []*Run
	for _, r := range runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// AllTerminal reports whether every run has reached a terminal status.
func AllTerminal(runs []*Run) bool {
	for _, r := range runs {
		if !r.Status.Terminal() {
			return false
		}
	}
	return true
}

// AllSuccessful reports whether every run succeeded or was skipped.
func AllSuccessful(runs []*Run) bool {
	for _, r := range runs {
		if r.Status != StatusSucceeded && r.Status != StatusSkipped {
			return false
		}
	}
	return true
}
