// Package step defines step runs: one record per attempt of one step of
// one workflow instance.
package step

import (
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/internal/fsm"
)

// Status is the lifecycle state of a step run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusPolling    Status = "polling"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusSuperseded Status = "superseded"
)

// Active reports whether the run still waits on jobs.
func (s Status) Active() bool { return s == StatusRunning || s == StatusPolling }

// Terminal reports whether the run's outcome is decided.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusSuperseded:
		return true
	}
	return false
}

// Passed reports whether the workflow may move past a run in this status.
func (s Status) Passed() bool { return s == StatusSucceeded || s == StatusSkipped }

type trigger string

const (
	triggerStart     trigger = "start"
	triggerPoll      trigger = "begin polling"
	triggerSucceed   trigger = "succeed"
	triggerFail      trigger = "fail"
	triggerSkip      trigger = "skip"
	triggerSupersede trigger = "supersede"
)

var transitions = fsm.New[Status, trigger]("step run").
	Permit(StatusPending, triggerStart, StatusRunning).
	Permit(StatusRunning, triggerPoll, StatusPolling).
	PermitFrom([]Status{StatusRunning, StatusPolling}, triggerSucceed, StatusSucceeded).
	PermitFrom([]Status{StatusRunning, StatusPolling}, triggerFail, StatusFailed).
	Permit(StatusFailed, triggerSkip, StatusSkipped).
	PermitFrom([]Status{StatusPending, StatusRunning, StatusPolling, StatusSucceeded, StatusFailed, StatusSkipped},
		triggerSupersede, StatusSuperseded)

// Run is one attempt's execution record for a step.
type Run struct {
	conductor.Entity

	ID             id.StepRunID  `json:"id"`
	WorkflowID     id.WorkflowID `json:"workflow_id"`
	StepKey        string        `json:"step_key"`
	Attempt        int           `json:"attempt"`
	Status         Status        `json:"status"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	FailureCode    string        `json:"failure_code,omitempty"`
	FailureMessage string        `json:"failure_message,omitempty"`

	TotalJobs     int `json:"total_jobs"`
	SucceededJobs int `json:"succeeded_jobs"`
	FailedJobs    int `json:"failed_jobs"`

	NextPollAt   *time.Time `json:"next_poll_at,omitempty"`
	PollAttempts int        `json:"poll_attempts"`
	PollDeadline *time.Time `json:"poll_deadline,omitempty"`
	TimeoutAt    *time.Time `json:"timeout_at,omitempty"`

	SupersededBy id.StepRunID `json:"superseded_by,omitempty"`
}

// NewRun returns a pending run with the given ID.
func NewRun(runID id.StepRunID, workflowID id.WorkflowID, stepKey string, attempt int) *Run {
	return &Run{
		Entity:     conductor.NewEntity(),
		ID:         runID,
		WorkflowID: workflowID,
		StepKey:    stepKey,
		Attempt:    attempt,
		Status:     StatusPending,
	}
}

// Start moves a pending run to running.
func (r *Run) Start(now time.Time) error {
	if err := transitions.Fire(&r.Status, triggerStart); err != nil {
		return err
	}
	r.StartedAt = &now
	return nil
}

// BeginPolling moves a running run into the polling sub-state with its
// first poll due now.
func (r *Run) BeginPolling(now time.Time) error {
	if err := transitions.Fire(&r.Status, triggerPoll); err != nil {
		return err
	}
	r.NextPollAt = &now
	return nil
}

// Succeed records a successful outcome with the final job counts.
func (r *Run) Succeed(now time.Time, succeeded, failed int) error {
	if err := transitions.Fire(&r.Status, triggerSucceed); err != nil {
		return err
	}
	r.SucceededJobs, r.FailedJobs = succeeded, failed
	r.NextPollAt = nil
	r.FinishedAt = &now
	return nil
}

// Fail records a failed outcome.
func (r *Run) Fail(now time.Time, code, message string) error {
	if err := transitions.Fire(&r.Status, triggerFail); err != nil {
		return err
	}
	r.FailureCode = code
	r.FailureMessage = message
	r.NextPollAt = nil
	r.FinishedAt = &now
	return nil
}

// Skip turns a failed run into a skipped one so the workflow may move
// past it.
func (r *Run) Skip(now time.Time) error {
	if err := transitions.Fire(&r.Status, triggerSkip); err != nil {
		return err
	}
	r.FinishedAt = &now
	return nil
}

// Supersede marks the run as replaced by a rewind.
func (r *Run) Supersede(now time.Time, by id.StepRunID) error {
	if err := transitions.Fire(&r.Status, triggerSupersede); err != nil {
		return err
	}
	r.SupersededBy = by
	r.NextPollAt = nil
	if r.FinishedAt == nil {
		r.FinishedAt = &now
	}
	return nil
}

// SchedulePoll records when the next poll job is due.
func (r *Run) SchedulePoll(at time.Time) { r.NextPollAt = &at }

// StopPolling clears the poll schedule.
func (r *Run) StopPolling() { r.NextPollAt = nil }
