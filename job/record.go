package job

import (
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/internal/fsm"
)

// State is the lifecycle state of a job record.
type State string

const (
	StateDispatched State = "dispatched"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Terminal reports whether the job's outcome is known.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

// Kind distinguishes what a unit of work is for.
type Kind string

const (
	KindStep         Kind = "step"
	KindPoll         Kind = "poll"
	KindCompensation Kind = "compensation"
)

type trigger string

const (
	triggerStart   trigger = "start"
	triggerSucceed trigger = "succeed"
	triggerFail    trigger = "fail"
)

// A record may finish straight from dispatched. Workers are not required
// to report a start, and dispatch errors, poll reports and timeouts close
// records nobody picked up. finish then stamps the start time.
var transitions = fsm.New[State, trigger]("job record").
	Permit(StateDispatched, triggerStart, StateRunning).
	PermitFrom([]State{StateDispatched, StateRunning}, triggerSucceed, StateSucceeded).
	PermitFrom([]State{StateDispatched, StateRunning}, triggerFail, StateFailed)

// Record is the ledger entry of one dispatched unit of work.
type Record struct {
	conductor.Entity

	ID           id.JobID      `json:"id"`
	StepRunID    id.StepRunID  `json:"step_run_id"`
	WorkflowID   id.WorkflowID `json:"workflow_id"`
	StepKey      string        `json:"step_key"`
	Kind         Kind          `json:"kind"`
	Index        int           `json:"index"`
	Class        string        `json:"class"`
	Queue        string        `json:"queue"`
	ExternalID   string        `json:"external_id,omitempty"`
	State        State         `json:"state"`
	WorkerID     string        `json:"worker_id,omitempty"`
	Attempts     int           `json:"attempts"`
	DispatchedAt time.Time     `json:"dispatched_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Runtime      time.Duration `json:"runtime,omitempty"`

	FailureClass   string `json:"failure_class,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
	FailureTrace   string `json:"failure_trace,omitempty"`
}

// Failure describes why a job failed.
type Failure struct {
	Class   string
	Message string
	Trace   string
}

// Start records that a worker picked the job up.
func (r *Record) Start(now time.Time, workerID string) error {
	if err := transitions.Fire(&r.State, triggerStart); err != nil {
		return err
	}
	r.WorkerID = workerID
	r.Attempts++
	r.StartedAt = &now
	return nil
}

// Succeed records a successful outcome.
func (r *Record) Succeed(now time.Time, runtime time.Duration) error {
	if err := transitions.Fire(&r.State, triggerSucceed); err != nil {
		return err
	}
	r.finish(now, runtime)
	return nil
}

// Fail records a failed outcome.
func (r *Record) Fail(now time.Time, runtime time.Duration, f Failure) error {
	if err := transitions.Fire(&r.State, triggerFail); err != nil {
		return err
	}
	r.FailureClass = f.Class
	r.FailureMessage = f.Message
	r.FailureTrace = f.Trace
	r.finish(now, runtime)
	return nil
}

func (r *Record) finish(now time.Time, runtime time.Duration) {
	if r.StartedAt == nil {
		r.StartedAt = &now
		r.Attempts++
	}
	r.FinishedAt = &now
	if runtime > 0 {
		r.Runtime = runtime
	} else {
		r.Runtime = now.Sub(*r.StartedAt)
	}
}

// Stats are job counts over one step run's ledger.
type Stats struct {
	Total      int
	Succeeded  int
	Failed     int
	Running    int
	Dispatched int
}

// Tally counts records by state.
func Tally(records []*Record) Stats {
	s := Stats{Total: len(records)}
	for _, r := range records {
		switch r.State {
		case StateSucceeded:
			s.Succeeded++
		case StateFailed:
			s.Failed++
		case StateRunning:
			s.Running++
		case StateDispatched:
			s.Dispatched++
		}
	}
	return s
}

// Latest returns the most recently dispatched record, or nil.
func Latest(records []*Record) *Record {
	var latest *Record
	for _, r := range records {
		if latest == nil || r.Index > latest.Index ||
			(r.Index == latest.Index && r.DispatchedAt.After(latest.DispatchedAt)) {
			latest = r
		}
	}
	return latest
}
