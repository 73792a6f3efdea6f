// Package event defines the domain events the orchestration engine emits
// for every state transition, the Sink that receives them and the Bus
// that persists each event before fanning it out.
package event

import (
	"context"
	"strings"
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/id"
)

// Type names a domain event. Types are dotted: the segment before the
// first dot is the event's category.
type Type string

// Workflow events.
const (
	WorkflowStarted             Type = "workflow.started"
	WorkflowPaused              Type = "workflow.paused"
	WorkflowResumed             Type = "workflow.resumed"
	WorkflowSucceeded           Type = "workflow.succeeded"
	WorkflowFailed              Type = "workflow.failed"
	WorkflowCancelled           Type = "workflow.cancelled"
	WorkflowRetried             Type = "workflow.retried"
	WorkflowTriggered           Type = "workflow.triggered"
	WorkflowAwaitingResolution  Type = "workflow.awaiting_resolution"
	WorkflowAutoRetryScheduled  Type = "workflow.auto_retry_scheduled"
	WorkflowAutoRetryExhausted  Type = "workflow.auto_retry_exhausted"
	WorkflowResolutionDecided   Type = "workflow.resolution_decided"
	WorkflowCompensationPending Type = "workflow.compensation_pending"
)

// Step events.
const (
	StepStarted    Type = "step.started"
	StepSucceeded  Type = "step.succeeded"
	StepFailed     Type = "step.failed"
	StepSkipped    Type = "step.skipped"
	StepRetrying   Type = "step.retrying"
	StepSuperseded Type = "step.superseded"
	StepPolled     Type = "step.polled"
)

// Compensation events.
const (
	CompensationStarted       Type = "compensation.started"
	CompensationStepStarted   Type = "compensation.step_started"
	CompensationStepSucceeded Type = "compensation.step_succeeded"
	CompensationStepFailed    Type = "compensation.step_failed"
	CompensationStepSkipped   Type = "compensation.step_skipped"
	CompensationCompleted     Type = "compensation.completed"
	CompensationFailed        Type = "compensation.failed"
)

// Retry-from-step events.
const (
	RetryFromStepInitiated Type = "retry_from_step.initiated"
	RetryFromStepCompleted Type = "retry_from_step.completed"
)

// Categories returned by Type.Category.
const (
	CategoryWorkflow      = "workflow"
	CategoryStep          = "step"
	CategoryCompensation  = "compensation"
	CategoryRetryFromStep = "retry_from_step"
)

// Category returns the segment of t before its first dot.
func (t Type) Category() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Event is one domain event. Events are immutable once emitted.
type Event struct {
	ID         id.EventID     `json:"id"`
	Type       Type           `json:"type"`
	WorkflowID id.WorkflowID  `json:"workflow_id"`
	StepKey    string         `json:"step_key,omitempty"`
	StepRunID  id.StepRunID   `json:"step_run_id,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// New creates an event of type t for a workflow.
func New(t Type, workflowID id.WorkflowID, at time.Time) *Event {
	return &Event{
		ID:         id.NewEventID(),
		Type:       t,
		WorkflowID: workflowID,
		OccurredAt: conductor.Timestamp(at),
	}
}

// ForStep sets the step coordinates of the event and returns it.
func (e *Event) ForStep(stepKey string, runID id.StepRunID, attempt int) *Event {
	e.StepKey = stepKey
	e.StepRunID = runID
	e.Attempt = attempt
	return e
}

// With adds a data attribute and returns the event.
func (e *Event) With(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// Sink receives domain events. Delivery is at-least-once: a sink may see
// the same event more than once and must tolerate it.
type Sink interface {
	Dispatch(ctx context.Context, evt *Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, evt *Event)

// Dispatch implements Sink.
func (f SinkFunc) Dispatch(ctx context.Context, evt *Event) { f(ctx, evt) }
