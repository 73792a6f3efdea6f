package job

import (
	"context"
	"time"

	"github.com/xraph/conductor/id"
)

// Spec is one executable unit of work handed to the queue. ID is the job
// record ID for step and poll jobs and the compensation run ID for
// compensation jobs; workers report outcomes against it.
type Spec struct {
	ID         id.ID          `json:"id"`
	Kind       Kind           `json:"kind"`
	Class      string         `json:"class"`
	Queue      string         `json:"queue"`
	Args       map[string]any `json:"args,omitempty"`
	WorkflowID id.WorkflowID  `json:"workflow_id"`
	StepKey    string         `json:"step_key"`
	Attempt    int            `json:"attempt"`
}

// QueueConfig says where and how the work is queued.
type QueueConfig struct {
	Queue   string
	Timeout time.Duration
}

// Dispatcher submits work to a queue without waiting for its result. It
// returns the queue's own identifier for the job, if it has one.
type Dispatcher interface {
	Dispatch(ctx context.Context, spec *Spec, queue QueueConfig) (string, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, spec *Spec, queue QueueConfig) (string, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, spec *Spec, queue QueueConfig) (string, error) {
	return f(ctx, spec, queue)
}
