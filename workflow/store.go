package workflow

import (
	"context"
	"time"

	"github.com/xraph/conductor/id"
)

// ListOpts controls filtering and pagination for workflow list queries.
type ListOpts struct {
	// State filters by state. Empty means all states.
	State State
	// DefinitionKey filters by definition. Empty means all definitions.
	DefinitionKey string
	// Limit is the maximum number of instances to return. Zero means no limit.
	Limit int
	// Offset is the number of instances to skip.
	Offset int
}

// Store defines the persistence contract for workflow instances.
type Store interface {
	// CreateWorkflow persists a new instance.
	CreateWorkflow(ctx context.Context, w *Instance) error

	// GetWorkflow returns conductor.ErrWorkflowNotFound when absent.
	GetWorkflow(ctx context.Context, workflowID id.WorkflowID) (*Instance, error)

	// UpdateWorkflow persists every field except the evaluation lock.
	UpdateWorkflow(ctx context.Context, w *Instance) error

	// ListWorkflows returns instances ordered by creation time.
	ListWorkflows(ctx context.Context, opts ListOpts) ([]*Instance, error)

	// ListDueAutoRetries returns failed instances whose next auto-retry
	// time is at or before now.
	ListDueAutoRetries(ctx context.Context, now time.Time, limit int) ([]*Instance, error)

	// ListDuePaused returns paused instances whose trigger timeout or
	// scheduled resume time is at or before now.
	ListDuePaused(ctx context.Context, now time.Time, limit int) ([]*Instance, error)

	// AcquireLock atomically takes the evaluation lock for token. It
	// succeeds when the lock is free, already held by token, or was
	// acquired more than ttl ago. It reports false without error when
	// another token holds the lock.
	AcquireLock(ctx context.Context, workflowID id.WorkflowID, token string, now time.Time, ttl time.Duration) (bool, error)

	// ReleaseLock clears the lock if token holds it.
	ReleaseLock(ctx context.Context, workflowID id.WorkflowID, token string) error
}
