package step

import (
	"context"
	"time"

	"github.com/xraph/conductor/id"
)

// Store defines the persistence contract for step runs.
type Store interface {
	// CreateStepRun persists a new run. It returns conductor.ErrAlreadyExists
	// when a run for the same workflow, step key and attempt exists.
	CreateStepRun(ctx context.Context, r *Run) error

	// GetStepRun returns conductor.ErrStepRunNotFound when absent.
	GetStepRun(ctx context.Context, runID id.StepRunID) (*Run, error)

	// UpdateStepRun persists changes to an existing run.
	UpdateStepRun(ctx context.Context, r *Run) error

	// TransitionStepRun persists r only if the stored status still equals
	// from. It reports false when another writer changed the status first.
	TransitionStepRun(ctx context.Context, r *Run, from Status) (bool, error)

	// LatestStepRun returns the run with the highest attempt for the step
	// key, or nil when the step has never run.
	LatestStepRun(ctx context.Context, workflowID id.WorkflowID, stepKey string) (*Run, error)

	// ListStepRuns returns every run of a workflow ordered by creation time.
	ListStepRuns(ctx context.Context, workflowID id.WorkflowID) ([]*Run, error)

	// ListDuePolls returns polling runs whose next poll is at or before now.
	ListDuePolls(ctx context.Context, now time.Time, limit int) ([]*Run, error)

	// ListTimedOut returns running or polling runs whose timeout is at or
	// before now.
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Run, error)
}
