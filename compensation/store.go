package compensation

import (
	"context"

	"github.com/xraph/conductor/id"
)

// Store defines the persistence contract for compensation runs.
type Store interface {
	// CreateCompensationRuns persists every run of a new episode.
	CreateCompensationRuns(ctx context.Context, runs []*Run) error

	// GetCompensationRun returns conductor.ErrCompensationRunNotFound when
	// the run does not exist.
	GetCompensationRun(ctx context.Context, runID id.CompensationID) (*Run, error)

	// UpdateCompensationRun persists changes to an existing run.
	UpdateCompensationRun(ctx context.Context, r *Run) error

	// ListCompensationRuns returns an episode's runs in ascending
	// execution order.
	ListCompensationRuns(ctx context.Context, workflowID id.WorkflowID, episode int) ([]*Run, error)

	// LatestCompensationEpisode returns the highest episode number for the
	// workflow, or 0 when it has never been compensated.
	LatestCompensationEpisode(ctx context.Context, workflowID id.WorkflowID) (int, error)
}
