package job

import (
	"context"

	"github.com/xraph/conductor/id"
)

// Store defines the persistence contract for job records.
type Store interface {
	// CreateJobRecords persists new records.
	CreateJobRecords(ctx context.Context, records []*Record) error

	// GetJobRecord returns conductor.ErrJobNotFound when absent.
	GetJobRecord(ctx context.Context, jobID id.JobID) (*Record, error)

	// UpdateJobRecord persists changes to an existing record.
	UpdateJobRecord(ctx context.Context, r *Record) error

	// SetExternalID records the queue's identifier for a job without
	// touching any other field.
	SetExternalID(ctx context.Context, jobID id.JobID, externalID string) error

	// ListJobRecords returns a step run's records ordered by index then
	// dispatch time.
	ListJobRecords(ctx context.Context, stepRunID id.StepRunID) ([]*Record, error)
}
