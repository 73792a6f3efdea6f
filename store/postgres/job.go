package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/job"
)

const jobRecordColumns = `
	id, step_run_id, workflow_id, step_key, kind, idx, class, queue,
	external_id, state, worker_id, attempts, dispatched_at, started_at,
	finished_at, runtime, failure_class, failure_message, failure_trace,
	created_at, updated_at`

// CreateJobRecords persists new records in one batch.
func (s *Store) CreateJobRecords(ctx context.Context, records []*job.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO conductor_job_records (`+jobRecordColumns+`)
			VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8,
				$9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19,
				$20, $21
			)`,
			r.ID.String(), r.StepRunID.String(), r.WorkflowID.String(), r.StepKey, string(r.Kind), r.Index, r.Class, r.Queue,
			r.ExternalID, string(r.State), r.WorkerID, r.Attempts, r.DispatchedAt, r.StartedAt,
			r.FinishedAt, r.Runtime.Nanoseconds(), r.FailureClass, r.FailureMessage, r.FailureTrace,
			r.CreatedAt, r.UpdatedAt,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			if isDuplicateKey(err) {
				return conductor.ErrAlreadyExists
			}
			return fmt.Errorf("conductor/postgres: create job records: %w", err)
		}
	}
	return nil
}

// GetJobRecord retrieves a record by ID.
func (s *Store) GetJobRecord(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobRecordColumns+` FROM conductor_job_records WHERE id = $1`,
		jobID.String(),
	)

	r, err := scanJobRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get job record: %w", err)
	}
	return r, nil
}

// UpdateJobRecord persists changes to an existing record.
func (s *Store) UpdateJobRecord(ctx context.Context, r *job.Record) error {
	r.UpdatedAt = conductor.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_job_records SET
			external_id = $2, state = $3, worker_id = $4, attempts = $5,
			started_at = $6, finished_at = $7, runtime = $8,
			failure_class = $9, failure_message = $10, failure_trace = $11,
			updated_at = $12
		WHERE id = $1`,
		r.ID.String(), r.ExternalID, string(r.State), r.WorkerID, r.Attempts,
		r.StartedAt, r.FinishedAt, r.Runtime.Nanoseconds(),
		r.FailureClass, r.FailureMessage, r.FailureTrace,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: update job record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrJobNotFound
	}
	return nil
}

// SetExternalID updates only the external_id column.
func (s *Store) SetExternalID(ctx context.Context, jobID id.JobID, externalID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_job_records SET external_id = $2, updated_at = $3
		WHERE id = $1`,
		jobID.String(), externalID, conductor.Now(),
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: set external id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrJobNotFound
	}
	return nil
}

// ListJobRecords returns a step run's records ordered by index then
// dispatch time.
func (s *Store) ListJobRecords(ctx context.Context, stepRunID id.StepRunID) ([]*job.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobRecordColumns+` FROM conductor_job_records
		WHERE step_run_id = $1
		ORDER BY idx ASC, dispatched_at ASC`,
		stepRunID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list job records: %w", err)
	}
	defer rows.Close()

	var result []*job.Record
	for rows.Next() {
		r, scanErr := scanJobRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conductor/postgres: scan job record: %w", scanErr)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conductor/postgres: iterate job records: %w", err)
	}
	return result, nil
}

// scanJobRecord scans a single job record row.
func scanJobRecord(row pgx.Row) (*job.Record, error) {
	var (
		r       job.Record
		idStr   string
		runStr  string
		wfStr   string
		kind    string
		state   string
		runtime int64
	)
	err := row.Scan(
		&idStr, &runStr, &wfStr, &r.StepKey, &kind, &r.Index, &r.Class, &r.Queue,
		&r.ExternalID, &state, &r.WorkerID, &r.Attempts, &r.DispatchedAt, &r.StartedAt,
		&r.FinishedAt, &runtime, &r.FailureClass, &r.FailureMessage, &r.FailureTrace,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.ID, err = id.ParseJobID(idStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse job id %q: %w", idStr, err)
	}
	if r.StepRunID, err = id.Parse(runStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse step run id %q: %w", runStr, err)
	}
	if r.WorkflowID, err = id.ParseWorkflowID(wfStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse workflow id %q: %w", wfStr, err)
	}
	r.Kind = job.Kind(kind)
	r.State = job.State(state)
	r.Runtime = time.Duration(runtime)
	return &r, nil
}
