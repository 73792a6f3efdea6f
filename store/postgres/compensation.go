package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/id"
)

const compensationColumns = `
	id, workflow_id, episode, step_key, job_class, queue, args,
	execution_order, attempt, max_attempts, status, initiated_by, reason,
	failure_message, started_at, finished_at, created_at, updated_at`

// CreateCompensationRuns persists every run of a new episode atomically.
func (s *Store) CreateCompensationRuns(ctx context.Context, runs []*compensation.Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conductor/postgres: begin compensation tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for _, r := range runs {
		args, marshalErr := marshalMap(r.Args)
		if marshalErr != nil {
			return marshalErr
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO conductor_compensation_runs (`+compensationColumns+`)
			VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18
			)`,
			r.ID.String(), r.WorkflowID.String(), r.Episode, r.StepKey, r.JobClass, r.Queue, args,
			r.ExecutionOrder, r.Attempt, r.MaxAttempts, string(r.Status), r.InitiatedBy, r.Reason,
			r.FailureMessage, r.StartedAt, r.FinishedAt, r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			if isDuplicateKey(err) {
				return conductor.ErrAlreadyExists
			}
			return fmt.Errorf("conductor/postgres: create compensation run: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conductor/postgres: commit compensation runs: %w", err)
	}
	return nil
}

// GetCompensationRun retrieves a run by ID.
func (s *Store) GetCompensationRun(ctx context.Context, runID id.CompensationID) (*compensation.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+compensationColumns+` FROM conductor_compensation_runs WHERE id = $1`,
		runID.String(),
	)

	r, err := scanCompensationRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrCompensationRunNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get compensation run: %w", err)
	}
	return r, nil
}

// UpdateCompensationRun persists changes to an existing run.
func (s *Store) UpdateCompensationRun(ctx context.Context, r *compensation.Run) error {
	args, err := marshalMap(r.Args)
	if err != nil {
		return err
	}

	r.UpdatedAt = conductor.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_compensation_runs SET
			job_class = $2, queue = $3, args = $4, attempt = $5,
			max_attempts = $6, status = $7, reason = $8,
			failure_message = $9, started_at = $10, finished_at = $11,
			updated_at = $12
		WHERE id = $1`,
		r.ID.String(), r.JobClass, r.Queue, args, r.Attempt,
		r.MaxAttempts, string(r.Status), r.Reason,
		r.FailureMessage, r.StartedAt, r.FinishedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: update compensation run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrCompensationRunNotFound
	}
	return nil
}

// ListCompensationRuns returns an episode's runs in execution order.
func (s *Store) ListCompensationRuns(ctx context.Context, workflowID id.WorkflowID, episode int) ([]*compensation.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+compensationColumns+` FROM conductor_compensation_runs
		WHERE workflow_id = $1 AND episode = $2
		ORDER BY execution_order ASC`,
		workflowID.String(), episode,
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list compensation runs: %w", err)
	}
	defer rows.Close()

	var result []*compensation.Run
	for rows.Next() {
		r, scanErr := scanCompensationRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conductor/postgres: scan compensation run: %w", scanErr)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conductor/postgres: iterate compensation runs: %w", err)
	}
	return result, nil
}

// LatestCompensationEpisode returns the highest episode, or 0.
func (s *Store) LatestCompensationEpisode(ctx context.Context, workflowID id.WorkflowID) (int, error) {
	var episode int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(episode), 0) FROM conductor_compensation_runs WHERE workflow_id = $1`,
		workflowID.String(),
	).Scan(&episode)
	if err != nil {
		return 0, fmt.Errorf("conductor/postgres: latest compensation episode: %w", err)
	}
	return episode, nil
}

// scanCompensationRun scans a single compensation run row.
func scanCompensationRun(row pgx.Row) (*compensation.Run, error) {
	var (
		r      compensation.Run
		idStr  string
		wfStr  string
		args   []byte
		status string
	)
	err := row.Scan(
		&idStr, &wfStr, &r.Episode, &r.StepKey, &r.JobClass, &r.Queue, &args,
		&r.ExecutionOrder, &r.Attempt, &r.MaxAttempts, &status, &r.InitiatedBy, &r.Reason,
		&r.FailureMessage, &r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.ID, err = id.ParseCompensationID(idStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse compensation id %q: %w", idStr, err)
	}
	if r.WorkflowID, err = id.ParseWorkflowID(wfStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse workflow id %q: %w", wfStr, err)
	}
	if r.Args, err = unmarshalMap(args); err != nil {
		return nil, err
	}
	r.Status = compensation.Status(status)
	return &r, nil
}
