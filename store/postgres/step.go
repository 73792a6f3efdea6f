package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/step"
)

const stepRunColumns = `
	id, workflow_id, step_key, attempt, status, started_at, finished_at,
	failure_code, failure_message, total_jobs, succeeded_jobs, failed_jobs,
	next_poll_at, poll_attempts, poll_deadline, timeout_at, superseded_by,
	created_at, updated_at`

// CreateStepRun persists a new run. The (workflow_id, step_key, attempt)
// unique constraint rejects a duplicate attempt.
func (s *Store) CreateStepRun(ctx context.Context, r *step.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conductor_step_runs (`+stepRunColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19
		)`,
		r.ID.String(), r.WorkflowID.String(), r.StepKey, r.Attempt, string(r.Status), r.StartedAt, r.FinishedAt,
		r.FailureCode, r.FailureMessage, r.TotalJobs, r.SucceededJobs, r.FailedJobs,
		r.NextPollAt, r.PollAttempts, r.PollDeadline, r.TimeoutAt, r.SupersededBy,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conductor.ErrAlreadyExists
		}
		return fmt.Errorf("conductor/postgres: create step run: %w", err)
	}
	return nil
}

// GetStepRun retrieves a run by ID.
func (s *Store) GetStepRun(ctx context.Context, runID id.StepRunID) (*step.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepRunColumns+` FROM conductor_step_runs WHERE id = $1`,
		runID.String(),
	)

	r, err := scanStepRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrStepRunNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get step run: %w", err)
	}
	return r, nil
}

// UpdateStepRun persists changes to an existing run.
func (s *Store) UpdateStepRun(ctx context.Context, r *step.Run) error {
	ok, err := s.updateStepRun(ctx, r, "")
	if err != nil {
		return fmt.Errorf("conductor/postgres: update step run: %w", err)
	}
	if !ok {
		return conductor.ErrStepRunNotFound
	}
	return nil
}

// TransitionStepRun persists r only if the stored status still equals from.
func (s *Store) TransitionStepRun(ctx context.Context, r *step.Run, from step.Status) (bool, error) {
	ok, err := s.updateStepRun(ctx, r, from)
	if err != nil {
		return false, fmt.Errorf("conductor/postgres: transition step run: %w", err)
	}
	return ok, nil
}

// updateStepRun writes every mutable column. A non-empty from guards the
// write on the stored status.
func (s *Store) updateStepRun(ctx context.Context, r *step.Run, from step.Status) (bool, error) {
	now := conductor.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_step_runs SET
			status = $2, started_at = $3, finished_at = $4,
			failure_code = $5, failure_message = $6,
			total_jobs = $7, succeeded_jobs = $8, failed_jobs = $9,
			next_poll_at = $10, poll_attempts = $11, poll_deadline = $12,
			timeout_at = $13, superseded_by = $14, updated_at = $15
		WHERE id = $1 AND ($16 = '' OR status = $16)`,
		r.ID.String(), string(r.Status), r.StartedAt, r.FinishedAt,
		r.FailureCode, r.FailureMessage,
		r.TotalJobs, r.SucceededJobs, r.FailedJobs,
		r.NextPollAt, r.PollAttempts, r.PollDeadline,
		r.TimeoutAt, r.SupersededBy, now,
		string(from),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	r.UpdatedAt = now
	return true, nil
}

// LatestStepRun returns the highest attempt for the step key, or nil.
func (s *Store) LatestStepRun(ctx context.Context, workflowID id.WorkflowID, stepKey string) (*step.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+stepRunColumns+` FROM conductor_step_runs
		WHERE workflow_id = $1 AND step_key = $2
		ORDER BY attempt DESC
		LIMIT 1`,
		workflowID.String(), stepKey,
	)

	r, err := scanStepRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // a step that never ran has no latest run
		}
		return nil, fmt.Errorf("conductor/postgres: latest step run: %w", err)
	}
	return r, nil
}

// ListStepRuns returns every run of a workflow in creation order.
func (s *Store) ListStepRuns(ctx context.Context, workflowID id.WorkflowID) ([]*step.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepRunColumns+` FROM conductor_step_runs
		WHERE workflow_id = $1
		ORDER BY created_at ASC, attempt ASC`,
		workflowID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list step runs: %w", err)
	}
	defer rows.Close()

	return collectStepRuns(rows)
}

// ListDuePolls returns polling runs whose next poll is due.
func (s *Store) ListDuePolls(ctx context.Context, now time.Time, limit int) ([]*step.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepRunColumns+` FROM conductor_step_runs
		WHERE status = 'polling' AND next_poll_at IS NOT NULL AND next_poll_at <= $1
		ORDER BY next_poll_at ASC
		LIMIT $2`,
		now, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list due polls: %w", err)
	}
	defer rows.Close()

	return collectStepRuns(rows)
}

// ListTimedOut returns running or polling runs past their timeout.
func (s *Store) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*step.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepRunColumns+` FROM conductor_step_runs
		WHERE status IN ('running', 'polling') AND timeout_at IS NOT NULL AND timeout_at <= $1
		ORDER BY timeout_at ASC
		LIMIT $2`,
		now, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list timed out: %w", err)
	}
	defer rows.Close()

	return collectStepRuns(rows)
}

// scanStepRun scans a single step run row.
func scanStepRun(row pgx.Row) (*step.Run, error) {
	var (
		r      step.Run
		idStr  string
		wfStr  string
		status string
	)
	err := row.Scan(
		&idStr, &wfStr, &r.StepKey, &r.Attempt, &status, &r.StartedAt, &r.FinishedAt,
		&r.FailureCode, &r.FailureMessage, &r.TotalJobs, &r.SucceededJobs, &r.FailedJobs,
		&r.NextPollAt, &r.PollAttempts, &r.PollDeadline, &r.TimeoutAt, &r.SupersededBy,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.ID, err = id.ParseStepRunID(idStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse step run id %q: %w", idStr, err)
	}
	if r.WorkflowID, err = id.ParseWorkflowID(wfStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse workflow id %q: %w", wfStr, err)
	}
	r.Status = step.Status(status)
	return &r, nil
}

func collectStepRuns(rows pgx.Rows) ([]*step.Run, error) {
	var result []*step.Run
	for rows.Next() {
		r, err := scanStepRun(rows)
		if err != nil {
			return nil, fmt.Errorf("conductor/postgres: scan step run: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conductor/postgres: iterate step runs: %w", err)
	}
	return result, nil
}
