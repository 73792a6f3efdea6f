package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/workflow"
)

const workflowColumns = `
	id, definition_key, definition_version, state, current_step_key, input,
	pause_reason, paused_at, resumed_at, awaiting_trigger, pause_timeout_at,
	scheduled_resume_at, failure_code, failure_message, auto_retry_count,
	next_auto_retry_at, pending_rewind_step, locked_by, locked_at,
	started_at, finished_at, created_at, updated_at`

// CreateWorkflow persists a new instance.
func (s *Store) CreateWorkflow(ctx context.Context, w *workflow.Instance) error {
	input, err := marshalMap(w.Input)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conductor_workflows (`+workflowColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23
		)`,
		w.ID.String(), w.DefinitionKey, w.DefinitionVersion, string(w.State), w.CurrentStepKey, input,
		w.PauseReason, w.PausedAt, w.ResumedAt, w.AwaitingTrigger, w.PauseTimeoutAt,
		w.ScheduledResumeAt, w.FailureCode, w.FailureMessage, w.AutoRetryCount,
		w.NextAutoRetryAt, w.PendingRewindStep, w.LockedBy, w.LockedAt,
		w.StartedAt, w.FinishedAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conductor.ErrAlreadyExists
		}
		return fmt.Errorf("conductor/postgres: create workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves an instance by ID.
func (s *Store) GetWorkflow(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM conductor_workflows WHERE id = $1`,
		workflowID.String(),
	)

	w, err := scanWorkflow(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get workflow: %w", err)
	}
	return w, nil
}

// UpdateWorkflow persists every field except the evaluation lock.
func (s *Store) UpdateWorkflow(ctx context.Context, w *workflow.Instance) error {
	input, err := marshalMap(w.Input)
	if err != nil {
		return err
	}

	w.UpdatedAt = conductor.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_workflows SET
			definition_key = $2, definition_version = $3, state = $4,
			current_step_key = $5, input = $6, pause_reason = $7,
			paused_at = $8, resumed_at = $9, awaiting_trigger = $10,
			pause_timeout_at = $11, scheduled_resume_at = $12,
			failure_code = $13, failure_message = $14,
			auto_retry_count = $15, next_auto_retry_at = $16,
			pending_rewind_step = $17, started_at = $18, finished_at = $19,
			updated_at = $20
		WHERE id = $1`,
		w.ID.String(), w.DefinitionKey, w.DefinitionVersion, string(w.State),
		w.CurrentStepKey, input, w.PauseReason,
		w.PausedAt, w.ResumedAt, w.AwaitingTrigger,
		w.PauseTimeoutAt, w.ScheduledResumeAt,
		w.FailureCode, w.FailureMessage,
		w.AutoRetryCount, w.NextAutoRetryAt,
		w.PendingRewindStep, w.StartedAt, w.FinishedAt,
		w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrWorkflowNotFound
	}
	return nil
}

// ListWorkflows returns instances matching opts in creation order.
func (s *Store) ListWorkflows(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+` FROM conductor_workflows
		WHERE ($1 = '' OR state = $1)
		  AND ($2 = '' OR definition_key = $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4`,
		string(opts.State), opts.DefinitionKey, limitArg(opts.Limit), opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list workflows: %w", err)
	}
	defer rows.Close()

	return collectWorkflows(rows)
}

// ListDueAutoRetries returns failed instances whose auto-retry is due.
func (s *Store) ListDueAutoRetries(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+` FROM conductor_workflows
		WHERE state = 'failed'
		  AND next_auto_retry_at IS NOT NULL
		  AND next_auto_retry_at <= $1
		ORDER BY next_auto_retry_at ASC
		LIMIT $2`,
		now, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list due auto-retries: %w", err)
	}
	defer rows.Close()

	return collectWorkflows(rows)
}

// ListDuePaused returns paused instances whose trigger timeout or
// scheduled resume is due.
func (s *Store) ListDuePaused(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+` FROM conductor_workflows
		WHERE state = 'paused'
		  AND (pause_timeout_at <= $1 OR scheduled_resume_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2`,
		now, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list due paused: %w", err)
	}
	defer rows.Close()

	return collectWorkflows(rows)
}

// AcquireLock takes the evaluation lock with a single conditional UPDATE.
// It succeeds when the lock is free, already held by token, or older than
// ttl.
func (s *Store) AcquireLock(ctx context.Context, workflowID id.WorkflowID, token string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_workflows SET locked_by = $2, locked_at = $3
		WHERE id = $1
		  AND (locked_by = '' OR locked_by = $2 OR locked_at IS NULL OR locked_at <= $4)`,
		workflowID.String(), token, now, now.Add(-ttl),
	)
	if err != nil {
		return false, fmt.Errorf("conductor/postgres: acquire lock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conductor_workflows WHERE id = $1)`,
		workflowID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conductor/postgres: acquire lock: %w", err)
	}
	if !exists {
		return false, conductor.ErrWorkflowNotFound
	}
	return false, nil
}

// ReleaseLock clears the lock if token holds it.
func (s *Store) ReleaseLock(ctx context.Context, workflowID id.WorkflowID, token string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conductor_workflows SET locked_by = '', locked_at = NULL
		WHERE id = $1 AND locked_by = $2`,
		workflowID.String(), token,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: release lock: %w", err)
	}
	return nil
}

// scanWorkflow scans a single workflow row.
func scanWorkflow(row pgx.Row) (*workflow.Instance, error) {
	var (
		w     workflow.Instance
		idStr string
		state string
		input []byte
	)
	err := row.Scan(
		&idStr, &w.DefinitionKey, &w.DefinitionVersion, &state, &w.CurrentStepKey, &input,
		&w.PauseReason, &w.PausedAt, &w.ResumedAt, &w.AwaitingTrigger, &w.PauseTimeoutAt,
		&w.ScheduledResumeAt, &w.FailureCode, &w.FailureMessage, &w.AutoRetryCount,
		&w.NextAutoRetryAt, &w.PendingRewindStep, &w.LockedBy, &w.LockedAt,
		&w.StartedAt, &w.FinishedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseWorkflowID(idStr)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse workflow id %q: %w", idStr, err)
	}
	w.ID = parsedID
	w.State = workflow.State(state)

	if w.Input, err = unmarshalMap(input); err != nil {
		return nil, err
	}
	return &w, nil
}

func collectWorkflows(rows pgx.Rows) ([]*workflow.Instance, error) {
	var result []*workflow.Instance
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("conductor/postgres: scan workflow: %w", err)
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conductor/postgres: iterate workflows: %w", err)
	}
	return result, nil
}
