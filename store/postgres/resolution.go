package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/resolution"
)

const decisionColumns = `
	id, workflow_id, decision, retry_from_step_key, retry_mode,
	compensation_scope, compensate_step_keys, decided_by, reason,
	previous_state, failure_code, failure_message, created_at`

// CreateDecision persists an immutable decision record.
func (s *Store) CreateDecision(ctx context.Context, r *resolution.Record) error {
	keys := r.CompensateStepKeys
	if keys == nil {
		keys = []string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conductor_decisions (`+decisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID.String(), r.WorkflowID.String(), string(r.Decision), r.RetryFromStepKey, string(r.RetryMode),
		string(r.CompensationScope), keys, r.DecidedBy, r.Reason,
		r.PreviousState, r.FailureCode, r.FailureMessage, r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conductor.ErrAlreadyExists
		}
		return fmt.Errorf("conductor/postgres: create decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision record by ID.
func (s *Store) GetDecision(ctx context.Context, decisionID id.DecisionID) (*resolution.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM conductor_decisions WHERE id = $1`,
		decisionID.String(),
	)

	r, err := scanDecision(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrDecisionNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get decision: %w", err)
	}
	return r, nil
}

// ListDecisions returns a workflow's decisions in creation order.
func (s *Store) ListDecisions(ctx context.Context, workflowID id.WorkflowID) ([]*resolution.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+decisionColumns+` FROM conductor_decisions
		WHERE workflow_id = $1
		ORDER BY created_at ASC`,
		workflowID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list decisions: %w", err)
	}
	defer rows.Close()

	var result []*resolution.Record
	for rows.Next() {
		r, scanErr := scanDecision(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conductor/postgres: scan decision: %w", scanErr)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conductor/postgres: iterate decisions: %w", err)
	}
	return result, nil
}

// scanDecision scans a single decision row.
func scanDecision(row pgx.Row) (*resolution.Record, error) {
	var (
		r        resolution.Record
		idStr    string
		wfStr    string
		decision string
		mode     string
		scope    string
	)
	err := row.Scan(
		&idStr, &wfStr, &decision, &r.RetryFromStepKey, &mode,
		&scope, &r.CompensateStepKeys, &r.DecidedBy, &r.Reason,
		&r.PreviousState, &r.FailureCode, &r.FailureMessage, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.ID, err = id.ParseDecisionID(idStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse decision id %q: %w", idStr, err)
	}
	if r.WorkflowID, err = id.ParseWorkflowID(wfStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse workflow id %q: %w", wfStr, err)
	}
	r.Decision = resolution.Decision(decision)
	r.RetryMode = resolution.RetryMode(mode)
	r.CompensationScope = compensation.Scope(scope)
	if len(r.CompensateStepKeys) == 0 {
		r.CompensateStepKeys = nil
	}
	return &r, nil
}
