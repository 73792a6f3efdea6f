package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/id"
)

// PutOutputs upserts each named value of a step.
func (s *Store) PutOutputs(ctx context.Context, workflowID id.WorkflowID, stepKey string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for name, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("conductor/postgres: marshal output %s.%s: %w", stepKey, name, err)
		}
		batch.Queue(`
			INSERT INTO conductor_step_outputs (workflow_id, step_key, name, value, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (workflow_id, step_key, name)
			DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			workflowID.String(), stepKey, name, data,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range values {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("conductor/postgres: put outputs: %w", err)
		}
	}
	return nil
}

// GetOutputs returns every output of the workflow.
func (s *Store) GetOutputs(ctx context.Context, workflowID id.WorkflowID) (definition.Outputs, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step_key, name, value FROM conductor_step_outputs
		WHERE workflow_id = $1`,
		workflowID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: get outputs: %w", err)
	}
	defer rows.Close()

	outs := make(definition.Outputs)
	for rows.Next() {
		var (
			stepKey, name string
			data          []byte
		)
		if err := rows.Scan(&stepKey, &name, &data); err != nil {
			return nil, fmt.Errorf("conductor/postgres: scan output: %w", err)
		}
		var v any
		if len(data) > 0 {
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, fmt.Errorf("conductor/postgres: unmarshal output %s.%s: %w", stepKey, name, err)
			}
		}
		if outs[stepKey] == nil {
			outs[stepKey] = make(map[string]any)
		}
		outs[stepKey][name] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conductor/postgres: iterate outputs: %w", err)
	}
	return outs, nil
}

// ClearOutputs deletes the outputs of the given steps.
func (s *Store) ClearOutputs(ctx context.Context, workflowID id.WorkflowID, stepKeys []string) (int, error) {
	if len(stepKeys) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conductor_step_outputs
		WHERE workflow_id = $1 AND step_key = ANY($2)`,
		workflowID.String(), stepKeys,
	)
	if err != nil {
		return 0, fmt.Errorf("conductor/postgres: clear outputs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
