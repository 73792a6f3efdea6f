package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
)

// AppendEvent persists an event. Re-appending an existing ID is a no-op.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	data, err := marshalMap(evt.Data)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conductor_events (
			id, workflow_id, type, step_key, step_run_id, attempt, data, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		evt.ID.String(), evt.WorkflowID.String(), string(evt.Type), evt.StepKey,
		evt.StepRunID, evt.Attempt, data, evt.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: append event: %w", err)
	}
	return nil
}

// ListEvents returns a workflow's events in append order.
func (s *Store) ListEvents(ctx context.Context, workflowID id.WorkflowID) ([]*event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, type, step_key, step_run_id, attempt, data, occurred_at
		FROM conductor_events
		WHERE workflow_id = $1
		ORDER BY seq ASC`,
		workflowID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list events: %w", err)
	}
	defer rows.Close()

	var result []*event.Event
	for rows.Next() {
		evt, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conductor/postgres: scan event: %w", scanErr)
		}
		result = append(result, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conductor/postgres: iterate events: %w", err)
	}
	return result, nil
}

// scanEvent scans a single event row.
func scanEvent(row pgx.Row) (*event.Event, error) {
	var (
		evt   event.Event
		idStr string
		wfStr string
		typ   string
		data  []byte
	)
	err := row.Scan(
		&idStr, &wfStr, &typ, &evt.StepKey, &evt.StepRunID, &evt.Attempt, &data, &evt.OccurredAt,
	)
	if err != nil {
		return nil, err
	}

	if evt.ID, err = id.ParseEventID(idStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse event id %q: %w", idStr, err)
	}
	if evt.WorkflowID, err = id.ParseWorkflowID(wfStr); err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse workflow id %q: %w", wfStr, err)
	}
	if evt.Data, err = unmarshalMap(data); err != nil {
		return nil, err
	}
	evt.Type = event.Type(typ)
	return &evt, nil
}
