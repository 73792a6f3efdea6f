package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
)

// AppendEvent stores the event document and appends its ID to the
// workflow's Stream. Re-appending an existing ID is a no-op.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("conductor/redis: marshal event: %w", err)
	}

	eID := evt.ID.String()
	key := s.eventKey(eID)
	created, err := s.client.SetNX(ctx, key, data, s.retention).Result()
	if err != nil {
		return fmt.Errorf("conductor/redis: append event: %w", err)
	}
	if !created {
		return nil
	}

	stream := s.eventStreamKey(evt.WorkflowID.String())
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"event_id": eID,
			"type":     string(evt.Type),
		},
	})
	s.expire(ctx, pipe, stream)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conductor/redis: append event to stream: %w", err)
	}
	return nil
}

// ListEvents reads the workflow's Stream and loads each event document.
func (s *Store) ListEvents(ctx context.Context, workflowID id.WorkflowID) ([]*event.Event, error) {
	msgs, err := s.client.XRange(ctx, s.eventStreamKey(workflowID.String()), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("conductor/redis: read event stream: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(msgs))
	for i, msg := range msgs {
		eID, _ := msg.Values["event_id"].(string) //nolint:errcheck // written by AppendEvent
		cmds[i] = pipe.Get(ctx, s.eventKey(eID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("conductor/redis: load events: %w", err)
	}

	result := make([]*event.Event, 0, len(msgs))
	for _, c := range cmds {
		raw, getErr := c.Result()
		if errors.Is(getErr, redis.Nil) {
			// Document expired ahead of the stream entry.
			continue
		}
		if getErr != nil {
			return nil, fmt.Errorf("conductor/redis: load event: %w", getErr)
		}
		var evt event.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, fmt.Errorf("conductor/redis: unmarshal event: %w", err)
		}
		result = append(result, &evt)
	}
	return result, nil
}
