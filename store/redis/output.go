package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/id"
)

// PutOutputs merges values into the step's Hash and indexes the step.
// Values are stored JSON-encoded, so numbers read back as float64.
func (s *Store) PutOutputs(ctx context.Context, workflowID id.WorkflowID, stepKey string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	fields := make(map[string]any, len(values))
	for name, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("conductor/redis: marshal output %s.%s: %w", stepKey, name, err)
		}
		fields[name] = string(data)
	}

	wf := workflowID.String()
	key := s.outputKey(wf, stepKey)
	idx := s.outputIndexKey(wf)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, idx, stepKey)
	s.expire(ctx, pipe, key, idx)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conductor/redis: put outputs: %w", err)
	}
	return nil
}

// GetOutputs reads every indexed step Hash of the workflow.
func (s *Store) GetOutputs(ctx context.Context, workflowID id.WorkflowID) (definition.Outputs, error) {
	wf := workflowID.String()
	steps, err := s.client.SMembers(ctx, s.outputIndexKey(wf)).Result()
	if err != nil {
		return nil, fmt.Errorf("conductor/redis: list output steps: %w", err)
	}

	outs := make(definition.Outputs, len(steps))
	if len(steps) == 0 {
		return outs, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(steps))
	for i, stepKey := range steps {
		cmds[i] = pipe.HGetAll(ctx, s.outputKey(wf, stepKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("conductor/redis: get outputs: %w", err)
	}

	for i, stepKey := range steps {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		values := make(map[string]any, len(fields))
		for name, raw := range fields {
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, fmt.Errorf("conductor/redis: unmarshal output %s.%s: %w", stepKey, name, err)
			}
			values[name] = v
		}
		outs[stepKey] = values
	}
	return outs, nil
}

// ClearOutputs deletes the steps' Hashes and index entries in one
// transaction and returns how many named values were removed.
func (s *Store) ClearOutputs(ctx context.Context, workflowID id.WorkflowID, stepKeys []string) (int, error) {
	if len(stepKeys) == 0 {
		return 0, nil
	}

	wf := workflowID.String()
	idx := s.outputIndexKey(wf)

	pipe := s.client.TxPipeline()
	lens := make([]*redis.IntCmd, len(stepKeys))
	members := make([]any, len(stepKeys))
	for i, stepKey := range stepKeys {
		key := s.outputKey(wf, stepKey)
		lens[i] = pipe.HLen(ctx, key)
		pipe.Del(ctx, key)
		members[i] = stepKey
	}
	pipe.SRem(ctx, idx, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("conductor/redis: clear outputs: %w", err)
	}

	removed := 0
	for _, c := range lens {
		removed += int(c.Val())
	}
	return removed, nil
}
