// Package output defines the persistence contract for step outputs.
//
// Outputs are named values a step's jobs produce for later steps to
// consume. They are keyed by workflow instance, step key and output name.
// Retry-from-step rewinds clear the outputs of every step it re-runs so a
// re-executed step never observes values from a superseded attempt.
package output

import (
	"context"

	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/id"
)

// Store defines the persistence contract for step outputs.
type Store interface {
	// PutOutputs merges values into the step's outputs, overwriting
	// entries with the same name.
	PutOutputs(ctx context.Context, workflowID id.WorkflowID, stepKey string, values map[string]any) error

	// GetOutputs returns every output of the workflow keyed by step key
	// then output name. A workflow without outputs yields an empty map.
	GetOutputs(ctx context.Context, workflowID id.WorkflowID) (definition.Outputs, error)

	// ClearOutputs deletes the outputs of the given steps and returns how
	// many named values were removed.
	ClearOutputs(ctx context.Context, workflowID id.WorkflowID, stepKeys []string) (int, error)
}

// TriggerStepKey is the pseudo step key under which a trigger payload is
// stored when a workflow awaiting that trigger is resumed.
func TriggerStepKey(triggerKey string) string { return "trigger." + triggerKey }
