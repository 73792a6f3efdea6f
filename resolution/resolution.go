// Package resolution defines the audit records of manual decisions
// applied to failed workflows.
package resolution

import (
	"context"
	"time"

	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/id"
)

// Decision is the operator's choice for a failed workflow.
type Decision string

const (
	DecisionRetry         Decision = "retry"
	DecisionRetryFromStep Decision = "retry_from_step"
	DecisionCompensate    Decision = "compensate"
	DecisionCancel        Decision = "cancel"
	DecisionMarkResolved  Decision = "mark_resolved"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionRetry, DecisionRetryFromStep, DecisionCompensate, DecisionCancel, DecisionMarkResolved:
		return true
	}
	return false
}

// RetryMode selects how a rewind treats the steps it re-executes.
type RetryMode string

const (
	// RetryOnly re-executes without undoing anything first.
	RetryOnly RetryMode = "retry_only"
	// CompensateThenRetry undoes the affected steps before re-executing.
	CompensateThenRetry RetryMode = "compensate_then_retry"
)

// Record is an immutable audit entry of one applied decision.
type Record struct {
	ID                 id.DecisionID      `json:"id"`
	WorkflowID         id.WorkflowID      `json:"workflow_id"`
	Decision           Decision           `json:"decision"`
	RetryFromStepKey   string             `json:"retry_from_step_key,omitempty"`
	RetryMode          RetryMode          `json:"retry_mode,omitempty"`
	CompensationScope  compensation.Scope `json:"compensation_scope,omitempty"`
	CompensateStepKeys []string           `json:"compensate_step_keys,omitempty"`
	DecidedBy          string             `json:"decided_by,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	PreviousState      string             `json:"previous_state"`
	FailureCode        string             `json:"failure_code,omitempty"`
	FailureMessage     string             `json:"failure_message,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Store defines the persistence contract for decision records. Records
// are never updated.
type Store interface {
	CreateDecision(ctx context.Context, r *Record) error
	GetDecision(ctx context.Context, decisionID id.DecisionID) (*Record, error)
	ListDecisions(ctx context.Context, workflowID id.WorkflowID) ([]*Record, error)
}
