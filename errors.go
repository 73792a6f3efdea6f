package conductor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("conductor: no store configured")
	ErrNoRegistry      = errors.New("conductor: no definition registry configured")
	ErrNoDispatcher    = errors.New("conductor: no job dispatcher configured")
	ErrMigrationFailed = errors.New("conductor: migration failed")

	// Not found errors.
	ErrWorkflowNotFound        = errors.New("conductor: workflow not found")
	ErrStepRunNotFound         = errors.New("conductor: step run not found")
	ErrJobNotFound             = errors.New("conductor: job record not found")
	ErrCompensationRunNotFound = errors.New("conductor: compensation run not found")
	ErrDefinitionNotFound      = errors.New("conductor: definition not found")
	ErrStepNotFound            = errors.New("conductor: step not found in definition")
	ErrDecisionNotFound        = errors.New("conductor: decision not found")

	// Conflict errors.
	ErrAlreadyExists  = errors.New("conductor: record already exists")
	ErrWorkflowLocked = errors.New("conductor: workflow is being evaluated by another caller")

	// State errors.
	ErrInvalidTransition = errors.New("conductor: invalid state transition")
	ErrAlreadyCancelled  = errors.New("conductor: workflow already cancelled")
	ErrWorkflowNotFailed = errors.New("conductor: workflow is not failed")
	ErrTriggerMismatch   = errors.New("conductor: workflow is not awaiting this trigger")
	ErrInvalidDecision   = errors.New("conductor: invalid resolution decision")

	// Definition errors.
	ErrInvalidDefinition = errors.New("conductor: invalid definition")
	ErrDependencyUnmet   = errors.New("conductor: step dependencies unmet")
)

// TransitionError reports an operation attempted against an entity that is
// not in a legal predecessor state.
type TransitionError struct {
	Entity string // "workflow", "step run", "job record", "compensation run"
	Action string
	From   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("conductor: cannot %s %s in state %q", e.Action, e.Entity, e.From)
}

// Unwrap returns ErrAlreadyCancelled for a cancel of a cancelled workflow
// and ErrInvalidTransition otherwise.
func (e *TransitionError) Unwrap() error {
	if e.Entity == "workflow" && e.Action == "cancel" && e.From == "cancelled" {
		return ErrAlreadyCancelled
	}
	return ErrInvalidTransition
}

// DependencyError names the prior step outputs a step requires but which
// have not been produced.
type DependencyError struct {
	StepKey string
	Missing []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("conductor: step %q is missing required outputs: %s",
		e.StepKey, strings.Join(e.Missing, ", "))
}

// Unwrap returns ErrDependencyUnmet.
func (e *DependencyError) Unwrap() error { return ErrDependencyUnmet }
