// Package fsm holds the transition tables behind every entity lifecycle.
// A Table is declared once per entity type; Fire builds a state machine
// over the entity's own state field and applies one trigger to it.
package fsm

import (
	"context"

	"github.com/qmuntal/stateless"

	"github.com/xraph/conductor"
)

// Table is an explicit finite-state transition table.
type Table[S ~string, T ~string] struct {
	entity string
	rules  map[S]map[T]S
}

// New returns an empty table for the named entity type. The name appears
// in TransitionError messages.
func New[S ~string, T ~string](entity string) *Table[S, T] {
	return &Table[S, T]{entity: entity, rules: make(map[S]map[T]S)}
}

// Permit allows trigger to move an entity from one state to another.
func (t *Table[S, T]) Permit(from S, trigger T, to S) *Table[S, T] {
	if t.rules[from] == nil {
		t.rules[from] = make(map[T]S)
	}
	t.rules[from][trigger] = to
	return t
}

// PermitFrom allows trigger from each of the given states.
func (t *Table[S, T]) PermitFrom(froms []S, trigger T, to S) *Table[S, T] {
	for _, from := range froms {
		t.Permit(from, trigger, to)
	}
	return t
}

// Can reports whether trigger is legal in state.
func (t *Table[S, T]) Can(state S, trigger T) bool {
	_, ok := t.rules[state][trigger]
	return ok
}

// Fire applies trigger to *state, updating it in place. An illegal trigger
// leaves *state untouched and returns a *conductor.TransitionError.
func (t *Table[S, T]) Fire(state *S, trigger T) error {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) { return *state, nil },
		func(_ context.Context, s stateless.State) error {
			*state = s.(S)
			return nil
		},
		stateless.FiringImmediate,
	)
	for from, triggers := range t.rules {
		cfg := sm.Configure(from)
		for trig, to := range triggers {
			if trig == "" {
				continue
			}
			if to == from {
				cfg.PermitReentry(trig)
				continue
			}
			cfg.Permit(trig, to)
		}
	}

	from := *state
	if err := sm.Fire(trigger); err != nil {
		*state = from
		return &conductor.TransitionError{Entity: t.entity, Action: string(trigger), From: string(from)}
	}
	return nil
}
