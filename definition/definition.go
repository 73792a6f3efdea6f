// Package definition describes workflow definitions: the ordered steps a
// workflow instance executes, how each step dispatches work, how its
// outcome is judged and what happens when it fails.
package definition

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/backoff"
	"github.com/xraph/conductor/compensation"
)

// Kind is how a step dispatches its units of work.
type Kind string

const (
	// KindSingle dispatches exactly one job.
	KindSingle Kind = "single"
	// KindFanOut dispatches one job per item of the step's iterator.
	KindFanOut Kind = "fan_out"
	// KindPolling dispatches one poll job at a time until the awaited
	// condition is met.
	KindPolling Kind = "polling"
)

// FailurePolicy is what happens to the workflow when a step fails.
type FailurePolicy string

const (
	FailWorkflow        FailurePolicy = "fail_workflow"
	PauseWorkflow       FailurePolicy = "pause_workflow"
	RetryStep           FailurePolicy = "retry_step"
	SkipStep            FailurePolicy = "skip_step"
	ContinueWithPartial FailurePolicy = "continue_with_partial"
)

// Strategy is the workflow-level reaction to reaching Failed.
type Strategy string

const (
	AwaitDecision  Strategy = "await_decision"
	AutoRetry      Strategy = "auto_retry"
	AutoCompensate Strategy = "auto_compensate"
)

// JobSpec names the job class a step dispatches.
type JobSpec struct {
	Class string         `yaml:"class" json:"class"`
	Queue string         `yaml:"queue" json:"queue,omitempty"`
	Args  map[string]any `yaml:"args" json:"args,omitempty"`
}

// RetryConfig bounds the RetryStep policy.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// CompensationConfig declares a step's undo action.
type CompensationConfig struct {
	Class       string         `yaml:"class" json:"class"`
	Queue       string         `yaml:"queue" json:"queue,omitempty"`
	Args        map[string]any `yaml:"args" json:"args,omitempty"`
	MaxAttempts int            `yaml:"max_attempts" json:"max_attempts"`
}

// PollConfig tunes a polling step.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// ResolutionConfig is the definition's failure-resolution configuration.
type ResolutionConfig struct {
	Strategy          Strategy           `yaml:"strategy" json:"strategy"`
	MaxAutoRetries    int                `yaml:"max_auto_retries" json:"max_auto_retries"`
	Backoff           backoff.Config     `yaml:"backoff" json:"backoff"`
	FallbackToAwait   bool               `yaml:"fallback_to_await" json:"fallback_to_await"`
	CompensationScope compensation.Scope `yaml:"compensation_scope" json:"compensation_scope"`
}

// EffectiveStrategy returns the strategy, defaulting to AwaitDecision.
func (c ResolutionConfig) EffectiveStrategy() Strategy {
	if c.Strategy == "" {
		return AwaitDecision
	}
	return c.Strategy
}

// EffectiveScope returns the compensation scope, defaulting to ScopeAll.
func (c ResolutionConfig) EffectiveScope() compensation.Scope {
	if c.CompensationScope == "" {
		return compensation.ScopeAll
	}
	return c.CompensationScope
}

// Dependency names one output a step needs from an earlier step, written
// "step.output" in definition files.
type Dependency struct {
	Step   string `json:"step"`
	Output string `json:"output"`
}

// ParseDependency parses "step.output".
func ParseDependency(s string) (Dependency, error) {
	step, output, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || step == "" || output == "" {
		return Dependency{}, fmt.Errorf("dependency %q must have the form step.output", s)
	}
	return Dependency{Step: step, Output: output}, nil
}

func (d Dependency) String() string { return d.Step + "." + d.Output }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDependency(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Outputs is a snapshot of a workflow's step outputs, keyed by step key
// then output name.
type Outputs map[string]map[string]any

// Get returns one output value.
func (o Outputs) Get(step, name string) (any, bool) {
	v, ok := o[step][name]
	return v, ok
}

// Has reports whether the dependency is satisfied.
func (o Outputs) Has(d Dependency) bool {
	_, ok := o.Get(d.Step, d.Output)
	return ok
}

// IteratorInput is what a fan-out iterator sees.
type IteratorInput struct {
	Input   map[string]any
	Outputs Outputs
}

// Iterator produces the items a fan-out step dispatches one job for.
type Iterator func(ctx context.Context, in IteratorInput) ([]any, error)

// ArgumentsFactory builds one fan-out job's arguments from its item.
type ArgumentsFactory func(item any, index int) (map[string]any, error)

// Step is one named unit of a definition's ordered plan.
type Step struct {
	Key           string              `yaml:"key"`
	Name          string              `yaml:"name"`
	Kind          Kind                `yaml:"kind"`
	Job           JobSpec             `yaml:"job"`
	FailurePolicy FailurePolicy       `yaml:"failure_policy"`
	Retry         RetryConfig         `yaml:"retry"`
	Compensation  *CompensationConfig `yaml:"compensation"`
	Criteria      string              `yaml:"success_criteria"`
	Requires      []Dependency        `yaml:"requires"`
	Produces      []string            `yaml:"produces"`
	ItemsFrom     *Dependency         `yaml:"items_from"`
	Poll          PollConfig          `yaml:"poll"`
	Timeout       time.Duration       `yaml:"timeout"`

	// SuccessCriteria overrides Criteria for programmatic definitions.
	SuccessCriteria Criteria `yaml:"-"`

	// Iterator overrides ItemsFrom for programmatic definitions.
	Iterator Iterator `yaml:"-"`

	// Arguments builds fan-out job arguments. The default wraps the item
	// as {"item": item, "index": index}.
	Arguments ArgumentsFactory `yaml:"-"`
}

// EffectiveKind returns the step kind, defaulting to KindSingle.
func (s *Step) EffectiveKind() Kind {
	if s.Kind == "" {
		return KindSingle
	}
	return s.Kind
}

// Policy returns the failure policy, defaulting to FailWorkflow.
func (s *Step) Policy() FailurePolicy {
	if s.FailurePolicy == "" {
		return FailWorkflow
	}
	return s.FailurePolicy
}

// MaxAttempts returns the RetryStep attempt budget, at least 1.
func (s *Step) MaxAttempts() int {
	if s.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.Retry.MaxAttempts
}

// HasCompensation reports whether the step declares an undo action.
func (s *Step) HasCompensation() bool {
	return s.Compensation != nil && s.Compensation.Class != ""
}

// Criterion returns the step's success criteria. Single and polling steps
// always require zero failures.
func (s *Step) Criterion() (Criteria, error) {
	if s.EffectiveKind() != KindFanOut {
		return All{}, nil
	}
	if s.SuccessCriteria != nil {
		return s.SuccessCriteria, nil
	}
	return ParseCriteria(s.Criteria)
}

// Items evaluates the fan-out iterator.
func (s *Step) Items(ctx context.Context, in IteratorInput) ([]any, error) {
	if s.Iterator != nil {
		return s.Iterator(ctx, in)
	}
	if s.ItemsFrom == nil {
		return nil, fmt.Errorf("fan-out step %q has no iterator", s.Key)
	}
	v, ok := in.Outputs.Get(s.ItemsFrom.Step, s.ItemsFrom.Output)
	if !ok {
		return nil, &conductor.DependencyError{StepKey: s.Key, Missing: []string{s.ItemsFrom.String()}}
	}
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("fan-out step %q: output %s is %T, not a list", s.Key, s.ItemsFrom, v)
	}
	return items, nil
}

// BuildArguments returns the job arguments for one fan-out item.
func (s *Step) BuildArguments(item any, index int) (map[string]any, error) {
	if s.Arguments != nil {
		return s.Arguments(item, index)
	}
	args := make(map[string]any, len(s.Job.Args)+2)
	for k, v := range s.Job.Args {
		args[k] = v
	}
	args["item"] = item
	args["index"] = index
	return args, nil
}

// Definition is a versioned, ordered workflow plan.
type Definition struct {
	Key         string           `yaml:"key"`
	Version     int              `yaml:"version"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Steps       []Step           `yaml:"steps"`
	Resolution  ResolutionConfig `yaml:"failure_resolution"`
}

// IndexOf returns the position of the step in definition order, or -1.
func (d *Definition) IndexOf(key string) int {
	for i := range d.Steps {
		if d.Steps[i].Key == key {
			return i
		}
	}
	return -1
}

// Step returns the step with the given key.
func (d *Definition) Step(key string) (*Step, bool) {
	i := d.IndexOf(key)
	if i < 0 {
		return nil, false
	}
	return &d.Steps[i], true
}

// First returns the first step, if any.
func (d *Definition) First() (*Step, bool) {
	if len(d.Steps) == 0 {
		return nil, false
	}
	return &d.Steps[0], true
}

// Next returns the step after key in definition order.
func (d *Definition) Next(key string) (*Step, bool) {
	i := d.IndexOf(key)
	if i < 0 || i+1 >= len(d.Steps) {
		return nil, false
	}
	return &d.Steps[i+1], true
}

// KeysFrom returns key and every step key after it.
func (d *Definition) KeysFrom(key string) []string {
	i := d.IndexOf(key)
	if i < 0 {
		return nil
	}
	keys := make([]string, 0, len(d.Steps)-i)
	for _, s := range d.Steps[i:] {
		keys = append(keys, s.Key)
	}
	return keys
}

// Validate checks the definition for structural errors.
func (d *Definition) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("%w: missing key", conductor.ErrInvalidDefinition)
	}
	seen := make(map[string]int, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Key == "" {
			return fmt.Errorf("%w: %s step %d has no key", conductor.ErrInvalidDefinition, d.Key, i)
		}
		if strings.Contains(s.Key, ".") {
			return fmt.Errorf("%w: step key %q must not contain '.'", conductor.ErrInvalidDefinition, s.Key)
		}
		if _, dup := seen[s.Key]; dup {
			return fmt.Errorf("%w: duplicate step key %q", conductor.ErrInvalidDefinition, s.Key)
		}
		seen[s.Key] = i

		switch s.EffectiveKind() {
		case KindSingle, KindPolling:
		case KindFanOut:
			if s.Iterator == nil && s.ItemsFrom == nil {
				return fmt.Errorf("%w: fan-out step %q needs items_from or an iterator", conductor.ErrInvalidDefinition, s.Key)
			}
		default:
			return fmt.Errorf("%w: step %q has unknown kind %q", conductor.ErrInvalidDefinition, s.Key, s.Kind)
		}
		if s.Job.Class == "" {
			return fmt.Errorf("%w: step %q has no job class", conductor.ErrInvalidDefinition, s.Key)
		}

		switch s.Policy() {
		case FailWorkflow, PauseWorkflow, RetryStep, SkipStep, ContinueWithPartial:
		default:
			return fmt.Errorf("%w: step %q has unknown failure policy %q", conductor.ErrInvalidDefinition, s.Key, s.FailurePolicy)
		}
		if _, err := s.Criterion(); err != nil {
			return fmt.Errorf("%w: step %q: %v", conductor.ErrInvalidDefinition, s.Key, err)
		}

		deps := s.Requires
		if s.ItemsFrom != nil {
			deps = append(deps[:len(deps):len(deps)], *s.ItemsFrom)
		}
		for _, dep := range deps {
			j, ok := seen[dep.Step]
			if !ok || j >= i {
				return fmt.Errorf("%w: step %q depends on %s which is not an earlier step",
					conductor.ErrInvalidDefinition, s.Key, dep)
			}
		}
	}

	switch d.Resolution.EffectiveStrategy() {
	case AwaitDecision, AutoRetry, AutoCompensate:
	default:
		return fmt.Errorf("%w: unknown resolution strategy %q", conductor.ErrInvalidDefinition, d.Resolution.Strategy)
	}
	if !d.Resolution.EffectiveScope().Valid() {
		return fmt.Errorf("%w: unknown compensation scope %q", conductor.ErrInvalidDefinition, d.Resolution.CompensationScope)
	}
	if _, err := d.Resolution.Backoff.Build(); err != nil {
		return fmt.Errorf("%w: %v", conductor.ErrInvalidDefinition, err)
	}
	return nil
}
