// Package backoff provides pluggable delay strategies for workflow
// auto-retries. All strategies are safe for concurrent use (they are
// stateless).
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(Initial * attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Schedule
// ──────────────────────────────────────────────────

// Schedule returns delays from an explicit list. Attempts past the end of
// the list reuse the last delay.
type Schedule struct {
	Delays []time.Duration
}

// NewSchedule creates a schedule strategy from the given delays.
func NewSchedule(delays ...time.Duration) *Schedule {
	return &Schedule{Delays: delays}
}

// Delay returns Delays[attempt-1], clamped to the list bounds.
func (s *Schedule) Delay(attempt int) time.Duration {
	if len(s.Delays) == 0 {
		return 0
	}
	switch {
	case attempt < 1:
		return s.Delays[0]
	case attempt > len(s.Delays):
		return s.Delays[len(s.Delays)-1]
	}
	return s.Delays[attempt-1]
}

// ──────────────────────────────────────────────────
// Config
// ──────────────────────────────────────────────────

// Kind names a strategy in configuration files.
type Kind string

const (
	KindConstant    Kind = "constant"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
	KindJitter      Kind = "exponential_jitter"
	KindSchedule    Kind = "schedule"
)

// Config is the declarative form of a Strategy.
type Config struct {
	Kind    Kind            `yaml:"kind" json:"kind"`
	Initial time.Duration   `yaml:"initial" json:"initial"`
	Max     time.Duration   `yaml:"max" json:"max"`
	Delays  []time.Duration `yaml:"delays" json:"delays,omitempty"`
}

// Build returns the Strategy described by c. A zero Config yields
// DefaultStrategy.
func (c Config) Build() (Strategy, error) {
	switch c.Kind {
	case "":
		if len(c.Delays) > 0 {
			return NewSchedule(c.Delays...), nil
		}
		return DefaultStrategy(), nil
	case KindConstant:
		return NewConstant(c.Initial), nil
	case KindLinear:
		return NewLinear(c.Initial, c.Max), nil
	case KindExponential:
		return NewExponential(c.Initial, c.Max), nil
	case KindJitter:
		return NewExponentialWithJitter(c.Initial, c.Max), nil
	case KindSchedule:
		if len(c.Delays) == 0 {
			return nil, fmt.Errorf("backoff: schedule needs at least one delay")
		}
		return NewSchedule(c.Delays...), nil
	}
	return nil, fmt.Errorf("backoff: unknown kind %q", c.Kind)
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default auto-retry backoff:
// ExponentialWithJitter with 1s initial and 1m max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}
