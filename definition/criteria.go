package definition

import (
	"fmt"
	"strconv"
	"strings"
)

// Criteria decides whether a step's final job counts amount to success.
type Criteria interface {
	Evaluate(succeeded, failed, total int) bool
	String() string
}

// All succeeds only when no job failed.
type All struct{}

func (All) Evaluate(_, failed, _ int) bool { return failed == 0 }
func (All) String() string                 { return "all" }

// Majority succeeds when more than half of the jobs succeeded.
type Majority struct{}

func (Majority) Evaluate(succeeded, _, total int) bool { return 2*succeeded > total }
func (Majority) String() string                        { return "majority" }

// BestEffort succeeds when at least one job succeeded.
type BestEffort struct{}

func (BestEffort) Evaluate(succeeded, _, _ int) bool { return succeeded > 0 }
func (BestEffort) String() string                    { return "best_effort" }

// NOfM succeeds when at least N jobs succeeded.
type NOfM struct {
	N int
}

func (c NOfM) Evaluate(succeeded, _, _ int) bool { return succeeded >= c.N }
func (c NOfM) String() string                    { return "n_of_m:" + strconv.Itoa(c.N) }

// ParseCriteria parses the textual form used in definition files:
// "all", "majority", "best_effort" (or "any") and "n_of_m:N".
// An empty string yields All.
func ParseCriteria(s string) (Criteria, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "all":
		return All{}, nil
	case "majority":
		return Majority{}, nil
	case "best_effort", "any":
		return BestEffort{}, nil
	}

	if rest, ok := strings.CutPrefix(s, "n_of_m:"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("parse success criteria %q: %w", s, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("parse success criteria %q: N must be at least 1", s)
		}
		return NOfM{N: n}, nil
	}
	return nil, fmt.Errorf("unknown success criteria %q", s)
}
