package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/xraph/conductor/job"
	"github.com/xraph/conductor/middleware"
)

// Config limits submissions to one named queue.
type Config struct {
	// Name is the queue identifier (must match job.Spec.Queue).
	Name string `yaml:"name"`

	// MaxInFlight limits how many submissions to this queue may be in
	// progress at once. Zero means no limit.
	MaxInFlight int `yaml:"max_in_flight"`

	// RateLimit is the maximum sustained submissions per second. Zero
	// disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the token-bucket burst size. Defaults to 1 if RateLimit
	// is set but RateBurst is zero.
	RateBurst int `yaml:"rate_burst"`
}

// ClassConfig limits submissions of one job class on one queue. It
// applies in addition to the queue's own Config.
type ClassConfig struct {
	Queue       string  `yaml:"queue"`
	Class       string  `yaml:"class"`
	MaxInFlight int     `yaml:"max_in_flight"`
	RateLimit   float64 `yaml:"rate_limit"`
	RateBurst   int     `yaml:"rate_burst"`
}

// gate holds the runtime limits for one queue or queue+class pair.
type gate struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

func newGate(maxInFlight int, limit float64, burst int) *gate {
	g := &gate{}
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
	if maxInFlight > 0 {
		g.slots = make(chan struct{}, maxInFlight)
	}
	return g
}

func (g *gate) enter(ctx context.Context) error {
	if g.slots != nil {
		select {
		case g.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.leave()
			return err
		}
	}
	return nil
}

func (g *gate) leave() {
	if g.slots != nil {
		<-g.slots
	}
}

// Manager enforces per-queue and per-class submission limits. It is safe
// for concurrent use.
type Manager struct {
	mu      sync.Mutex
	queues  map[string]*gate
	classes map[string]*gate
}

// NewManager creates a Manager with the given queue configurations.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues:  make(map[string]*gate, len(configs)),
		classes: make(map[string]*gate),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newGate(cfg.MaxInFlight, cfg.RateLimit, cfg.RateBurst)
	}
	return m
}

// SetQueueConfig replaces (or creates) a queue's limits. Submissions
// already admitted under the old limits are released against them.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[cfg.Name] = newGate(cfg.MaxInFlight, cfg.RateLimit, cfg.RateBurst)
}

// SetClassConfig replaces (or creates) the limits of one class on a queue.
func (m *Manager) SetClassConfig(cfg ClassConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[classKey(cfg.Queue, cfg.Class)] = newGate(cfg.MaxInFlight, cfg.RateLimit, cfg.RateBurst)
}

// Acquire blocks until a submission of class to queue is allowed or ctx is
// done. The caller MUST call the returned release func once the
// submission finishes.
func (m *Manager) Acquire(ctx context.Context, queue, class string) (func(), error) {
	m.mu.Lock()
	gates := make([]*gate, 0, 2)
	if g := m.queues[queue]; g != nil {
		gates = append(gates, g)
	}
	if g := m.classes[classKey(queue, class)]; g != nil {
		gates = append(gates, g)
	}
	m.mu.Unlock()

	for i, g := range gates {
		if err := g.enter(ctx); err != nil {
			for _, entered := range gates[:i] {
				entered.leave()
			}
			return nil, fmt.Errorf("conductor: queue %q limit: %w", queue, err)
		}
	}
	return func() {
		for _, g := range gates {
			g.leave()
		}
	}, nil
}

// InFlight returns how many submissions to queue are in progress. Queues
// without a MaxInFlight limit always report zero.
func (m *Manager) InFlight(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.queues[queue]; g != nil && g.slots != nil {
		return len(g.slots)
	}
	return 0
}

// Middleware returns dispatch middleware that holds each submission until
// the Manager admits it.
func (m *Manager) Middleware() middleware.Middleware {
	return func(ctx context.Context, s *job.Spec, next middleware.Handler) error {
		release, err := m.Acquire(ctx, s.Queue, s.Class)
		if err != nil {
			return err
		}
		defer release()
		return next(ctx)
	}
}

func classKey(queue, class string) string {
	return queue + "\x00" + class
}
