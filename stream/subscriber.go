package stream

import (
	"sync"
	"sync/atomic"

	"github.com/xraph/conductor/event"
)

// Subscriber receives events from the topics it is on. Flow control is
// credit based: each delivered event spends one credit and the broker
// skips a subscriber with none left until AddCredits is called.
type Subscriber struct {
	id string
	ch chan *event.Event

	credits atomic.Int64

	topics map[string]struct{}
	mu     sync.RWMutex

	filter atomic.Pointer[func(*event.Event) bool]

	closed  atomic.Bool
	closeMu sync.RWMutex
}

type sendResult int

const (
	sendDelivered sendResult = iota
	sendFiltered
	sendDropped
)

// NewSubscriber creates a subscriber with the given buffer size
// and initial credits.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *event.Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed when the subscriber is
// removed or the engine shuts down.
func (s *Subscriber) C() <-chan *event.Event { return s.ch }

// AddCredits replenishes flow-control credits.
func (s *Subscriber) AddCredits(n int64) {
	s.credits.Add(n)
}

// Credits returns the current credit count.
func (s *Subscriber) Credits() int64 {
	return s.credits.Load()
}

// SetFilter sets an optional predicate. Events it rejects are skipped
// without spending credits.
func (s *Subscriber) SetFilter(fn func(*event.Event) bool) {
	s.filter.Store(&fn)
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of all subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *Subscriber) send(evt *event.Event) sendResult {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed.Load() {
		return sendFiltered
	}

	if fn := s.filter.Load(); fn != nil && *fn != nil && !(*fn)(evt) {
		return sendFiltered
	}

	for {
		current := s.credits.Load()
		if current <= 0 {
			return sendDropped
		}
		if s.credits.CompareAndSwap(current, current-1) {
			break
		}
	}

	select {
	case s.ch <- evt:
		return sendDelivered
	default:
		// Buffer full, restore credit.
		s.credits.Add(1)
		return sendDropped
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
