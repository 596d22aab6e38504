package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber is one consumer of the live feed: an API WebSocket
// connection, an SSE stream, or an in-process watcher. Delivery is
// credit-gated — a subscriber receives at most as many lifecycle
// events as it has granted credits, so a stalled dashboard connection
// can never back up the broker. Events that arrive with no credit
// left, or while the buffer is full, are dropped; consumers recover by
// re-reading the instance timeline from their last sequence.
type Subscriber struct {
	id     string
	events chan *Event

	// credits is the remaining delivery allowance. The broker spends
	// one per delivered event; the feed transport replenishes it from
	// client credit frames.
	credits atomic.Int64

	// filter, when set, narrows delivery beyond topic membership
	// (e.g. only step-level events for an instance).
	filter func(*Event) bool

	mu     sync.RWMutex
	topics map[string]struct{}

	closed atomic.Bool
}

// NewSubscriber creates a subscriber with the given event buffer size
// and initial credit allowance.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		events: make(chan *Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier (the feed connection ID).
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only channel lifecycle events arrive on. It is
// closed when the subscriber is removed from the broker.
func (s *Subscriber) C() <-chan *Event { return s.events }

// AddCredits grants n additional deliveries.
func (s *Subscriber) AddCredits(n int64) {
	s.credits.Add(n)
}

// Credits returns the remaining delivery allowance.
func (s *Subscriber) Credits() int64 {
	return s.credits.Load()
}

// SetFilter installs a delivery predicate. Only events it accepts are
// delivered; rejected events cost no credit.
func (s *Subscriber) SetFilter(fn func(*Event) bool) {
	s.filter = fn
}

// Topics returns a copy of the topic names this subscriber is on.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		names = append(names, topic)
	}
	return names
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

// send delivers one event if the subscriber is open, the filter
// accepts it, a credit is available, and the buffer has room. Returns
// false when the event was dropped; the spent credit is refunded on a
// full buffer so the allowance reflects actual deliveries.
func (s *Subscriber) send(evt *Event) bool {
	if s.closed.Load() {
		return false
	}
	if s.filter != nil && !s.filter(evt) {
		return false
	}

	if s.credits.Add(-1) < 0 {
		s.credits.Add(1)
		return false
	}

	select {
	case s.events <- evt:
		return true
	default:
		s.credits.Add(1)
		return false
	}
}

// Close closes the event channel. Safe to call more than once.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.events)
	}
}
