package event

import (
	"errors"
	"sync"
	"time"
)

// ErrStreamClosed is returned by GetEvent after Close.
var ErrStreamClosed = errors.New("event: stream closed")

// ErrTimeout is returned by GetEvent when no event arrived in time.
var ErrTimeout = errors.New("event: timed out waiting for event")

// EventStream subscribes to every topic and buffers events for a
// poll-style consumer. It implements the initial-replay protocol: until
// the first StateReplay is observed, queue mutation events are dropped (the
// consumer would see them again inside the replay); afterwards further
// StateReplay events are suppressed and everything else passes through.
type EventStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	replayed bool
	subs     []*Subscription
}

// NewEventStream attaches a stream view to the bus.
func NewEventStream(bus *Bus) *EventStream {
	s := &EventStream{}
	s.cond = sync.NewCond(&s.mu)

	for _, topic := range AllTopics() {
		s.subs = append(s.subs, bus.Subscribe(topic, s.push))
	}
	return s
}

func (s *EventStream) push(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if !s.replayed {
		switch e.Topic {
		case StateReplay:
			s.replayed = true
		case StateChanged, TracksAdded, TracksRemoved:
			return
		}
	} else if e.Topic == StateReplay {
		return
	}

	s.queue = append(s.queue, e)
	s.cond.Broadcast()
}

// GetEvent returns the next buffered event, waiting up to timeout for one
// to arrive. A timeout of zero waits indefinitely.
func (s *EventStream) GetEvent(timeout time.Duration) (Event, error) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer timer.Stop()
	}
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		if timeout > 0 && !time.Now().Before(deadline) {
			return Event{}, ErrTimeout
		}
		s.cond.Wait()
	}
	if len(s.queue) == 0 && s.closed {
		return Event{}, ErrStreamClosed
	}

	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, nil
}

// Close detaches from the bus and wakes blocked consumers. Buffered events
// remain readable until drained.
func (s *EventStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}
