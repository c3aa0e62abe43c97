// Package event implements the typed pub/sub fabric connecting the playback
// engine to its consumers: a single dispatch goroutine, subscription handles
// with guaranteed unsubscribe, and a buffered stream view for poll-style
// consumers.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Topic enumerates every event the bus carries.
type Topic int

const (
	StateChanged Topic = iota
	StateReplay
	TracksAdded
	TracksRemoved
	RequestMoreTracks
	NetworkError
	FavoriteAdded
	FavoriteRemoved
	VolumeChanged
)

func (t Topic) String() string {
	switch t {
	case StateChanged:
		return "state_changed"
	case StateReplay:
		return "state_replay"
	case TracksAdded:
		return "tracks_added"
	case TracksRemoved:
		return "tracks_removed"
	case RequestMoreTracks:
		return "request_more_tracks"
	case NetworkError:
		return "network_error"
	case FavoriteAdded:
		return "favorite_added"
	case FavoriteRemoved:
		return "favorite_removed"
	case VolumeChanged:
		return "volume_changed"
	default:
		return "unknown"
	}
}

// AllTopics lists every topic, for subscribers that want the full stream.
func AllTopics() []Topic {
	return []Topic{
		StateChanged, StateReplay, TracksAdded, TracksRemoved,
		RequestMoreTracks, NetworkError, FavoriteAdded, FavoriteRemoved,
		VolumeChanged,
	}
}

// Event is one dispatched value.
type Event struct {
	Topic   Topic
	Payload any
}

// Handler consumes events on the bus's dispatch goroutine. A slow handler
// back-pressures the bus but never reorders events.
type Handler func(Event)

type subscriber struct {
	id   uuid.UUID
	fn   Handler
	dead *atomic.Bool
}

const dispatchQueueSize = 256

// Bus is a typed pub/sub dispatcher. Delivery is FIFO across the whole bus
// and single-threaded: handlers for one event finish before the next event
// is delivered.
type Bus struct {
	mu   sync.Mutex
	subs map[Topic][]subscriber

	// deliverMu serializes handler invocation against unsubscribe, so that
	// once Unsubscribe returns no further delivery to that handler begins.
	deliverMu sync.Mutex

	ch   chan Event
	done chan struct{}

	closeOnce sync.Once
}

func NewBus() *Bus {
	b := &Bus{
		subs: make(map[Topic][]subscriber),
		ch:   make(chan Event, dispatchQueueSize),
		done: make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer close(b.done)
	for e := range b.ch {
		b.mu.Lock()
		handlers := make([]subscriber, len(b.subs[e.Topic]))
		copy(handlers, b.subs[e.Topic])
		b.mu.Unlock()

		for _, s := range handlers {
			b.deliver(s, e)
		}
	}
}

// A panicking handler must never abort delivery to its siblings.
func (b *Bus) deliver(s subscriber, e Event) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	if s.dead.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("topic", e.Topic.String()).Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	s.fn(e)
}

// Dispatch enqueues an event. Fire-and-forget: it returns once the event is
// queued, blocking only when the dispatch queue is full.
func (b *Bus) Dispatch(topic Topic, payload any) {
	defer func() {
		// Dispatch after Close is dropped, not fatal.
		if recover() != nil {
			log.Debug().Str("topic", topic.String()).Msg("Event dropped after bus close")
		}
	}()
	b.ch <- Event{Topic: topic, Payload: payload}
}

// Subscribe registers a handler for one topic.
func (b *Bus) Subscribe(topic Topic, fn Handler) *Subscription {
	id := uuid.New()
	dead := &atomic.Bool{}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, fn: fn, dead: dead})
	b.mu.Unlock()

	return &Subscription{bus: b, topic: topic, id: id, dead: dead}
}

// SubscribeAll registers a handler per topic and returns the handles.
func (b *Bus) SubscribeAll(handlers map[Topic]Handler) []*Subscription {
	subs := make([]*Subscription, 0, len(handlers))
	for topic, fn := range handlers {
		subs = append(subs, b.Subscribe(topic, fn))
	}
	return subs
}

func (b *Bus) unsubscribe(topic Topic, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Close stops the dispatch goroutine after draining queued events.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.ch)
	})
	<-b.done
}

// Subscription is the handle to one registered handler.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    uuid.UUID
	dead  *atomic.Bool
	once  sync.Once
}

// Unsubscribe removes the handler. At most once; later calls are no-ops.
// After it returns, the handler receives no further events; a delivery in
// flight is waited out.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.deliverMu.Lock()
		s.dead.Store(true)
		s.bus.deliverMu.Unlock()
		s.bus.unsubscribe(s.topic, s.id)
	})
}
