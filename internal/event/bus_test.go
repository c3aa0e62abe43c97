package event

import (
	"sync"
	"testing"
	"time"
)

func TestBusDeliversToSubscribedTopic(t *testing.T) {
	b := NewBus()
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe(NetworkError, func(e Event) { got <- e })

	b.Dispatch(NetworkError, "connection refused")

	select {
	case e := <-got:
		if e.Payload != "connection refused" {
			t.Errorf("payload = %v", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusFIFOPerTopic(t *testing.T) {
	b := NewBus()

	var mu sync.Mutex
	var order []int
	b.Subscribe(TracksAdded, func(e Event) {
		mu.Lock()
		order = append(order, e.Payload.(int))
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		b.Dispatch(TracksAdded, i)
	}
	b.Close() // drains queued events before returning

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 100 {
		t.Fatalf("delivered %d events, want 100", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, delivery not FIFO", i, v)
		}
	}
}

func TestBusTopicsAreIsolated(t *testing.T) {
	b := NewBus()

	hits := make(chan Topic, 2)
	b.Subscribe(FavoriteAdded, func(e Event) { hits <- e.Topic })

	b.Dispatch(FavoriteRemoved, nil)
	b.Dispatch(FavoriteAdded, nil)
	b.Close()

	select {
	case topic := <-hits:
		if topic != FavoriteAdded {
			t.Errorf("delivered topic = %v", topic)
		}
	default:
		t.Fatal("subscribed topic not delivered")
	}
	select {
	case topic := <-hits:
		t.Errorf("unexpected extra delivery: %v", topic)
	default:
	}
}

func TestBusPanickingHandlerDoesNotAbortSiblings(t *testing.T) {
	b := NewBus()

	delivered := false
	b.Subscribe(StateChanged, func(Event) { panic("broken handler") })
	b.Subscribe(StateChanged, func(Event) { delivered = true })

	b.Dispatch(StateChanged, nil)
	b.Close()

	if !delivered {
		t.Error("sibling handler skipped after panic")
	}
}

func TestSubscriptionUnsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub := b.Subscribe(VolumeChanged, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Dispatch(VolumeChanged, 50)
	time.Sleep(50 * time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe() // second call must be a no-op

	b.Dispatch(VolumeChanged, 60)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
}

func TestSubscribeAll(t *testing.T) {
	b := NewBus()

	var mu sync.Mutex
	seen := map[Topic]int{}
	record := func(e Event) {
		mu.Lock()
		seen[e.Topic]++
		mu.Unlock()
	}

	subs := b.SubscribeAll(map[Topic]Handler{
		StateChanged: record,
		TracksAdded:  record,
	})
	if len(subs) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(subs))
	}

	b.Dispatch(StateChanged, nil)
	b.Dispatch(TracksAdded, nil)
	b.Dispatch(TracksRemoved, nil)
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if seen[StateChanged] != 1 || seen[TracksAdded] != 1 || seen[TracksRemoved] != 0 {
		t.Errorf("deliveries = %v", seen)
	}
}
