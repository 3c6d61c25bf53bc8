package realtime

import (
	"encoding/json"
	"sync"
	"testing"
)

func event(name string) Event {
	return Event{Name: name, Payload: json.RawMessage(`{}`)}
}

func TestHubDeliversToEverySessionOfUser(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := hub.Subscribe("user-1")
	b := hub.Subscribe("user-1")
	other := hub.Subscribe("user-2")

	hub.Publish("user-1", event("negotiation:created"))

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.C:
			if ev.Name != "negotiation:created" {
				t.Fatalf("expected negotiation:created, got %s", ev.Name)
			}
		default:
			t.Fatal("expected event on user-1 subscription")
		}
	}
	select {
	case ev := <-other.C:
		t.Fatalf("user-2 should not receive user-1 events, got %s", ev.Name)
	default:
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("user-1")
	for i := 0; i < defaultBuffer+5; i++ {
		hub.Publish("user-1", event("contract:updated"))
	}
	if got := hub.Dropped(); got != 5 {
		t.Fatalf("expected 5 dropped events, got %d", got)
	}
	received := 0
	for {
		select {
		case <-sub.C:
			received++
			continue
		default:
		}
		break
	}
	if received != defaultBuffer {
		t.Fatalf("expected %d buffered events, got %d", defaultBuffer, received)
	}
}

func TestHubConcurrentPublishCountsEveryDrop(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	hub.Subscribe("user-1")
	for i := 0; i < defaultBuffer; i++ {
		hub.Publish("user-1", event("contract:updated"))
	}

	// The buffer is full: every publish below drops. Concurrent writers must
	// each be counted exactly once.
	const writers = 4
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				hub.Publish("user-1", event("contract:updated"))
			}
		}()
	}
	wg.Wait()

	if got := hub.Dropped(); got != writers*perWriter {
		t.Fatalf("expected %d dropped events, got %d", writers*perWriter, got)
	}
}

func TestHubCloseUnblocksSubscribers(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("user-1")
	hub.Close()

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after hub close")
	}
	// publishing after close must not panic
	hub.Publish("user-1", event("negotiation:responded"))
}

func TestSubscriptionCloseRemovesSession(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("user-1")
	if got := hub.Subscribers("user-1"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
	sub.Close()
	if got := hub.Subscribers("user-1"); got != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", got)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after subscription close")
	}
	// double close is a no-op
	sub.Close()
}
