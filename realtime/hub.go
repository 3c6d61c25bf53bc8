// Package realtime fans out state-change events to every connected session of
// the affected users. Delivery is best-effort: payloads are full snapshots, so
// a dropped, duplicated or reordered event never corrupts a consumer, and the
// client-side reconciliation poller heals anything missed.
package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Event is one named state-change notification for one user.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Subscription is one session's receive side. Its channel is closed when the
// subscription is cancelled.
type Subscription struct {
	UserID string
	C      <-chan Event

	hub *Hub
	ch  chan Event
}

// Close detaches the subscription from the hub and closes its channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub is the in-process per-user event bus. Publish never blocks: a slow
// subscriber's events are dropped and counted rather than stalling writers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	closed  bool
	buffer  int
	dropped atomic.Uint64
}

const defaultBuffer = 16

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
	}
}

// Subscribe registers a new session channel for the given user identity.
func (h *Hub) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		UserID: userID,
		hub:    h,
		ch:     make(chan Event, h.buffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.UserID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.UserID)
	}
	close(sub.ch)
}

// Publish delivers the event to every open session of one user. It is
// fire-and-forget and must never sit on a transactional critical path.
func (h *Hub) Publish(userID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of open sessions for a user.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Dropped reports how many events were discarded due to full session buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close cancels every subscription and rejects future ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
}
