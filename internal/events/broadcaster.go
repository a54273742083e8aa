// Package events fans out file events to SSE subscribers and to any other
// notifier (webhooks).
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/filora/filora/internal/metrics"
)

// Event is one notification delivered to an owner's subscribers.
type Event struct {
	Type      string `json:"type"`
	Owner     string `json:"-"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type subscriber struct {
	owner string
}

// Broadcaster manages SSE subscribers and publishes events to the ones
// belonging to the event's owner.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]subscriber
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]subscriber),
	}
}

// Subscribe adds a subscriber for owner's events and returns its channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(owner string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = subscriber{owner: owner}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to the owner's subscribers. Non-blocking: drops
// events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subscribers {
		if sub.owner != event.Owner {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
}

// Notify publishes data as an event of type event.
func (b *Broadcaster) Notify(_ context.Context, owner, event string, data any) {
	b.Publish(Event{Type: event, Owner: owner, Data: data})
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
