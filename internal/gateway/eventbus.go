package gateway

import (
	"sync"
	"time"
)

// EventType classifies a gateway event for WebSocket clients.
type EventType string

const (
	EventStatus     EventType = "status"
	EventScanResult EventType = "scan_result"
	EventTransfer   EventType = "transfer"
)

// Event is the JSON envelope broadcast to WebSocket clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// StatusEvent carries one published status. Target is empty for
// gateway-wide statuses.
type StatusEvent struct {
	Target string `json:"target,omitempty"`
	Status string `json:"status"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans gateway events out to every registered client.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a client. The returned function must be called when
// the client goes away; it closes the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers. A subscriber with a full
// buffer misses the event; the transfer loop never waits on clients.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
