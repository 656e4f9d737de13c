package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskState       EventType = "task_state"
	EventMachineDisabled EventType = "machine_disabled"
)

// Task state values carried by task_state events
const (
	TaskStateRunning = "task_running"
	TaskStateDone    = "task_done"
	TaskStateFailed  = "task_failed"
)

// RingSize is the number of past events retained for replay to a
// reconnecting subscriber presenting Last-Event-Id
const RingSize = 100

// Payload is the JSON body of an event
type Payload struct {
	Type EventType `json:"type"`

	// task_state fields
	TaskID string `json:"task_id,omitempty"`
	State  string `json:"state,omitempty"`

	// machine_disabled fields
	MachineName string `json:"machine_name,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Event is one entry on the node event stream. IDs start at 1 and are
// strictly increasing for the lifetime of the process.
type Event struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker assigns event IDs and distributes events to subscribers. A
// bounded ring of past events supports replay after a reconnect.
// Distribution happens inside Publish, under the same lock that assigns
// IDs, so a subscriber's channel carries strictly increasing IDs and a
// replayed event is never delivered a second time as live.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	nextID      uint64
	ring        []*Event // oldest first, at most RingSize entries
	stopped     bool
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		nextID:      1,
	}
}

// Stop closes every subscriber channel; later Publish calls still
// assign IDs but deliver to no one
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub)
	}
	b.stopped = true
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	if b.stopped {
		close(sub)
		return sub
	}
	b.subscribers[sub] = true
	return sub
}

// SubscribeFrom creates a subscription that first replays every retained
// event with an ID greater than lastID. Replayed events are delivered on
// the returned channel before any live event published after this call.
func (b *Broker) SubscribeFrom(lastID uint64) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []*Event
	for _, ev := range b.ring {
		if ev.ID > lastID {
			replay = append(replay, ev)
		}
	}

	// Size the buffer so the replay cannot be dropped
	size := 50
	if len(replay) > size {
		size = len(replay)
	}
	sub := make(Subscriber, size)
	for _, ev := range replay {
		sub <- ev
	}
	if b.stopped {
		close(sub)
		return sub
	}
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish assigns the next event ID, records the event in the replay
// ring and delivers it to every subscriber before returning. The
// assigned event is returned. A subscriber whose buffer is full misses
// the event; it can recover it later through SubscribeFrom.
func (b *Broker) Publish(payload Payload) *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	event := &Event{
		ID:        b.nextID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	b.nextID++
	b.ring = append(b.ring, event)
	if len(b.ring) > RingSize {
		b.ring = b.ring[len(b.ring)-RingSize:]
	}

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
	return event
}

// LastID returns the ID of the most recently published event, 0 when
// nothing has been published yet
func (b *Broker) LastID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextID - 1
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
