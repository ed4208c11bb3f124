// Package eventbus provides an in-process pub/sub bus for agent, task and
// notification events. The HTTP layer streams it to clients as SSE.
package eventbus

import (
	"sync"
	"time"
)

// EventType identifies the type of event.
type EventType string

const (
	EventAgentCreated EventType = "agent.created"
	EventAgentUpdated EventType = "agent.updated"
	EventAgentRemoved EventType = "agent.removed"
	EventAgentOutput  EventType = "agent.output"
	// EventAgentStatus carries a committed (debounced) status transition.
	EventAgentStatus EventType = "agent.status"

	EventTaskCreated EventType = "task.created"
	EventTaskUpdated EventType = "task.updated"
	EventTaskDeleted EventType = "task.deleted"

	EventNotification EventType = "notification"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 256

// Event is one message on the bus. Subject is the agent or task ID.
type Event struct {
	Type    EventType `json:"type"`
	Subject string    `json:"subject"`
	Data    any       `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

// StatusChange is the payload of EventAgentStatus.
type StatusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Bus broadcasts every event to every subscriber.
// Safe for concurrent publish/subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe creates a new subscription. The returned unsubscribe function
// must be called to release it.
func (b *Bus) Subscribe() (events <-chan Event, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subscribers[id]; ok {
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// Publish sends an event to all subscribers without blocking. A full
// subscriber misses the event. A zero Time is stamped with now.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// PublishStatus publishes a committed status transition.
func (b *Bus) PublishStatus(agentID, from, to string) {
	b.Publish(Event{
		Type:    EventAgentStatus,
		Subject: agentID,
		Data:    StatusChange{From: from, To: to},
	})
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
