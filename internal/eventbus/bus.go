// Package eventbus connects the agents inside one tenant worker. Dispatch is
// synchronous and in-process: a handler runs to completion before the next
// subscriber sees the event.
package eventbus

import (
	"context"
	"sync"
	"time"
)

// Topic keys a stream of events.
type Topic string

const (
	TopicStockChange         Topic = "stock:change"
	TopicSyncCompleted       Topic = "sync:completed"
	TopicSyncFailed          Topic = "sync:failed"
	TopicChannelDisconnected Topic = "channel:disconnected"
	TopicDriftDetected       Topic = "drift:detected"
	TopicDriftRepaired       Topic = "drift:repaired"
)

// Event carries one published payload.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload any
}

// Handler consumes one event synchronously.
type Handler func(ctx context.Context, event Event)

// Subscription is the handle returned by Subscribe; Unsubscribe removes it.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    uint64
}

// Bus is a typed publish/subscribe registry scoped to a single worker.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Topic]map[uint64]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[Topic]map[uint64]Handler)}
}

// Subscribe registers a handler for the topic and returns its handle.
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	if handler == nil {
		return &Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = handler
	return &Subscription{bus: b, topic: topic, id: id}
}

// Unsubscribe removes the handler; safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if handlers, ok := s.bus.subs[s.topic]; ok {
		delete(handlers, s.id)
	}
	s.bus = nil
}

// Publish dispatches the event to every current subscriber of its topic.
// The subscriber set is snapshotted first so handlers may unsubscribe or
// subscribe without deadlocking.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[event.Topic]))
	for _, handler := range b.subs[event.Topic] {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, event)
	}
}
