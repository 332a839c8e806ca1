// Package eventbus implements the synchronous publish/subscribe spine the
// sync core runs on. Dispatch is FIFO in subscription order over a snapshot
// of the handler list, so subscribing or unsubscribing from inside a
// handler never affects the publish pass already in flight.
package eventbus

import (
	"log"
	"sync"
)

// Handler receives the payload published for an event.
type Handler func(payload any)

type subscription struct {
	id      int64
	event   string
	handler Handler
}

// Bus routes published events to subscribed handlers.
type Bus struct {
	mu     sync.Mutex
	nextID int64
	subs   map[string][]*subscription
	index  map[int64]string
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs:  make(map[string][]*subscription),
		index: make(map[int64]string),
	}
}

// Subscribe registers a handler for an event and returns its subscription
// id. Handlers for one event run in registration order.
func (b *Bus) Subscribe(event string, h Handler) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], &subscription{id: id, event: event, handler: h})
	b.index[id] = event
	return id
}

// Unsubscribe removes a subscription. Unknown or already-removed ids are
// a no-op.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	event, ok := b.index[id]
	if !ok {
		return
	}
	delete(b.index, id)

	subs := b.subs[event]
	for i, s := range subs {
		if s.id == id {
			b.subs[event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[event]) == 0 {
		delete(b.subs, event)
	}
}

// Publish dispatches the payload to every handler currently subscribed for
// the event, synchronously on the caller's goroutine. A panicking handler
// is recovered and logged; the remaining handlers still run.
func (b *Bus) Publish(event string, payload any) {
	b.mu.Lock()
	subs := b.subs[event]
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		b.invoke(s, event, payload)
	}
}

func (b *Bus) invoke(s *subscription, event string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("eventbus: handler %d for %q panicked: %v", s.id, event, r)
		}
	}()
	s.handler(payload)
}

// HandlerCount returns the number of live subscriptions for an event.
func (b *Bus) HandlerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Reset drops every subscription. Used on full teardown.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscription)
	b.index = make(map[int64]string)
}
