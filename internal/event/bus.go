// Package event carries deliberation progress from the orchestrator to
// whoever presents it (the websocket channel, the CLI, metrics) without the
// orchestrator knowing about any of them.
package event

import (
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
)

// Handler handles a published event.
type Handler func(Event)

const wildcard = "*"

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous pub-sub dispatcher. Handlers run on the publisher's
// goroutine in registration order; a panicking handler is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription // event type -> handlers
	nextID atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers handler for one event type and returns its subscription ID.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription. It reports whether the ID was found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			if len(b.subs[eventType]) == 0 {
				delete(b.subs, eventType)
			}
			return true
		}
	}
	return false
}

// Publish dispatches e to handlers subscribed to its type, then to wildcard
// handlers. A nil bus drops events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[e.EventType()]...)
	all := append([]subscription(nil), b.subs[wildcard]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		safeCall(sub.handler, e)
	}
	for _, sub := range all {
		safeCall(sub.handler, e)
	}
}

func safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event", e.EventType(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	handler(e)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
