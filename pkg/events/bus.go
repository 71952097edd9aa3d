// Package events is the in-process publish/subscribe used to tell the UI
// layer and other collaborators about connection lifecycle changes.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Subscription identifies a registered handler.
type Subscription uint64

// Bus delivers every emitted value to every subscribed handler,
// synchronously, in subscription order, on the emitting goroutine.
type Bus[T any] struct {
	mu       sync.RWMutex
	next     Subscription
	order    []Subscription
	handlers map[Subscription]func(T)
	logger   *zap.Logger
}

// NewBus returns an empty bus. A panicking handler is logged to logger and
// does not stop delivery to the remaining handlers.
func NewBus[T any](logger *zap.Logger) *Bus[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus[T]{
		handlers: make(map[Subscription]func(T)),
		logger:   logger,
	}
}

// Subscribe registers handler for every event emitted from now on.
func (b *Bus[T]) Subscribe(handler func(T)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	token := b.next
	b.handlers[token] = handler
	b.order = append(b.order, token)
	return token
}

// Unsubscribe removes a handler. Unknown tokens are ignored.
func (b *Bus[T]) Unsubscribe(token Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[token]; !ok {
		return
	}
	delete(b.handlers, token)
	for i, t := range b.order {
		if t == token {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of subscribed handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// Emit calls every handler with event. Handlers are snapshotted first, so a
// handler may subscribe or unsubscribe without deadlocking.
func (b *Bus[T]) Emit(event T) {
	b.mu.RLock()
	snapshot := make([]func(T), 0, len(b.order))
	for _, token := range b.order {
		snapshot = append(snapshot, b.handlers[token])
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		b.deliver(h, event)
	}
}

func (b *Bus[T]) deliver(h func(T), event T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", zap.Any("panic", r), zap.Any("event", event))
		}
	}()
	h(event)
}
