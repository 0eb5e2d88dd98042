package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"huddle/internal/domain"
)

// anyEvent is the internal subscription key for SubscribeAll handlers.
const anyEvent domain.EventType = "*"

type entry struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. The engine publishes chat
// and process events on it; UI adapters subscribe. Handlers run in their own
// goroutines and panics are recovered, so a broken subscriber can never
// stall routing.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.EventType][]entry
	nextID atomic.Uint64
	wg     sync.WaitGroup
	closed atomic.Bool
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[domain.EventType][]entry),
		logger: logger,
	}
}

// Publish fans out an event to subscribers of its type and to all-event
// subscribers. Publishing after Close is a no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	targets := make([]entry, 0, len(b.subs[event.Type])+len(b.subs[anyEvent]))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.subs[anyEvent]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.wg.Add(1)
		go func(sub entry) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"event", string(event.Type), "panic", r)
				}
			}()
			sub.handler(ctx, event)
		}(sub)
	}
}

// Subscribe registers a handler for a specific event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event and returns an
// unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(anyEvent, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], entry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[key]
		for i, s := range subs {
			if s.id == id {
				b.subs[key] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Close prevents new publishes and waits for in-flight handlers to finish.
// Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
