package blocksync

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Channel. Publish delivers synchronously to
// every subscriber, which keeps test assertions deterministic.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Handler
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]Handler)}
}

// Publish delivers sig to all current subscribers.
func (b *MemoryBus) Publish(_ context.Context, sig Signal) error {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(sig)
	}
	return nil
}

// Subscribe registers h until the returned cancel runs.
func (b *MemoryBus) Subscribe(_ context.Context, h Handler) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}
