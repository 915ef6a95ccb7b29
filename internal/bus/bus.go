// Package bus fans aligned frames out to in-process subscribers.
package bus

import (
	"sync"
	"sync/atomic"
)

// Bus handles internal pub/sub.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers []chan T
	dropped     atomic.Uint64
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subscribers: make([]chan T, 0),
	}
}

// Subscribe returns a read-only channel of published values.
func (b *Bus[T]) Subscribe(bufferSize int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, bufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish broadcasts v to all subscribers.
// Non-blocking: a slow or full subscriber misses v.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Publish must not be called after.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }
