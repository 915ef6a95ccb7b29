// Package ring provides a lock-free single-producer/single-consumer ring
// channel with a rewindable read cursor.
package ring

import "sync/atomic"

// =============================================================================
// SPSC RING CHANNEL
// =============================================================================
//
// Layout: `capacity` slots, two indices in [0, capacity).
//
//   write == read                    → empty
//   (write + 1) % capacity == read   → full   (capacity-1 items live)
//
// Ownership:
//   write is stored ONLY by the producer goroutine.
//   read  is stored ONLY by the consumer goroutine.
//   Each side loads the other's index, never modifies it.
//
// A slot is published by writing it first, then storing the new index.
// Go atomics are sequentially consistent, so the other side always sees the
// slot contents that precede the index it loaded. No CAS is needed because
// no index ever has two writers.
//
// Popped slots are not cleared. They stay readable until the producer wraps
// around onto them, which is what RewindRead relies on.
// =============================================================================

const cacheLine = 64

// Channel is a fixed-capacity SPSC ring of T.
// TryPush/TryPushBatch: producer only.
// TryPop/PopBatch/RewindRead: consumer only.
// AvailableToRead/AvailableToWrite/Cap/Usable: any goroutine (approximate).
type Channel[T any] struct {
	write atomic.Uint32
	_     [cacheLine - 4]byte
	read  atomic.Uint32
	_     [cacheLine - 4]byte

	slots    []T
	capacity uint32

	// history counts popped slots behind read that have not been re-exposed.
	// Consumer-owned.
	history uint32
}

// New creates a channel that can hold `usable` items at once.
// The slot array has usable+1 entries.
func New[T any](usable int) *Channel[T] {
	if usable < 1 {
		panic("ring: usable size must be >= 1")
	}
	capacity := uint32(usable) + 1
	return &Channel[T]{
		slots:    make([]T, capacity),
		capacity: capacity,
	}
}

// Cap returns the slot count (usable + 1).
func (c *Channel[T]) Cap() int { return int(c.capacity) }

// Usable returns the maximum number of live items.
func (c *Channel[T]) Usable() int { return int(c.capacity) - 1 }

func (c *Channel[T]) next(i uint32) uint32 {
	i++
	if i == c.capacity {
		return 0
	}
	return i
}

func (c *Channel[T]) live(w, r uint32) uint32 {
	return (w + c.capacity - r) % c.capacity
}

// TryPush appends one item. Returns false if the channel is full; nothing
// already stored is touched. Never blocks, never allocates.
func (c *Channel[T]) TryPush(item T) bool {
	w := c.write.Load()
	nw := c.next(w)
	if nw == c.read.Load() {
		return false
	}
	c.slots[w] = item
	c.write.Store(nw)
	return true
}

// TryPushBatch appends the longest prefix of items that fits and publishes
// it with a single store. Returns the number accepted.
func (c *Channel[T]) TryPushBatch(items []T) int {
	if len(items) == 0 {
		return 0
	}
	w := c.write.Load()
	r := c.read.Load()
	free := int(c.capacity - 1 - c.live(w, r))
	n := len(items)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	first := int(c.capacity - w)
	if first >= n {
		copy(c.slots[w:int(w)+n], items[:n])
	} else {
		copy(c.slots[w:], items[:first])
		copy(c.slots[:n-first], items[first:n])
	}

	c.write.Store((w + uint32(n)) % c.capacity)
	return n
}

// TryPop removes the oldest item. ok is false when the channel is empty,
// which is the normal steady state and not an error.
func (c *Channel[T]) TryPop() (item T, ok bool) {
	r := c.read.Load()
	if r == c.write.Load() {
		return item, false
	}
	item = c.slots[r]
	c.read.Store(c.next(r))
	c.addHistory(1)
	return item, true
}

// PopBatch appends every currently readable item to dst and returns it.
// The read index is published once for the whole batch.
func (c *Channel[T]) PopBatch(dst []T) []T {
	r := c.read.Load()
	w := c.write.Load()
	n := c.live(w, r)
	if n == 0 {
		return dst
	}
	if r < w {
		dst = append(dst, c.slots[r:w]...)
	} else {
		dst = append(dst, c.slots[r:]...)
		dst = append(dst, c.slots[:w]...)
	}
	c.read.Store(w)
	c.addHistory(n)
	return dst
}

func (c *Channel[T]) addHistory(n uint32) {
	c.history += n
	if usable := c.capacity - 1; c.history > usable {
		c.history = usable
	}
}

// RewindRead moves the read cursor back by up to n slots, re-exposing items
// that were already popped. The request is clamped to the popped slots the
// producer has not reclaimed yet, so the cursor never crosses into slots
// that were overwritten. Returns the number of slots actually rewound.
//
// A producer push racing with the rewind may still consume the oldest
// re-exposed slot; callers size the channel with headroom for that.
func (c *Channel[T]) RewindRead(n int) int {
	if n <= 0 {
		return 0
	}
	limit := c.history
	if free := uint32(c.AvailableToWrite()); free < limit {
		limit = free
	}
	if uint32(n) > limit {
		n = int(limit)
	}
	if n == 0 {
		return 0
	}
	r := c.read.Load()
	c.read.Store((r + c.capacity - uint32(n)) % c.capacity)
	c.history -= uint32(n)
	return n
}

// AvailableToRead reports the number of live items.
func (c *Channel[T]) AvailableToRead() int {
	r := c.read.Load()
	w := c.write.Load()
	return int(c.live(w, r))
}

// AvailableToWrite reports the number of items that can be pushed now.
func (c *Channel[T]) AvailableToWrite() int {
	r := c.read.Load()
	w := c.write.Load()
	return int(c.capacity - 1 - c.live(w, r))
}
