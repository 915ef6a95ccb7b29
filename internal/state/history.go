// Package state keeps recent frames in memory for newly connected UI clients.
package state

import (
	"errors"
	"io/fs"
	"log/slog"
	"sync"

	"motion-recorder/internal/model"
	"motion-recorder/internal/sink"
)

// History is a fixed-size circular buffer of recent items.
// Thread-safe for a single writer (the frame path) and many readers (UI).
type History[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	head     int // index of the next write
	size     int
}

// NewHistory creates a history of fixed capacity. Capacity 0 keeps nothing.
func NewHistory[T any](capacity int) *History[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &History[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Add inserts an item, evicting the oldest when full. O(1).
func (h *History[T]) Add(items ...T) {
	if h.capacity == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, it := range items {
		h.data[h.head] = it
		h.head = (h.head + 1) % h.capacity
		if h.size < h.capacity {
			h.size++
		}
	}
}

// Snapshot returns a copy of all items, oldest first. O(N).
func (h *History[T]) Snapshot() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return nil
	}
	out := make([]T, 0, h.size)
	if h.size < h.capacity {
		return append(out, h.data[:h.head]...)
	}
	// Full: head is the oldest entry.
	out = append(out, h.data[h.head:]...)
	return append(out, h.data[:h.head]...)
}

// Len returns the current number of items.
func (h *History[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// LoadPoseHistory preloads h from the newest tracker take in dir, so a
// restarted recorder still shows the last motion. A missing take is not
// an error.
func LoadPoseHistory(h *History[model.Frame[model.Pose]], dir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	path, err := sink.LatestTake(dir, model.StreamTracker, "csv")
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("state: no previous tracker take", "dir", dir)
		return nil
	}
	if err != nil {
		return err
	}

	frames, err := sink.ReadPoseCSV(path, h.capacity)
	if err != nil {
		return err
	}
	h.Add(frames...)
	logger.Info("state: history preloaded", "path", path, "frames", len(frames))
	return nil
}
