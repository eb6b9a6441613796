// Package ring provides a fixed-capacity FIFO buffer that keeps the most
// recent entries and silently drops the oldest.
package ring

import "sync"

// Buffer is a thread-safe ring buffer holding the last N values.
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
	size  int
	pos   int
	full  bool
}

// New creates a buffer that stores the last n values. n must be positive.
func New[T any](n int) *Buffer[T] {
	if n <= 0 {
		n = 1
	}
	return &Buffer[T]{
		items: make([]T, n),
		size:  n,
	}
}

// Add appends v, evicting the oldest value when the buffer is full.
func (b *Buffer[T]) Add(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.pos] = v
	b.pos = (b.pos + 1) % b.size
	if b.pos == 0 {
		b.full = true
	}
}

// Len returns the number of stored values.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return b.size
	}
	return b.pos
}

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int { return b.size }

// Values returns all stored values in order, oldest first.
func (b *Buffer[T]) Values() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		result := make([]T, b.pos)
		copy(result, b.items[:b.pos])
		return result
	}

	result := make([]T, b.size)
	copy(result, b.items[b.pos:])
	copy(result[b.size-b.pos:], b.items[:b.pos])
	return result
}

// Last returns the last n values. If fewer exist, returns all of them.
func (b *Buffer[T]) Last(n int) []T {
	all := b.Values()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Reset empties the buffer.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.pos = 0
	b.full = false
}
