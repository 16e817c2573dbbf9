package buffer

import (
	"sync"
	"sync/atomic"
)

// RingBuffer is a thread-safe circular buffer that keeps at most capacity
// elements and overwrites the oldest element when full.
//
// Elements are addressed by recency: index 0 is the element pushed last.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	head     int64 // Next write position
	count    int64 // Current number of elements
	capacity int64

	// Statistics
	pushCount  atomic.Int64
	resetCount atomic.Int64
	dropCount  atomic.Int64
}

// New creates a new RingBuffer with the given capacity.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: int64(capacity),
	}
}

// Push adds an element as the newest, overwriting the oldest if full.
// Returns true if an element was evicted.
func (rb *RingBuffer[T]) Push(v T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.pushLocked(v)
}

func (rb *RingBuffer[T]) pushLocked(v T) bool {
	evicted := false
	if rb.count >= rb.capacity {
		rb.count--
		rb.dropCount.Add(1)
		evicted = true
	}

	rb.data[rb.head%rb.capacity] = v
	rb.head++
	rb.count++
	rb.pushCount.Add(1)

	return evicted
}

// Reset replaces the contents with items, given newest first.
// Items beyond capacity are discarded from the tail (oldest end).
// Returns the number of items kept.
func (rb *RingBuffer[T]) Reset(newestFirst []T) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.clearLocked()

	n := len(newestFirst)
	if int64(n) > rb.capacity {
		rb.dropCount.Add(int64(n) - rb.capacity)
		n = int(rb.capacity)
	}

	// Write oldest first so the first item ends up newest.
	for i := n - 1; i >= 0; i-- {
		rb.data[rb.head%rb.capacity] = newestFirst[i]
		rb.head++
		rb.count++
	}
	rb.resetCount.Add(1)

	return n
}

// Newest returns the most recently pushed element.
// Returns false if the buffer is empty.
func (rb *RingBuffer[T]) Newest() (T, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.atLocked(0)
}

func (rb *RingBuffer[T]) atLocked(i int64) (T, bool) {
	var zero T
	if i < 0 || i >= rb.count {
		return zero, false
	}
	idx := (rb.head - 1 - i) % rb.capacity
	if idx < 0 {
		idx += rb.capacity
	}
	return rb.data[idx], true
}

// Items returns a copy of all elements, newest first.
func (rb *RingBuffer[T]) Items() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]T, rb.count)
	for i := int64(0); i < rb.count; i++ {
		out[i], _ = rb.atLocked(i)
	}
	return out
}

// Query returns elements matching fn, newest first, up to limit
// (0 = no limit).
func (rb *RingBuffer[T]) Query(fn func(T) bool, limit int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var results []T
	for i := int64(0); i < rb.count; i++ {
		if limit > 0 && len(results) >= limit {
			break
		}
		v, _ := rb.atLocked(i)
		if fn(v) {
			results = append(results, v)
		}
	}
	return results
}

// Len returns the current number of elements in the buffer.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(rb.count)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer[T]) Cap() int {
	return int(rb.capacity)
}

func (rb *RingBuffer[T]) clearLocked() {
	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.head = 0
	rb.count = 0
}

// Stats returns buffer statistics. DropCount counts elements evicted by
// Push and input truncated by Reset.
func (rb *RingBuffer[T]) Stats() BufferStats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return BufferStats{
		Capacity:   int(rb.capacity),
		Count:      int(rb.count),
		PushCount:  rb.pushCount.Load(),
		ResetCount: rb.resetCount.Load(),
		DropCount:  rb.dropCount.Load(),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity   int
	Count      int
	PushCount  int64
	ResetCount int64
	DropCount  int64
}
