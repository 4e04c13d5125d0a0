// Package container implements container data structures.
package container

import (
	"sync"
	"sync/atomic"
)

const (
	// segmentBits determines the size of each segment.
	// 12 bits = 4096 items per segment.
	segmentBits = 12
	segmentSize = 1 << segmentBits
	segmentMask = segmentSize - 1
)

// SegmentedArray is a segmented array with stable element addresses.
// Reads are lock-free; growth is serialized. Segments are never moved once
// allocated, so pointers returned by Ptr stay valid for the array's lifetime.
type SegmentedArray[T any] struct {
	segments atomic.Pointer[[]*Segment[T]]
	mu       sync.Mutex // Protects growth
}

// Segment is a fixed-size array of items.
type Segment[T any] struct {
	items [segmentSize]T
}

// NewSegmentedArray creates a new SegmentedArray.
func NewSegmentedArray[T any]() *SegmentedArray[T] {
	sa := &SegmentedArray[T]{}
	segments := make([]*Segment[T], 0)
	sa.segments.Store(&segments)
	return sa
}

// Cap returns the number of addressable items.
func (sa *SegmentedArray[T]) Cap() int {
	return len(*sa.segments.Load()) * segmentSize
}

// Get returns the item at the given index.
// Returns zero value if index is out of bounds.
func (sa *SegmentedArray[T]) Get(index uint32) (T, bool) {
	p := sa.Ptr(index)
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// Ptr returns a pointer to the item at the given index, or nil when the
// segment holding it has not been allocated.
func (sa *SegmentedArray[T]) Ptr(index uint32) *T {
	segments := *sa.segments.Load()
	segIdx := int(index >> segmentBits)
	if segIdx >= len(segments) {
		return nil
	}
	return &segments[segIdx].items[index&segmentMask]
}

// Set sets the item at the given index, growing the array if necessary.
func (sa *SegmentedArray[T]) Set(index uint32, value T) {
	if p := sa.Ptr(index); p != nil {
		*p = value
		return
	}
	sa.Grow(int(index) + 1)
	*sa.Ptr(index) = value
}

// Grow ensures at least n items are addressable and returns the new capacity.
func (sa *SegmentedArray[T]) Grow(n int) int {
	if n <= sa.Cap() {
		return sa.Cap()
	}

	sa.mu.Lock()
	defer sa.mu.Unlock()

	current := *sa.segments.Load()
	need := (n + segmentSize - 1) >> segmentBits
	if need <= len(current) {
		return len(current) * segmentSize
	}

	grown := make([]*Segment[T], need)
	copy(grown, current)
	for i := len(current); i < need; i++ {
		grown[i] = &Segment[T]{}
	}

	// Publish new segments
	sa.segments.Store(&grown)
	return need * segmentSize
}
