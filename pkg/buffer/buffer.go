// Package buffer provides a generic, thread-safe bounded buffer with
// configurable overflow policies. It backs the delivery sinks of declared
// entities: a FIFO channel sink uses the Block policy, a ring sink uses
// DropOldest so the newest items always fit.
//
// Statistics are always collected; Prometheus metrics can additionally be
// enabled with the WithMetrics functional option.
package buffer

import (
	"context"
)

// Buffer is a bounded, thread-safe buffer of items of type T.
type Buffer[T any] interface {
	// Write adds an item. Behavior on a full buffer depends on the
	// overflow policy.
	Write(item T) error

	// Read retrieves and removes one item without blocking. It returns the
	// zero value and false when the buffer is empty.
	Read() (T, bool)

	// ReadWait retrieves and removes one item, blocking until one is
	// available, the buffer is closed and drained, or ctx is done.
	ReadWait(ctx context.Context) (T, error)

	// ReadBatch retrieves and removes up to max items.
	ReadBatch(max int) []T

	// Peek retrieves one item without removing it.
	Peek() (T, bool)

	// Size returns the current number of buffered items.
	Size() int

	// Capacity returns the maximum number of buffered items.
	Capacity() int

	// IsEmpty reports whether no items are buffered.
	IsEmpty() bool

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close stops the buffer for writing. Buffered items remain readable;
	// once drained, ReadWait returns ErrAlreadyStopped.
	Close() error
}

// OverflowPolicy defines the behavior when a write hits a full buffer.
type OverflowPolicy int

const (
	// Block waits until a reader makes room. FIFO channel semantics.
	Block OverflowPolicy = iota
	// DropOldest overwrites the oldest buffered item. Ring semantics: a
	// write never blocks and never fails.
	DropOldest
	// DropNewest discards the incoming item.
	DropNewest
)

// String returns the string representation of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// DropCallback is invoked with every item discarded by an overflow policy.
type DropCallback[T any] func(item T)

// NewCircular creates a bounded circular buffer with the given capacity.
func NewCircular[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newCircularBuffer[T](capacity, applyOptions(options...))
}
