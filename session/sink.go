package session

import (
	"context"
	"sync"
	"time"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/pkg/buffer"
	"github.com/c360/keymesh/pkg/worker"
)

// Sink receives items delivered by the router. Implementations decide how
// the delivering goroutine is decoupled from the consumer: block on a full
// FIFO, overwrite the oldest ring slot, or invoke a callback.
type Sink[T any] interface {
	// Accept delivers one item.
	Accept(item T) error

	// Close ends delivery. Channel-backed sinks keep buffered items
	// readable; after the drain, Recv fails.
	Close() error
}

// ChannelSink is a bounded FIFO sink. A full buffer blocks the delivering
// goroutine until the consumer reads.
type ChannelSink[T any] struct {
	buf buffer.Buffer[T]
}

// NewChannelSink creates a channel sink with the given capacity. Extra
// buffer options (drop callbacks, metrics) are applied before the FIFO
// policy, which is fixed.
func NewChannelSink[T any](capacity int, opts ...buffer.Option[T]) (*ChannelSink[T], error) {
	opts = append(opts, buffer.WithOverflowPolicy[T](buffer.Block))
	buf, err := buffer.NewCircular[T](capacity, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "ChannelSink", "New", "buffer creation")
	}
	return &ChannelSink[T]{buf: buf}, nil
}

// Accept delivers one item, blocking while the buffer is full.
func (s *ChannelSink[T]) Accept(item T) error {
	return s.buf.Write(item)
}

// Recv blocks until an item is available, the sink is closed and drained,
// or ctx is done.
func (s *ChannelSink[T]) Recv(ctx context.Context) (T, error) {
	return s.buf.ReadWait(ctx)
}

// TryRecv returns immediately with the next item, or false when none is
// buffered.
func (s *ChannelSink[T]) TryRecv() (T, bool) {
	return s.buf.Read()
}

// Stats returns delivery statistics.
func (s *ChannelSink[T]) Stats() *buffer.Statistics {
	return s.buf.Stats()
}

// Close ends delivery. Buffered items remain readable until drained.
func (s *ChannelSink[T]) Close() error {
	return s.buf.Close()
}

// RingSink is a bounded sink that overwrites its oldest buffered item on
// overflow. Delivery never blocks and never fails while the sink is open.
type RingSink[T any] struct {
	buf buffer.Buffer[T]
}

// NewRingSink creates a ring sink with the given capacity.
func NewRingSink[T any](capacity int, opts ...buffer.Option[T]) (*RingSink[T], error) {
	opts = append(opts, buffer.WithOverflowPolicy[T](buffer.DropOldest))
	buf, err := buffer.NewCircular[T](capacity, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "RingSink", "New", "buffer creation")
	}
	return &RingSink[T]{buf: buf}, nil
}

// Accept delivers one item, overwriting the oldest when full.
func (s *RingSink[T]) Accept(item T) error {
	return s.buf.Write(item)
}

// Recv blocks until an item is available, the sink is closed and drained,
// or ctx is done.
func (s *RingSink[T]) Recv(ctx context.Context) (T, error) {
	return s.buf.ReadWait(ctx)
}

// TryRecv returns immediately with the next item, or false when none is
// buffered.
func (s *RingSink[T]) TryRecv() (T, bool) {
	return s.buf.Read()
}

// Stats returns delivery statistics.
func (s *RingSink[T]) Stats() *buffer.Statistics {
	return s.buf.Stats()
}

// Close ends delivery. Buffered items remain readable until drained.
func (s *RingSink[T]) Close() error {
	return s.buf.Close()
}

// CallbackSink invokes a function per delivered item, either on the
// delivering goroutine or on a background worker pool. Close waits for any
// in-flight direct callback to finish, so a caller holding the closed sink
// never observes a late invocation.
type CallbackSink[T any] struct {
	fn   func(T)
	pool *worker.Pool[T]

	mu     sync.RWMutex
	closed bool
}

// CallbackOption configures a callback sink.
type CallbackOption[T any] func(*callbackOptions)

type callbackOptions struct {
	workers   int
	queueSize int
}

// WithBackground dispatches callbacks on a worker pool instead of the
// delivering goroutine, so a slow callback cannot stall the router.
func WithBackground[T any](workers, queueSize int) CallbackOption[T] {
	return func(o *callbackOptions) {
		o.workers = workers
		o.queueSize = queueSize
	}
}

// NewCallbackSink creates a callback sink around fn.
func NewCallbackSink[T any](fn func(T), opts ...CallbackOption[T]) (*CallbackSink[T], error) {
	if fn == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "CallbackSink", "New",
			"callback cannot be nil")
	}

	var o callbackOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &CallbackSink[T]{fn: fn}
	if o.workers > 0 {
		s.pool = worker.NewPool[T](o.workers, o.queueSize, func(_ context.Context, item T) error {
			fn(item)
			return nil
		})
		if err := s.pool.Start(context.Background()); err != nil {
			return nil, errors.Wrap(err, "CallbackSink", "New", "worker pool start")
		}
	}
	return s, nil
}

// Accept invokes the callback with the item, or enqueues it for the pool.
func (s *CallbackSink[T]) Accept(item T) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.WrapInvalid(errors.ErrEntityClosed, "CallbackSink", "Accept", "sink closed")
	}
	if s.pool != nil {
		return s.pool.Submit(item)
	}
	s.fn(item)
	return nil
}

// Close stops delivery. Blocks until in-flight direct callbacks return and
// the background pool, if any, drains.
func (s *CallbackSink[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.pool != nil {
		return s.pool.Stop(5 * time.Second)
	}
	return nil
}

// sinkFunc adapts a pair of functions to the Sink interface. Used for
// internal delivery interceptors.
type sinkFunc[T any] struct {
	accept  func(T) error
	closeFn func() error
}

func (s sinkFunc[T]) Accept(item T) error {
	return s.accept(item)
}

func (s sinkFunc[T]) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}
