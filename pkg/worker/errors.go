package worker

import "errors"

// Sentinel errors for worker pool operations. These are plain errors rather
// than classified ones: pool failures are either programming errors or a
// backpressure signal, never something a retry layer should interpret.
var (
	// ErrPoolNotStarted indicates Submit was called before Start
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped indicates the pool has been stopped
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted indicates Start was called twice
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull indicates the work queue is at capacity
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrNilProcessor indicates a nil processor function was provided
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout indicates the pool did not stop within the timeout
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)
