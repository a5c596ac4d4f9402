package transport

import (
	"sync"

	"github.com/c360/keymesh/errors"
)

// MemoryBus joins in-process endpoints. An envelope sent on one endpoint is
// delivered to every other endpoint on the bus. Delivery runs on a dedicated
// goroutine per endpoint so a slow receiver never blocks the sender's
// routing path.
type MemoryBus struct {
	mu        sync.RWMutex
	endpoints []*memoryEndpoint
	closed    bool
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Endpoint attaches a new endpoint to the bus.
func (b *MemoryBus) Endpoint() Transport {
	ep := &memoryEndpoint{
		bus:    b,
		inbox:  make(chan Envelope, 256),
		closed: make(chan struct{}),
	}
	go ep.deliverLoop()

	b.mu.Lock()
	b.endpoints = append(b.endpoints, ep)
	b.mu.Unlock()
	return ep
}

// Close detaches all endpoints.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	endpoints := b.endpoints
	b.endpoints = nil
	b.closed = true
	b.mu.Unlock()

	for _, ep := range endpoints {
		ep.closeLocked()
	}
	return nil
}

func (b *MemoryBus) broadcast(from *memoryEndpoint, env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ep := range b.endpoints {
		if ep == from {
			continue
		}
		select {
		case ep.inbox <- env:
		case <-ep.closed:
		}
	}
}

func (b *MemoryBus) detach(ep *memoryEndpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.endpoints {
		if e == ep {
			b.endpoints = append(b.endpoints[:i], b.endpoints[i+1:]...)
			return
		}
	}
}

type memoryEndpoint struct {
	bus   *MemoryBus
	inbox chan Envelope

	mu        sync.RWMutex
	recv      ReceiveFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// Send broadcasts the envelope to every other endpoint on the bus.
func (ep *memoryEndpoint) Send(env Envelope) error {
	select {
	case <-ep.closed:
		return errors.WrapInvalid(errors.ErrNotConnected, "MemoryEndpoint", "Send", "endpoint closed")
	default:
	}
	ep.bus.broadcast(ep, env)
	return nil
}

// OnReceive registers the inbound handler.
func (ep *memoryEndpoint) OnReceive(fn ReceiveFunc) {
	ep.mu.Lock()
	ep.recv = fn
	ep.mu.Unlock()
}

// Close detaches the endpoint from the bus.
func (ep *memoryEndpoint) Close() error {
	ep.bus.detach(ep)
	ep.closeLocked()
	return nil
}

func (ep *memoryEndpoint) closeLocked() {
	ep.closeOnce.Do(func() {
		close(ep.closed)
	})
}

func (ep *memoryEndpoint) deliverLoop() {
	for {
		select {
		case <-ep.closed:
			return
		case env := <-ep.inbox:
			ep.mu.RLock()
			fn := ep.recv
			ep.mu.RUnlock()
			if fn != nil {
				fn(env)
			}
		}
	}
}
