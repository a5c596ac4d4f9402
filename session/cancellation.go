package session

import (
	"sync"

	"github.com/c360/keymesh/errors"
)

// CancellationToken stops every query associated with it. After Cancel
// returns, no reply delivery attributed to those queries is still running:
// if a callback sink is mid-invocation, Cancel blocks until it completes.
type CancellationToken struct {
	mu        sync.Mutex
	cancelled bool
	queries   map[*pendingQuery]struct{}
}

// NewCancellationToken creates an active token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{queries: make(map[*pendingQuery]struct{})}
}

func (t *CancellationToken) register(pq *pendingQuery) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "CancellationToken", "register",
			"token already cancelled")
	}
	t.queries[pq] = struct{}{}
	return nil
}

// Cancel finalizes all associated queries and waits for their in-flight
// reply deliveries to finish. Idempotent.
func (t *CancellationToken) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	pending := make([]*pendingQuery, 0, len(t.queries))
	for pq := range t.queries {
		pending = append(pending, pq)
	}
	t.queries = nil
	t.mu.Unlock()

	for _, pq := range pending {
		pq.finalize()
	}
	for _, pq := range pending {
		pq.wait()
	}
}

// Cancelled reports whether the token has been cancelled.
func (t *CancellationToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}
