package session

import (
	"github.com/c360/keymesh/pkg/timestamp"
)

// Consolidation is the policy for merging multiple replies to one query
// into the final result set. Consolidation keys on the reply's sample key;
// error replies always pass through.
type Consolidation uint8

const (
	// ConsolidationAuto lets the session choose: Latest when several
	// responders may answer the same key (more than one matched queryable,
	// or a transport attached), Monotonic otherwise. Default.
	ConsolidationAuto Consolidation = iota
	// ConsolidationNone passes every reply through unchanged.
	ConsolidationNone
	// ConsolidationMonotonic forwards a reply on arrival unless a reply
	// for the same key with an equal or more recent timestamp was already
	// forwarded. Never reorders; may suppress late stragglers.
	ConsolidationMonotonic
	// ConsolidationLatest withholds all replies until the query finalizes,
	// then emits exactly one reply per key, the most recent.
	ConsolidationLatest
)

// String returns the string representation of the policy.
func (c Consolidation) String() string {
	switch c {
	case ConsolidationAuto:
		return "auto"
	case ConsolidationNone:
		return "none"
	case ConsolidationMonotonic:
		return "monotonic"
	case ConsolidationLatest:
		return "latest"
	default:
		return "unknown"
	}
}

func resolveConsolidation(c Consolidation, localMatched int, hasTransport bool) Consolidation {
	if c != ConsolidationAuto {
		return c
	}
	if localMatched > 1 || hasTransport {
		return ConsolidationLatest
	}
	return ConsolidationMonotonic
}

// consolidator applies one policy to a stream of successful replies.
// offer reports whether the reply should be forwarded immediately; flush
// returns the replies withheld until finalization. Callers serialize
// access.
type consolidator interface {
	offer(r Reply) bool
	flush() []Reply
}

func newConsolidator(c Consolidation) consolidator {
	switch resolveConsolidation(c, 0, false) {
	case ConsolidationNone:
		return noneConsolidator{}
	case ConsolidationLatest:
		return &latestConsolidator{best: make(map[string]Reply)}
	default:
		return &monotonicConsolidator{latest: make(map[string]timestamp.Timestamp)}
	}
}

type noneConsolidator struct{}

func (noneConsolidator) offer(Reply) bool { return true }
func (noneConsolidator) flush() []Reply   { return nil }

type monotonicConsolidator struct {
	latest map[string]timestamp.Timestamp
}

func (c *monotonicConsolidator) offer(r Reply) bool {
	key := r.Sample.Key.String()
	ts := r.Sample.Timestamp
	if prev, ok := c.latest[key]; ok && !ts.After(prev) {
		return false
	}
	c.latest[key] = ts
	return true
}

func (c *monotonicConsolidator) flush() []Reply { return nil }

type latestConsolidator struct {
	best  map[string]Reply
	order []string
}

func (c *latestConsolidator) offer(r Reply) bool {
	key := r.Sample.Key.String()
	prev, ok := c.best[key]
	if !ok {
		c.order = append(c.order, key)
		c.best[key] = r
		return false
	}
	if r.Sample.Timestamp.After(prev.Sample.Timestamp) {
		c.best[key] = r
	}
	return false
}

func (c *latestConsolidator) flush() []Reply {
	out := make([]Reply, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.best[key])
	}
	c.best = make(map[string]Reply)
	c.order = nil
	return out
}
