package advanced

import (
	"sync"

	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/pkg/cache"
	"github.com/c360/keymesh/sample"
)

// pubCache retains the most recent publications per key: an LRU over keys
// whose values are bounded FIFO rings of samples. Both dimensions are
// bounded, so the cache cannot grow with key cardinality or publish rate.
type pubCache struct {
	maxSamples int

	mu    sync.Mutex
	rings cache.Cache[*keyRing]
}

func newPubCache(cfg CacheConfig) (*pubCache, error) {
	rings, err := cache.NewLRU[*keyRing](cfg.maxKeys())
	if err != nil {
		return nil, err
	}
	return &pubCache{maxSamples: cfg.MaxSamples, rings: rings}, nil
}

func (c *pubCache) store(smp *sample.Sample) {
	key := smp.Key.String()

	c.mu.Lock()
	ring, ok := c.rings.Get(key)
	if !ok {
		ring = &keyRing{}
		if _, err := c.rings.Set(key, ring); err != nil {
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	ring.add(smp, c.maxSamples)
}

// matching returns the cached samples whose key intersects ke, optionally
// restricted to an inclusive sequence range. Samples per key come back in
// publication order.
func (c *pubCache) matching(ke keyexpr.KeyExpr, first, last uint64, ranged bool) []*sample.Sample {
	c.mu.Lock()
	var rings []*keyRing
	for _, key := range c.rings.Keys() {
		ck, err := keyexpr.New(key)
		if err != nil || !ke.Intersects(ck) {
			continue
		}
		if ring, ok := c.rings.Get(key); ok {
			rings = append(rings, ring)
		}
	}
	c.mu.Unlock()

	var out []*sample.Sample
	for _, ring := range rings {
		for _, smp := range ring.snapshot() {
			if ranged && smp.SourceInfo != nil &&
				(smp.SourceInfo.Seq < first || smp.SourceInfo.Seq > last) {
				continue
			}
			out = append(out, smp)
		}
	}
	return out
}

// keyRing is the per-key bounded FIFO of cached samples.
type keyRing struct {
	mu      sync.Mutex
	samples []*sample.Sample
}

func (r *keyRing) add(smp *sample.Sample, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, smp)
	if len(r.samples) > max {
		r.samples = r.samples[len(r.samples)-max:]
	}
}

func (r *keyRing) snapshot() []*sample.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*sample.Sample, len(r.samples))
	copy(out, r.samples)
	return out
}
