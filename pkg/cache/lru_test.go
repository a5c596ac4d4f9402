package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keymesh/metric"
)

func TestLRUBasicOperations(t *testing.T) {
	c, err := NewLRU[string](4)
	require.NoError(t, err)

	created, err := c.Set("a", "1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("a", "2")
	require.NoError(t, err)
	assert.False(t, created, "second set updates in place")

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 0, c.Size())
}

func TestLRUEvictsOldest(t *testing.T) {
	var evictedKeys []string
	c, err := NewLRU[int](2, WithEvictionCallback[int](func(key string, _ int) {
		evictedKeys = append(evictedKeys, key)
	}))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3) // evicts a

	assert.Equal(t, []string{"a"}, evictedKeys)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Size())
}

func TestLRUGetRefreshesRecency(t *testing.T) {
	c, err := NewLRU[int](2)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)

	// Touch a so b becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)

	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used")
}

func TestLRUKeysOrdered(t *testing.T) {
	c, err := NewLRU[int](4)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Get("a")

	assert.Equal(t, []string{"a", "c", "b"}, c.Keys())
}

func TestLRURejectsInvalidConfig(t *testing.T) {
	_, err := NewLRU[int](0)
	assert.Error(t, err)

	c, err := NewLRU[int](1)
	require.NoError(t, err)
	_, err = c.Set("", 1)
	assert.Error(t, err, "empty keys are rejected")
}

func TestLRUClear(t *testing.T) {
	c, err := NewLRU[int](4)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Keys())
}

func TestLRUStatistics(t *testing.T) {
	c, err := NewLRU[int](2)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3) // eviction
	c.Get("b")    // hit
	c.Get("a")    // miss

	stats := c.Stats()
	assert.EqualValues(t, 3, stats.Sets())
	assert.EqualValues(t, 1, stats.Evictions())
	assert.EqualValues(t, 1, stats.Hits())
	assert.EqualValues(t, 1, stats.Misses())
	assert.InDelta(t, 0.5, stats.HitRatio(), 0.001)
}

func TestLRUWithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewLRU[int](2, WithMetrics[int](registry, "pub_cache"))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Get("a")

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["keymesh_cache_hits_total"])
	assert.True(t, names["keymesh_cache_size"])
}
