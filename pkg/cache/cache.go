// Package cache provides a generic, thread-safe LRU cache. It bounds the
// per-key publication history of caching publishers: each cache entry holds
// the replay ring for one concrete key, and the least recently published key
// is evicted when the key limit is exceeded.
//
// Statistics are always collected; Prometheus metrics can additionally be
// enabled with the WithMetrics functional option.
package cache

import (
	"github.com/c360/keymesh/errors"
)

// Cache is a bounded key/value cache parameterized by value type V.
type Cache[V any] interface {
	// Get retrieves a value by key and marks it as recently used.
	Get(key string) (V, bool)

	// Set stores a value. Returns true when a new entry was created, false
	// when an existing entry was updated.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true when the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns all keys, most recently used first.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics
}

// EvictCallback is called with the key and value of every evicted entry.
type EvictCallback[V any] func(key string, value V)

// NewLRU creates an LRU cache holding at most maxSize entries.
func NewLRU[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU",
			"max size must be positive")
	}
	return newLRUCache[V](maxSize, applyOptions(options...))
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
