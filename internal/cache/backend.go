// Package cache provides the key/value persistence used for relay lists,
// relay configuration and discovery snapshots.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// CacheBackend defines the interface for cache implementations
type CacheBackend interface {
	// Get retrieves a value from the cache
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with the given TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// GetMultiple retrieves multiple values from the cache
	// Returns a map of found keys to values
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMultiple stores multiple values with the given TTL
	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Close closes the cache connection
	Close() error
}

// GetJSON loads and decodes a JSON value. A value that fails to decode is reported as not found.
func GetJSON[T any](ctx context.Context, backend CacheBackend, key string) (T, bool, error) {
	var out T
	data, found, err := backend.Get(ctx, key)
	if err != nil || !found {
		return out, false, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false, nil
	}
	return out, true, nil
}

// SetJSON encodes and stores a JSON value.
func SetJSON(ctx context.Context, backend CacheBackend, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return backend.Set(ctx, key, data, ttl)
}
