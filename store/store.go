// Package store provides counter storage backends for quota enforcement.
package store

import (
	"context"
	"time"
)

// Store is a shared counter store keyed by string.
// Implementations must be safe for concurrent use, and every operation on a
// single key must be atomic with respect to every other operation on that key.
type Store interface {
	// Increment adds one to the counter for key and returns the new count and
	// the time remaining until the counter expires. When the key is absent or
	// expired it is created at 1 with an expiry of ttlIfNew. The expiry of an
	// existing key is never extended.
	Increment(ctx context.Context, key string, ttlIfNew time.Duration) (count int64, ttl time.Duration, err error)

	// Decrement subtracts one from the counter for key and returns the new count.
	// The counter never goes below zero, and a missing or expired key is not
	// recreated.
	Decrement(ctx context.Context, key string) (int64, error)

	// Get retrieves the current count for the given key without incrementing.
	// Returns 0 if the key doesn't exist.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
