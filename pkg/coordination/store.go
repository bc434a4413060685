// Package coordination provides the shared key-value store used for
// cross-worker coordination.
//
// The Store interface is deliberately narrow: the coordinator and the
// primitives built on top of it (interest locks, the reference cache) only
// ever use atomic single-key operations. No caller performs a read-modify-
// write sequence against the store; anything conditional is expressed as a
// dedicated atomic primitive here so an in-memory fake and a distributed
// backend behave identically under concurrency.
package coordination

import (
	"context"
	"time"
)

// Store is the coordination surface shared by all workers.
//
// All operations are atomic with respect to each other. A ttl of zero means
// the entry does not expire.
type Store interface {
	// SetIfNotExists writes value under key only when key is absent.
	// Returns true when the write happened. This is the primitive behind
	// lock acquisition and must never be emulated with Get+Set.
	SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value for key. The second result is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL writes value under key unconditionally.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete removes key only when its current value equals
	// expect. Returns true when the key was removed. Used for token-checked
	// lock release.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// CompareAndExpire refreshes the TTL of key only when its current value
	// equals expect. Returns true when the TTL was refreshed. Used for lock
	// heartbeats.
	CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error)

	// Close releases any underlying connections.
	Close() error
}
