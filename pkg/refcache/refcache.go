// Package refcache stores remote references to already-processed content.
//
// A hit here is the fast path of the whole pipeline: the requester gets a
// ready reference without touching the interest lock, the disk cache, or the
// fetcher. Entries expire with the reference they point at, and expiry is
// enforced lazily on every lookup so a reference is never handed out past its
// validity, regardless of how the backing store rounds TTLs.
package refcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marmos91/quartermaster/pkg/coordination"
)

const keyspace = "ref:"

// RemoteReference points at processed content in the object store. URL is a
// presigned GET with a bounded lifetime; Bucket and ObjectKey identify the
// underlying object so holders can re-check its existence.
type RemoteReference struct {
	URL       string    `json:"url"`
	Bucket    string    `json:"bucket"`
	ObjectKey string    `json:"object_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// entry is the stored form of a cached reference.
type entry struct {
	Reference RemoteReference `json:"reference"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Cache maps content keys to remote references through the shared store.
type Cache struct {
	store coordination.Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Cache whose entries live at most ttl.
func New(store coordination.Store, ttl time.Duration) *Cache {
	return NewWithClock(store, ttl, time.Now)
}

// NewWithClock creates a Cache with an injectable clock.
func NewWithClock(store coordination.Store, ttl time.Duration, now func() time.Time) *Cache {
	return &Cache{store: store, ttl: ttl, now: now}
}

// Lookup returns the cached reference for key. The second result is false
// when no entry exists or the entry has expired; an expired entry is treated
// exactly like an absent one.
func (c *Cache) Lookup(ctx context.Context, key string) (RemoteReference, bool, error) {
	raw, found, err := c.store.Get(ctx, keyspace+key)
	if err != nil {
		return RemoteReference{}, false, fmt.Errorf("failed to look up reference for %s: %w", key, err)
	}
	if !found {
		return RemoteReference{}, false, nil
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// An undecodable entry is useless; drop it so the key can be
		// re-produced instead of failing every subsequent lookup.
		_ = c.store.Delete(ctx, keyspace+key)
		return RemoteReference{}, false, nil
	}

	if !e.ExpiresAt.After(c.now()) {
		return RemoteReference{}, false, nil
	}
	return e.Reference, true, nil
}

// Store caches ref under key. The entry's lifetime is the cache TTL clamped
// to the reference's own expiry, so the cache never outlives the presigned
// URL it hands out.
func (c *Cache) Store(ctx context.Context, key string, ref RemoteReference) error {
	now := c.now()

	ttl := c.ttl
	if !ref.ExpiresAt.IsZero() {
		if remaining := ref.ExpiresAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return fmt.Errorf("reference for %s already expired at %s", key, ref.ExpiresAt)
	}

	raw, err := json.Marshal(entry{
		Reference: ref,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to encode reference for %s: %w", key, err)
	}

	if err := c.store.SetWithTTL(ctx, keyspace+key, string(raw), ttl); err != nil {
		return fmt.Errorf("failed to store reference for %s: %w", key, err)
	}
	return nil
}

// Invalidate removes the entry for key. Used when a cached reference turns
// out to point at a missing object.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, keyspace+key); err != nil {
		return fmt.Errorf("failed to invalidate reference for %s: %w", key, err)
	}
	return nil
}
