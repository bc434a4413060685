// Package interest implements the TTL lock that elects a single producer per
// content key.
//
// Acquiring the lock expresses interest in a key: exactly one requester wins
// and performs the fetch while everyone else requeues and polls. The lock
// carries a holder token so a release or heartbeat from a stale holder can
// never disturb a newer one, and its TTL bounds how long a crashed holder can
// block a key.
package interest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/quartermaster/pkg/coordination"
)

// ErrNotHeld is returned by Release and Extend when the lock is no longer
// held under the caller's token, either because it expired or because another
// holder acquired it afterwards.
var ErrNotHeld = errors.New("interest lock not held under this token")

const keyspace = "interest:"

// Lock coordinates producer election through the shared store.
type Lock struct {
	store coordination.Store
	ttl   time.Duration
}

// New creates a Lock whose acquisitions expire after ttl.
func New(store coordination.Store, ttl time.Duration) *Lock {
	return &Lock{store: store, ttl: ttl}
}

// NewToken returns a fresh holder token. Each acquisition attempt must use
// its own token; tokens are never reused across attempts.
func NewToken() string {
	return uuid.NewString()
}

// TTL returns the lock's expiry window.
func (l *Lock) TTL() time.Duration {
	return l.ttl
}

// TryAcquire attempts to take the lock for key under token. It returns true
// when this caller became the holder and false when another holder is live.
// It never blocks waiting for the lock.
func (l *Lock) TryAcquire(ctx context.Context, key, token string) (bool, error) {
	acquired, err := l.store.SetIfNotExists(ctx, keyspace+key, token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire interest lock for %s: %w", key, err)
	}
	return acquired, nil
}

// Release frees the lock for key, but only when it is still held under
// token. Returns ErrNotHeld when the lock expired or was taken over.
func (l *Lock) Release(ctx context.Context, key, token string) error {
	released, err := l.store.CompareAndDelete(ctx, keyspace+key, token)
	if err != nil {
		return fmt.Errorf("failed to release interest lock for %s: %w", key, err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}

// Extend refreshes the lock's TTL while it is still held under token.
// Returns ErrNotHeld when the extension raced with expiry.
func (l *Lock) Extend(ctx context.Context, key, token string) error {
	refreshed, err := l.store.CompareAndExpire(ctx, keyspace+key, token, l.ttl)
	if err != nil {
		return fmt.Errorf("failed to extend interest lock for %s: %w", key, err)
	}
	if !refreshed {
		return ErrNotHeld
	}
	return nil
}

// StartHeartbeat extends the lock every ttl/3 until the returned stop
// function is called or an extension reports ErrNotHeld. Long fetches stay
// covered without inflating the TTL crashed holders impose on a key.
//
// The stop function blocks until the heartbeat goroutine has exited. Calling
// it more than once is safe.
func (l *Lock) StartHeartbeat(ctx context.Context, key, token string) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Extend(ctx, key, token); err != nil {
					return
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}
