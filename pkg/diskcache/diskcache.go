// Package diskcache is the worker-local staging area for fetched media.
//
// Fetched files land here before upload so a re-request served by the same
// worker can skip the fetch entirely. Entries become visible only after a
// complete fetch: the fetcher writes into a temp file which is renamed into
// place, so a crash mid-fetch leaves no half-written entry behind.
package diskcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// partialSuffix marks in-progress fetch files. Leftovers are swept on startup.
const partialSuffix = ".partial"

// FetchFunc produces the content for a key by writing it to dest. It must
// write the complete file or return an error; partial writes are discarded.
type FetchFunc func(ctx context.Context, dest string) error

// Metrics collects cache telemetry. A nil Metrics disables collection.
type Metrics interface {
	// RecordHit counts a lookup answered from disk.
	RecordHit()

	// RecordMiss counts a lookup that had to fetch.
	RecordMiss()

	// RecordEviction counts bytes removed to stay within budget.
	RecordEviction(bytes uint64)

	// RecordSize reports the total bytes currently held.
	RecordSize(bytes uint64)
}

// entry is a fully fetched file in the cache.
type entry struct {
	path       string
	size       uint64
	lastAccess uint64 // access-order counter, not wall time
	pins       int    // readers currently using the file
}

// Cache is a size-budgeted file cache keyed by content key.
type Cache struct {
	dir     string
	budget  uint64
	metrics Metrics

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]chan struct{}

	totalSize atomic.Uint64
	accessSeq atomic.Uint64
}

// New opens (or creates) a cache rooted at dir with the given byte budget.
// Leftover partial files from a previous run are removed and completed files
// are re-registered so the budget stays accurate across restarts.
func New(dir string, budget uint64) (*Cache, error) {
	return NewWithMetrics(dir, budget, nil)
}

// NewWithMetrics is New with cache telemetry attached.
func NewWithMetrics(dir string, budget uint64, metrics Metrics) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}

	c := &Cache{
		dir:      dir,
		budget:   budget,
		metrics:  metrics,
		entries:  make(map[string]*entry),
		inflight: make(map[string]chan struct{}),
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache directory %s: %w", dir, err)
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(dir, de.Name())
		if strings.HasSuffix(de.Name(), partialSuffix) {
			_ = os.Remove(path)
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		size := uint64(info.Size())
		c.entries[de.Name()] = &entry{
			path:       path,
			size:       size,
			lastAccess: c.accessSeq.Add(1),
		}
		c.totalSize.Add(size)
	}

	c.mu.Lock()
	c.evictToBudgetLocked()
	c.mu.Unlock()

	return c, nil
}

// Size returns the total bytes currently held.
func (c *Cache) Size() uint64 {
	return c.totalSize.Load()
}

// GetOrFetch returns a path to the cached file for key, fetching it first
// when absent. Concurrent calls for the same key share one fetch.
//
// The returned release function unpins the entry and must be called once the
// caller is done reading the file; a pinned entry is never evicted.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (path string, release func(), err error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.lastAccess = c.accessSeq.Add(1)
			e.pins++
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.RecordHit()
			}
			return e.path, c.releaseFunc(key), nil
		}

		wait, fetching := c.inflight[key]
		if !fetching {
			done := make(chan struct{})
			c.inflight[key] = done
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.RecordMiss()
			}
			return c.fetchAndRegister(ctx, key, fetch, done)
		}
		c.mu.Unlock()

		// Another caller is fetching this key; wait and re-check. The
		// fetch may have failed, in which case this caller retries it.
		select {
		case <-wait:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

// fetchAndRegister runs the fetch into a temp file, renames it into place and
// registers the entry. The caller must have claimed the in-flight slot for
// key; done is closed on every exit path.
func (c *Cache) fetchAndRegister(ctx context.Context, key string, fetch FetchFunc, done chan struct{}) (string, func(), error) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(done)
	}()

	tmp := filepath.Join(c.dir, key+"."+uuid.NewString()+partialSuffix)
	if err := fetch(ctx, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", nil, fmt.Errorf("fetch for %s failed: %w", key, err)
	}

	info, err := os.Stat(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return "", nil, fmt.Errorf("failed to stat fetched file for %s: %w", key, err)
	}

	final := filepath.Join(c.dir, key)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", nil, fmt.Errorf("failed to publish fetched file for %s: %w", key, err)
	}

	size := uint64(info.Size())

	c.mu.Lock()
	c.entries[key] = &entry{
		path:       final,
		size:       size,
		lastAccess: c.accessSeq.Add(1),
		pins:       1,
	}
	c.totalSize.Add(size)
	c.evictToBudgetLocked()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordSize(c.totalSize.Load())
	}
	return final, c.releaseFunc(key), nil
}

// releaseFunc returns the unpin closure for key. Safe to call once; further
// calls are no-ops.
func (c *Cache) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if e, ok := c.entries[key]; ok && e.pins > 0 {
				e.pins--
			}
			c.mu.Unlock()
		})
	}
}

// Remove deletes the entry for key immediately, pinned or not. Used when the
// entry is known to be bad.
func (c *Cache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	delete(c.entries, key)
	c.totalSize.Add(^(e.size - 1)) // atomic subtract
	return os.Remove(e.path)
}
