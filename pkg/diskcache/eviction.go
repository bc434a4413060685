package diskcache

import "os"

// Eviction keeps the cache within its byte budget. Entries are removed in
// access order, oldest first. Pinned entries (currently read by an uploader)
// and in-flight fetches are never touched, so the cache can temporarily
// exceed its budget while every resident entry is in use.

// evictToBudgetLocked removes oldest entries until totalSize <= budget.
// Caller must hold c.mu. A budget of zero disables the cache bound.
func (c *Cache) evictToBudgetLocked() {
	if c.budget == 0 {
		return
	}

	for c.totalSize.Load() > c.budget {
		victim := c.oldestEvictableLocked()
		if victim == "" {
			return
		}
		e := c.entries[victim]
		delete(c.entries, victim)
		c.totalSize.Add(^(e.size - 1)) // atomic subtract
		_ = os.Remove(e.path)
		if c.metrics != nil {
			c.metrics.RecordEviction(e.size)
		}
	}
}

// oldestEvictableLocked returns the key of the least recently accessed
// unpinned entry, or "" when every entry is pinned. Caller must hold c.mu.
func (c *Cache) oldestEvictableLocked() string {
	var (
		oldestKey string
		oldestSeq uint64
	)
	for key, e := range c.entries {
		if e.pins > 0 {
			continue
		}
		if oldestKey == "" || e.lastAccess < oldestSeq {
			oldestKey = key
			oldestSeq = e.lastAccess
		}
	}
	return oldestKey
}
