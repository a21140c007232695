// Package listcache implements the short-TTL cache of remote folder
// listings (SPEC_FULL.md ยง4.8): a parent path maps to the set of child
// names observed at a point in time, expiring after contentCacheTTL.
package listcache

import (
	"sync"
	"time"
)

// entry is one cached listing (ยง3 ListCacheEntry).
type entry struct {
	timestamp time.Time
	names     []string
}

// Cache is a share-wide TTL cache of remote folder listings, keyed by
// parent path.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// New creates a Cache with the given TTL (the configured contentCacheTTL).
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached names for parent if the entry exists and has not
// expired. The bool result reports a cache hit.
func (c *Cache) Get(parent string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[parent]
	if !ok {
		return nil, false
	}

	if c.now().Sub(e.timestamp) > c.ttl {
		delete(c.entries, parent)
		return nil, false
	}

	out := make([]string, len(e.names))
	copy(out, e.names)

	return out, true
}

// Put stores names for parent, timestamped now.
func (c *Cache) Put(parent string, names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]string, len(names))
	copy(cp, names)

	c.entries[parent] = entry{timestamp: c.now(), names: cp}
}

// Invalidate clears the entry for path. When deep is true, it also clears
// every cached entry whose parent path is a descendant of path
// (invalidateContentCache(path, deep), ยง4.8).
func (c *Cache) Invalidate(path string, deep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)

	if !deep {
		return
	}

	prefix := path
	if prefix != "/" {
		prefix += "/"
	}

	for k := range c.entries {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}
