package services

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

const (
	// DefaultCacheTTL is how long loaded children stay valid.
	DefaultCacheTTL = 30 * time.Minute

	// DefaultCacheMaxEntries bounds the cache; the least recently read
	// entry is evicted when full.
	DefaultCacheMaxEntries = 4096
)

// CacheKey identifies one load: the parent node, the schema filter and the
// requested kind.
func CacheKey(parentID, schemaFilter string, kind models.ObjectKind) string {
	return parentID + ":" + schemaFilter + ":" + kind.String()
}

// LazyLoadCache maps cache keys to snapshots of loaded children. Loads in
// progress hold a reservation; invalidating a key cancels its reservation so
// a load that started before the invalidation cannot store its result.
type LazyLoadCache struct {
	mu         sync.Mutex
	entries    map[string]*treeCacheEntry
	pending    map[string]uint64
	seq        uint64
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type treeCacheEntry struct {
	nodes      []models.LazyTreeNode
	hasMore    bool
	cachedAt   time.Time
	lastAccess time.Time
}

// NewLazyLoadCache returns an empty cache. Non-positive arguments select the
// defaults; a nil now uses time.Now.
func NewLazyLoadCache(ttl time.Duration, maxEntries int, now func() time.Time) *LazyLoadCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	return &LazyLoadCache{
		entries:    make(map[string]*treeCacheEntry),
		pending:    make(map[string]uint64),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
	}
}

// TTL returns the configured lifetime of an entry.
func (c *LazyLoadCache) TTL() time.Duration { return c.ttl }

// Get returns a copy of the cached children and whether the load was
// truncated. Expired entries are dropped and reported as a miss.
func (c *LazyLoadCache) Get(key string) ([]models.LazyTreeNode, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	now := c.now()
	if now.Sub(entry.cachedAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false, false
	}
	entry.lastAccess = now
	return models.CloneNodes(entry.nodes), entry.hasMore, true
}

// Put stores a copy of nodes under key and returns the cache time.
func (c *LazyLoadCache) Put(key string, nodes []models.LazyTreeNode, hasMore bool) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(key, nodes, hasMore)
}

// Reserve records that key is being loaded and returns the ticket Commit
// needs.
func (c *LazyLoadCache) Reserve(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.pending[key] = c.seq
	return c.seq
}

// Commit stores nodes under key only if the reservation is still held. It
// reports false when the key was invalidated or cleared since Reserve.
func (c *LazyLoadCache) Commit(key string, ticket uint64, nodes []models.LazyTreeNode, hasMore bool) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if held, ok := c.pending[key]; !ok || held != ticket {
		return time.Time{}, false
	}
	delete(c.pending, key)
	return c.putLocked(key, nodes, hasMore), true
}

// Release drops a reservation without storing anything.
func (c *LazyLoadCache) Release(key string, ticket uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[key] == ticket {
		delete(c.pending, key)
	}
}

// putLocked must be called with c.mu held.
func (c *LazyLoadCache) putLocked(key string, nodes []models.LazyTreeNode, hasMore bool) time.Time {
	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	c.entries[key] = &treeCacheEntry{
		nodes:      models.CloneNodes(nodes),
		hasMore:    hasMore,
		cachedAt:   now,
		lastAccess: now,
	}
	return now
}

// evictLRU must be called with c.mu held.
func (c *LazyLoadCache) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastAccess.Before(oldest) {
			oldestKey = key
			oldest = entry.lastAccess
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// InvalidatePrefix removes every key starting with prefix and returns how
// many were removed.
func (c *LazyLoadCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	for key := range c.pending {
		if strings.HasPrefix(key, prefix) {
			delete(c.pending, key)
		}
	}
	return removed
}

// Cleanup removes expired entries.
func (c *LazyLoadCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.cachedAt) >= c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear empties the cache.
func (c *LazyLoadCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	clear(c.entries)
	clear(c.pending)
	return n
}

func (c *LazyLoadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the cached keys in sorted order.
func (c *LazyLoadCache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	slices.Sort(keys)
	return keys
}
