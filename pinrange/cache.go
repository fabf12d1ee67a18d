package pinrange

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheCapacity bounds the metadata cache when no capacity is
// configured.
const DefaultCacheCapacity = 1024

// MetadataCache persists object metadata across read sessions to avoid
// a metadata round trip on every session start.
//
// The cache is an optimization, not a correctness mechanism: removing
// it changes call volume, never read outcomes, because pinning happens
// at the session level regardless. Entries describing an immutable
// version (non-empty VersionID) are valid forever and leave only under
// capacity pressure; unpinned entries go stale after the TTL because
// "current" can change underneath them.
//
// MetadataCache is safe for concurrent use. Per-key fetch locks let
// callers serialize metadata fetches for one key without serializing
// unrelated keys.
type MetadataCache struct {
	entries *lru.Cache[string, CacheEntry]
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMetadataCache creates a cache holding at most capacity entries
// (LRU-evicted) whose unpinned entries expire after ttl. A zero
// capacity uses DefaultCacheCapacity. A zero ttl makes every unpinned
// entry immediately stale, which effectively disables caching for
// non-versioned objects while keeping pinned entries served.
func NewMetadataCache(capacity int, ttl time.Duration) (*MetadataCache, error) {
	if capacity < 0 {
		return nil, errors.New("pinrange: cache capacity must not be negative")
	}
	if capacity == 0 {
		capacity = DefaultCacheCapacity
	}
	entries, err := lru.New[string, CacheEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &MetadataCache{
		entries: entries,
		ttl:     ttl,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Get returns the cached entry for key. Unpinned entries older than
// the TTL are treated as not found (and dropped); pinned entries are
// returned regardless of age.
func (c *MetadataCache) Get(key string) (CacheEntry, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return CacheEntry{}, false
	}
	if entry.VersionID == "" && c.now().Sub(entry.FetchedAt) >= c.ttl {
		c.entries.Remove(key)
		return CacheEntry{}, false
	}
	return entry, true
}

// Put inserts or replaces the entry for key. Only one entry is
// retained per key.
func (c *MetadataCache) Put(key string, entry CacheEntry) {
	c.entries.Add(key, entry)
}

// Len returns the number of live entries, expired or not.
func (c *MetadataCache) Len() int {
	return c.entries.Len()
}

// keyLock returns the mutex serializing metadata fetches for key.
// Lock lifetimes are tied to the cache, not to entries, so a lock
// survives eviction of its entry.
func (c *MetadataCache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.locks[key]
	if l == nil {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}
