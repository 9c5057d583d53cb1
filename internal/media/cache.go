// ABOUTME: Bounded LRU+TTL cache for transient inbound attachments.
// ABOUTME: Keyed by (tenant, message); evicts least-recently-used at capacity, expires lazily.

package media

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds the number of cached attachments.
	DefaultCapacity = 200
	// DefaultTTL bounds how long an attachment stays retrievable.
	DefaultTTL = time.Hour
)

// Item is a cached attachment. Bytes are immutable once stored.
type Item struct {
	Bytes       []byte
	Mime        string
	Filename    string
	Size        int
	ContentHash string
	CapturedAt  time.Time
}

// cacheEntry stores the item and its list element for O(1) recency updates.
type cacheEntry struct {
	key      string
	item     *Item
	storedAt time.Time
	element  *list.Element
}

// Cache is a thread-safe, capacity- and TTL-bounded store for attachments
// shared across all tenants. Reads refresh recency, so eviction always
// removes the least-recently-used entry. Expiry is lazy on Get; a
// background sweep additionally reclaims memory for never-read entries.
type Cache struct {
	mu       sync.Mutex
	items    map[string]*cacheEntry
	order    *list.List // keys in recency order (LRU at front)
	ttl      time.Duration
	capacity int
	done     chan struct{}
	closed   bool
}

// Key builds the cache key for a tenant's message. Cache identity is per
// (tenant, message): equal content under different keys is never deduplicated.
func Key(tenantID, messageID string) string {
	return tenantID + "/" + messageID
}

// HashBytes returns the hex content hash used for diagnostic dedup.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// New creates a cache with the given capacity and TTL, falling back to
// defaults for non-positive values. A background goroutine sweeps expired
// entries once a minute.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		items:    make(map[string]*cacheEntry),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		done:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Put stores an attachment under key, computing size and content hash if
// unset. If the cache is at capacity the least-recently-used entry is
// evicted first.
func (c *Cache) Put(key string, item *Item) {
	if item.Size == 0 {
		item.Size = len(item.Bytes)
	}
	if item.ContentHash == "" {
		item.ContentHash = HashBytes(item.Bytes)
	}
	if item.CapturedAt.IsZero() {
		item.CapturedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, exists := c.items[key]; exists {
		entry.item = item
		entry.storedAt = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictLRU()
	}

	entry := &cacheEntry{key: key, item: item, storedAt: now}
	entry.element = c.order.PushBack(entry)
	c.items[key] = entry
}

// Get returns the attachment for key, refreshing its recency. A missing or
// expired entry is a miss; expired entries are removed on the spot.
func (c *Cache) Get(key string) (*Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) >= c.ttl {
		c.removeLocked(entry)
		return nil, false
	}

	c.order.MoveToBack(entry.element)
	return entry.item, true
}

// Len returns the current number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictLRU removes the least-recently-used entry. Must be called with mu held.
func (c *Cache) evictLRU() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.removeLocked(front.Value.(*cacheEntry))
}

// removeLocked unlinks an entry. Must be called with mu held.
func (c *Cache) removeLocked(entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.items, entry.key)
}

// sweep runs in a background goroutine, reclaiming expired entries.
func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runSweep()
		case <-c.done:
			return
		}
	}
}

// runSweep removes all expired entries.
func (c *Cache) runSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, entry := range c.items {
		if now.Sub(entry.storedAt) >= c.ttl {
			c.removeLocked(entry)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
