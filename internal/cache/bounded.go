package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 1024

// boundedItem stores a cached value with its expiry time and a handle into
// the insertion-order list.
type boundedItem struct {
	data      []byte
	expiresAt time.Time
	elem      *list.Element
}

// BoundedCache is the in-process cache used when no shared store is
// configured. Entries expire lazily on access; once the entry count exceeds
// the configured maximum, the oldest entry by insertion order is evicted.
// Eviction is strictly FIFO - a Get does not refresh an entry's position.
//
// Safe for concurrent use. Not shared across replicas; use SharedCache for
// multi-instance deployments.
type BoundedCache struct {
	mu         sync.Mutex
	items      map[string]*boundedItem
	order      *list.List // front = oldest insertion
	maxEntries int
}

// NewBoundedCache creates a BoundedCache holding at most maxEntries entries.
// maxEntries <= 0 falls back to the default (1024).
func NewBoundedCache(maxEntries int) *BoundedCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &BoundedCache{
		items:      make(map[string]*boundedItem),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired; expired entries are removed on access.
func (c *BoundedCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.remove(key, item)
		return nil, false
	}
	return item.data, true
}

// Set stores value under key for the duration of ttl. A zero or negative ttl
// is treated as a 1-hour TTL. Re-setting an existing key refreshes its value
// and moves it to the back of the eviction order.
func (c *BoundedCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[key]; ok {
		item.data = value
		item.expiresAt = time.Now().Add(ttl)
		c.order.MoveToBack(item.elem)
		return nil
	}

	item := &boundedItem{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
	item.elem = c.order.PushBack(key)
	c.items[key] = item

	for len(c.items) > c.maxEntries {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		oldKey := oldest.Value.(string)
		c.remove(oldKey, c.items[oldKey])
	}

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *BoundedCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[key]; ok {
		c.remove(key, item)
	}
	return nil
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been evicted).
func (c *BoundedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// remove must be called with c.mu held.
func (c *BoundedCache) remove(key string, item *boundedItem) {
	if item == nil {
		return
	}
	c.order.Remove(item.elem)
	delete(c.items, key)
}
