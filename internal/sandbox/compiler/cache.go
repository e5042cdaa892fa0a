package compiler

import (
	"container/list"
	"sync"
)

// memoryCache is an LRU over compiled handlers with entry and byte budgets.
// The pack offers no cache dependency for this shape, so it is a small
// hand-rolled list+map LRU.
type memoryCache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   uint64

	order *list.List // front = most recently used
	items map[string]*list.Element
	bytes uint64
}

type cacheEntry struct {
	key     string
	handler *Handler
	size    uint64
}

func newMemoryCache(maxEntries int, maxBytes uint64) *memoryCache {
	return &memoryCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		items:      make(map[string]*list.Element),
	}
}

// get returns the cached handler and refreshes its recency.
func (c *memoryCache) get(key string) (*Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).handler, true
}

// put inserts a handler and evicts least-recently-used entries until both
// budgets hold.
func (c *memoryCache) put(key string, h *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, handler: h, size: h.Size})
	c.items[key] = el
	c.bytes += h.Size

	for (c.order.Len() > c.maxEntries || c.bytes > c.maxBytes) && c.order.Len() > 1 {
		c.evictOldest()
	}
}

// evictOldest removes the back entry. Caller holds c.mu.
func (c *memoryCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.items, entry.key)
	c.bytes -= entry.size
}

func (c *memoryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *memoryCache) sizeBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *memoryCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	c.bytes = 0
}
