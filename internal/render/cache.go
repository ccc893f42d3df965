package render

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// maxCacheEntries caps the entry count handed to the underlying LRU; the
// real bound is the byte budget.
const maxCacheEntries = 1 << 16

// ByteCache is an LRU keyed by string whose eviction is driven by a byte
// budget rather than an entry count. Locking is scoped to single key
// operations.
type ByteCache[V any] struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[string, V]
	sizeOf func(V) int64
	budget int64
	bytes  int64
}

func NewByteCache[V any](budget int64, sizeOf func(V) int64) *ByteCache[V] {
	c := &ByteCache[V]{sizeOf: sizeOf, budget: budget}
	lru, err := simplelru.NewLRU[string, V](maxCacheEntries, func(_ string, v V) {
		c.bytes -= sizeOf(v)
	})
	if err != nil {
		panic(err) // only fails on non-positive size
	}
	c.lru = lru
	return c
}

func (c *ByteCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Add inserts the value and evicts least-recently-used entries until the
// byte budget holds. A value larger than the whole budget is not cached.
func (c *ByteCache[V]) Add(key string, v V) {
	size := c.sizeOf(v)
	if size > c.budget {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.lru.Peek(key); ok {
		c.bytes -= c.sizeOf(prev)
	}
	c.lru.Add(key, v)
	c.bytes += size
	for c.bytes > c.budget {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (c *ByteCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
