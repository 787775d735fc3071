package dbview

import (
	"container/list"

	"github.com/quilldata/quill/internal/compiler"
)

// DefaultCacheSize bounds the compiled-query cache when no explicit size
// is configured.
const DefaultCacheSize = 1000

type cacheKey struct {
	query    string
	jsonMode bool
}

type cacheEntry struct {
	key  cacheKey
	unit *compiler.QueryUnit
}

// queryCache is an LRU of compiled queries keyed by (query bytes, output
// mode). Only units whose SQL was actually prepared on the backend are
// inserted.
type queryCache struct {
	maxSize int
	entries map[cacheKey]*list.Element
	order   *list.List // front = most recent
}

func newQueryCache(maxSize int) *queryCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &queryCache{
		maxSize: maxSize,
		entries: make(map[cacheKey]*list.Element),
		order:   list.New(),
	}
}

func (c *queryCache) lookup(query []byte, jsonMode bool) (*compiler.QueryUnit, bool) {
	key := cacheKey{query: string(query), jsonMode: jsonMode}
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).unit, true
}

func (c *queryCache) add(query []byte, jsonMode bool, unit *compiler.QueryUnit) {
	key := cacheKey{query: string(query), jsonMode: jsonMode}
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).unit = unit
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, unit: unit})
	c.entries[key] = el

	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *queryCache) len() int {
	return c.order.Len()
}
