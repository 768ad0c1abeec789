// Package cache memoizes compiled expression trees keyed by their source
// text.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/paveg/cardformula/internal/formula"
)

// DefaultSize is used when NewExpressionCache is given a non-positive size.
const DefaultSize = 512

// ExpressionCache is a bounded least-recently-used map from formula text
// to its compiled tree. Trees are immutable, so a cached tree may be
// handed to any number of goroutines.
type ExpressionCache struct {
	mu      sync.RWMutex
	entries map[uint64]*list.Element
	order   *list.List // front is most recently used
	maxSize int
	hits    atomic.Int64
	misses  atomic.Int64
}

type entry struct {
	key  uint64
	text string
	node formula.Node
}

// Stats holds cache statistics.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// NewExpressionCache creates a cache holding at most size trees.
func NewExpressionCache(size int) *ExpressionCache {
	if size <= 0 {
		size = DefaultSize
	}
	return &ExpressionCache{
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
		maxSize: size,
	}
}

// Key returns the cache key of text.
func Key(text string) uint64 {
	return xxhash.Sum64String(text)
}

// Get returns the tree cached for text.
func (c *ExpressionCache) Get(text string) (formula.Node, bool) {
	key := Key(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok || el.Value.(*entry).text != text {
		c.misses.Add(1)
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits.Add(1)
	return el.Value.(*entry).node, true
}

// Put stores the tree compiled from text, evicting the least recently
// used entry when the cache is full.
func (c *ExpressionCache) Put(text string, node formula.Node) {
	if node == nil {
		return
	}
	key := Key(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value = &entry{key: key, text: text, node: node}
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
	c.entries[key] = c.order.PushFront(&entry{key: key, text: text, node: node})
}

// GetOrCompile returns the cached tree for text or compiles, stores and
// returns it. Compile errors are not cached.
func (c *ExpressionCache) GetOrCompile(text string, compile func(string) (formula.Node, error)) (formula.Node, error) {
	if n, ok := c.Get(text); ok {
		return n, nil
	}
	n, err := compile(text)
	if err != nil {
		return nil, err
	}
	c.Put(text, n)
	return n, nil
}

// Invalidate removes the entry for text.
func (c *ExpressionCache) Invalidate(text string) {
	key := Key(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Clear removes all entries. Statistics are kept.
func (c *ExpressionCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[uint64]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// Len returns the number of cached trees.
func (c *ExpressionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Stats returns cache statistics.
func (c *ExpressionCache) Stats() Stats {
	s := Stats{
		Entries: c.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
