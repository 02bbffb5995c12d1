package tiles

import (
	"container/list"
	"sync"
)

// memoryLRU is the in-memory layer: strict LRU by access order, bounded by a
// total byte budget. Entries referenced by an in-flight caller are pinned
// and skipped by eviction until released.
type memoryLRU struct {
	mu     sync.Mutex
	budget int64
	used   int64
	ll     *list.List
	index  map[Key]*list.Element
}

type lruItem struct {
	entry *Entry
	pins  int
}

func newMemoryLRU(budgetBytes int64) *memoryLRU {
	return &memoryLRU{
		budget: budgetBytes,
		ll:     list.New(),
		index:  make(map[Key]*list.Element),
	}
}

// get returns the entry and marks it most recently used. When pin is true
// the entry is protected from eviction until release is called.
func (c *memoryLRU) get(key Key, pin bool) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToBack(el)
	item := el.Value.(*lruItem)
	if pin {
		item.pins++
	}
	return item.entry, true
}

// put inserts or replaces an entry, evicting least-recently-used unpinned
// entries until the byte budget holds. When pin is true the new entry starts
// pinned.
func (c *memoryLRU) put(entry *Entry, pin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[entry.Key]; ok {
		item := el.Value.(*lruItem)
		c.used += int64(entry.Size) - int64(item.entry.Size)
		item.entry = entry
		if pin {
			item.pins++
		}
		c.ll.MoveToBack(el)
		c.evictLocked()
		return
	}

	item := &lruItem{entry: entry}
	if pin {
		item.pins = 1
	}
	c.index[entry.Key] = c.ll.PushBack(item)
	c.used += int64(entry.Size)
	c.evictLocked()
}

// release drops one pin from the entry, making it evictable again once all
// in-flight callers have released it.
func (c *memoryLRU) release(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		if item := el.Value.(*lruItem); item.pins > 0 {
			item.pins--
		}
	}
}

// evictLocked walks from the LRU end, removing unpinned entries until the
// budget is satisfied. Pinned entries are passed over, not reordered.
func (c *memoryLRU) evictLocked() {
	if c.budget <= 0 {
		return
	}
	el := c.ll.Front()
	for c.used > c.budget && el != nil {
		next := el.Next()
		item := el.Value.(*lruItem)
		if item.pins == 0 {
			c.ll.Remove(el)
			delete(c.index, item.entry.Key)
			c.used -= int64(item.entry.Size)
		}
		el = next
	}
}

func (c *memoryLRU) stats() (entries int, usedBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index), c.used
}
