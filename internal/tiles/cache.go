package tiles

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache is the tile acquisition front end: memory LRU, then disk, then one
// coalesced network fetch per key. Safe for concurrent use; the index and
// eviction bookkeeping are serialized inside the memory layer while readers
// of resident entries never block on fetches of other keys.
type Cache struct {
	mem     *memoryLRU
	disk    *DiskCache
	fetcher Fetcher
	group   singleflight.Group

	hits       atomic.Int64
	misses     atomic.Int64
	diskHits   atomic.Int64
	netFetches atomic.Int64
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Entries    int   `json:"entries"`
	UsedBytes  int64 `json:"used_bytes"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	DiskHits   int64 `json:"disk_hits"`
	NetFetches int64 `json:"net_fetches"`
}

// NewCache builds a cache with the given memory byte budget. disk may be nil
// to run memory-only.
func NewCache(fetcher Fetcher, memBudgetBytes int64, disk *DiskCache) *Cache {
	return &Cache{
		mem:     newMemoryLRU(memBudgetBytes),
		disk:    disk,
		fetcher: fetcher,
	}
}

// GetOrFetch returns the tile for key, fetching on miss. Concurrent calls
// for the same key are coalesced into one underlying fetch; every caller
// observes the same entry or the same failure. The entry is pinned against
// eviction while the call is in flight.
func (c *Cache) GetOrFetch(ctx context.Context, key Key) (*Entry, error) {
	if entry, ok := c.mem.get(key, true); ok {
		c.mem.release(key)
		c.hits.Add(1)
		return entry, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		return c.load(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	// A canceled waiter abandons the shared result without corrupting it.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return v.(*Entry), nil
}

// load is the single-flight body: re-check memory, then disk, then network.
// Partial results are never committed; a failed fetch leaves no trace.
func (c *Cache) load(ctx context.Context, key Key) (*Entry, error) {
	if entry, ok := c.mem.get(key, true); ok {
		c.mem.release(key)
		return entry, nil
	}

	if c.disk != nil {
		entry, err := c.disk.Get(ctx, key)
		if err != nil {
			zap.L().Warn("tiles: disk cache read failed, falling through",
				zap.String("key", key.String()), zap.Error(err))
		} else if entry != nil {
			c.diskHits.Add(1)
			c.mem.put(entry, true)
			c.mem.release(key)
			return entry, nil
		}
	}

	c.netFetches.Add(1)
	entry, err := c.fetcher.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mem.put(entry, true)
	defer c.mem.release(key)

	if c.disk != nil {
		if err := c.disk.Put(ctx, entry); err != nil {
			zap.L().Warn("tiles: disk cache write failed",
				zap.String("key", key.String()), zap.Error(err))
		}
	}
	return entry, nil
}

// Stats returns current counters and memory occupancy.
func (c *Cache) Stats() CacheStats {
	entries, used := c.mem.stats()
	return CacheStats{
		Entries:    entries,
		UsedBytes:  used,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		DiskHits:   c.diskHits.Load(),
		NetFetches: c.netFetches.Load(),
	}
}
