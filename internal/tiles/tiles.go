// Package tiles acquires and caches slippy-map raster tiles. The cache is
// two-layered (byte-budget LRU in memory, MBTiles-style sqlite on disk) with
// a coalescing fetch front end: concurrent requests for the same tile result
// in exactly one network fetch.
package tiles

import (
	"fmt"
	"time"
)

// Key uniquely identifies a cached tile.
type Key struct {
	Service string
	Zoom    int
	Col     int
	Row     int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Service, k.Zoom, k.Col, k.Row)
}

// Bounds is a georeferenced bounding box in a tile's native CRS,
// (MinX, MinY, MaxX, MaxY).
type Bounds [4]float64

// Entry is a cached tile. Owned by the cache; callers must not mutate Data.
type Entry struct {
	Key       Key
	Data      []byte
	Bounds    Bounds
	FetchedAt time.Time
	Size      int
}

// FetchError reports a failed tile fetch: HTTP error status, timeout, or a
// malformed payload. Callers decide whether to retry, fall back to a coarser
// zoom, or fill no-data.
type FetchError struct {
	Key    Key
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tiles: fetch %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("tiles: fetch %s: %s", e.Key, e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Err }
