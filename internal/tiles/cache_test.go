package tiles

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher counts fetches and serves canned payloads.
type stubFetcher struct {
	mu      sync.Mutex
	calls   atomic.Int64
	delay   time.Duration
	payload func(key Key) ([]byte, error)
}

func (f *stubFetcher) Fetch(ctx context.Context, key Key) (*Entry, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	data, err := f.payload(key)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Key:       key,
		Data:      data,
		Bounds:    MercatorBounds(key),
		FetchedAt: time.Now().UTC(),
		Size:      len(data),
	}, nil
}

func fixedPayload(data []byte) func(Key) ([]byte, error) {
	return func(Key) ([]byte, error) { return data, nil }
}

func TestCache_GetOrFetch_MissThenHit(t *testing.T) {
	f := &stubFetcher{payload: fixedPayload([]byte("png-bytes"))}
	c := NewCache(f, 1<<20, nil)
	key := Key{Service: "osm", Zoom: 10, Col: 550, Row: 335}

	e, err := c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), e.Data)
	assert.EqualValues(t, 1, f.calls.Load())

	// Second call is a memory hit.
	e2, err := c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, e.Data, e2.Data)
	assert.EqualValues(t, 1, f.calls.Load())

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.NetFetches)
}

func TestCache_ConcurrentDeduplication(t *testing.T) {
	// N concurrent calls for the same key must result in exactly one fetch,
	// all callers observing the same entry.
	f := &stubFetcher{payload: fixedPayload([]byte("tile")), delay: 20 * time.Millisecond}
	c := NewCache(f, 1<<20, nil)
	key := Key{Service: "osm", Zoom: 5, Col: 17, Row: 11}

	const n = 32
	var wg sync.WaitGroup
	results := make([]*Entry, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), key)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		assert.True(t, bytes.Equal(results[0].Data, results[i].Data))
	}
}

func TestCache_SharedFailure(t *testing.T) {
	f := &stubFetcher{
		delay: 10 * time.Millisecond,
		payload: func(key Key) ([]byte, error) {
			return nil, &FetchError{Key: key, Reason: "upstream 500"}
		},
	}
	c := NewCache(f, 1<<20, nil)
	key := Key{Service: "osm", Zoom: 3, Col: 1, Row: 2}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.GetOrFetch(context.Background(), key)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.calls.Load())
	for i := range n {
		var fe *FetchError
		require.ErrorAs(t, errs[i], &fe)
		assert.Equal(t, key, fe.Key)
	}
}

func TestCache_ByteBudgetEviction(t *testing.T) {
	f := &stubFetcher{payload: fixedPayload(make([]byte, 100))}
	// Budget fits three 100-byte tiles.
	c := NewCache(f, 300, nil)

	k := func(col int) Key { return Key{Service: "osm", Zoom: 1, Col: col, Row: 0} }

	for col := range 3 {
		_, err := c.GetOrFetch(context.Background(), k(col))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, f.calls.Load())

	// Touch tile 0 so tile 1 becomes least recently used.
	_, err := c.GetOrFetch(context.Background(), k(0))
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.calls.Load())

	// Inserting a fourth evicts tile 1, not tile 0.
	_, err = c.GetOrFetch(context.Background(), k(3))
	require.NoError(t, err)

	_, err = c.GetOrFetch(context.Background(), k(0))
	require.NoError(t, err)
	assert.EqualValues(t, 4, f.calls.Load(), "tile 0 must still be resident")

	_, err = c.GetOrFetch(context.Background(), k(1))
	require.NoError(t, err)
	assert.EqualValues(t, 5, f.calls.Load(), "tile 1 must have been evicted")
}

func TestCache_DiskFallthrough(t *testing.T) {
	f := &stubFetcher{payload: fixedPayload([]byte("persisted"))}
	disk, err := NewDiskCache(t.TempDir() + "/tiles.db")
	require.NoError(t, err)
	defer disk.Close()

	c := NewCache(f, 1<<20, disk)
	key := Key{Service: "dem", Zoom: 9, Col: 263, Row: 170}

	_, err = c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.calls.Load())

	// A fresh cache over the same disk store serves from disk, not network.
	c2 := NewCache(f, 1<<20, disk)
	e, err := c2.GetOrFetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), e.Data)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.EqualValues(t, 1, c2.Stats().DiskHits)
}

func TestMemoryLRU_PinnedEntriesSurviveEviction(t *testing.T) {
	lru := newMemoryLRU(100)

	a := &Entry{Key: Key{Service: "s", Zoom: 1, Col: 0, Row: 0}, Data: make([]byte, 80), Size: 80}
	lru.put(a, true) // pinned

	b := &Entry{Key: Key{Service: "s", Zoom: 1, Col: 1, Row: 0}, Data: make([]byte, 80), Size: 80}
	lru.put(b, false)

	// Budget exceeded, but the pinned entry must survive.
	_, ok := lru.get(a.Key, false)
	assert.True(t, ok, "pinned entry evicted")

	lru.release(a.Key)
	c := &Entry{Key: Key{Service: "s", Zoom: 1, Col: 2, Row: 0}, Data: make([]byte, 80), Size: 80}
	lru.put(c, false)

	// Released, a is now fair game.
	_, ok = lru.get(a.Key, false)
	assert.False(t, ok)
}
