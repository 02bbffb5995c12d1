package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoforge/geoforge/internal/crs"
	"github.com/geoforge/geoforge/internal/raster"
	"github.com/geoforge/geoforge/internal/tiles"
)

// stubFetcher fabricates uniform Terrarium-encoded PNG tiles.
type stubFetcher struct {
	calls atomic.Int64
	fail  bool
}

func (f *stubFetcher) Fetch(_ context.Context, key tiles.Key) (*tiles.Entry, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, &tiles.FetchError{Key: key, Reason: "upstream 503"}
	}

	// 100m elevation in the Terrarium scheme.
	v := 100 + 32768
	c := color.NRGBA{R: uint8(v >> 8), G: uint8(v & 0xff), A: 255}
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := range 64 {
		for x := range 64 {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return &tiles.Entry{
		Key:       key,
		Data:      buf.Bytes(),
		Bounds:    tiles.MercatorBounds(key),
		FetchedAt: time.Now().UTC(),
		Size:      buf.Len(),
	}, nil
}

func newTestServer(t *testing.T, fetcher tiles.Fetcher) *httptest.Server {
	t.Helper()
	reg := crs.NewRegistry()
	cache := tiles.NewCache(fetcher, 1<<24, nil)
	adapter := raster.NewAdapter(cache, []tiles.Service{{
		ID:          "dem",
		URLTemplate: "http://unused/{z}/{x}/{y}.png",
		MinZoom:     2,
		MaxZoom:     2,
		TileSize:    64,
		Encoding:    "terrarium",
	}}, reg)

	ts := httptest.NewServer(New(cache, adapter, reg).Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &stubFetcher{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTileEndpoint(t *testing.T) {
	f := &stubFetcher{}
	ts := newTestServer(t, f)

	resp, err := http.Get(ts.URL + "/tiles/dem/2/1/1")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, body)

	// Second request is a cache hit; no new upstream fetch.
	resp2, err := http.Get(ts.URL + "/tiles/dem/2/1/1")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestTileEndpoint_BadCoords(t *testing.T) {
	ts := newTestServer(t, &stubFetcher{})

	resp, err := http.Get(ts.URL + "/tiles/dem/two/1/1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTileEndpoint_UpstreamFailure(t *testing.T) {
	ts := newTestServer(t, &stubFetcher{fail: true})

	resp, err := http.Get(ts.URL + "/tiles/dem/2/1/1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRegionEndpoint_Elevation(t *testing.T) {
	ts := newTestServer(t, &stubFetcher{})

	resp, err := http.Get(ts.URL + "/region?service=dem&bbox=-5e6,-5e6,5e6,5e6&resolution=1.25e6")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var rr regionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rr))
	assert.Equal(t, 8, rr.Width)
	assert.Equal(t, 8, rr.Height)
	assert.Equal(t, "EPSG:3857", rr.CRS)
	assert.False(t, rr.Partial)
	require.Len(t, rr.Samples, 64)
	for i, s := range rr.Samples {
		require.NotNil(t, s, "sample %d", i)
		assert.InDelta(t, 100, *s, 0.01)
	}
}

func TestRegionEndpoint_BadRequests(t *testing.T) {
	ts := newTestServer(t, &stubFetcher{})

	cases := map[string]string{
		"missing bbox":     "/region?service=dem&resolution=100",
		"malformed bbox":   "/region?service=dem&bbox=1,2,3&resolution=100",
		"inverted bbox":    "/region?service=dem&bbox=5,5,1,1&resolution=100",
		"zero resolution":  "/region?service=dem&bbox=-1,-1,1,1&resolution=0",
		"unresolvable crs": "/region?service=dem&bbox=-1,-1,1,1&resolution=100&crs=bogus",
	}
	for name, path := range cases {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, name)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestRegionEndpoint_AllTilesFail(t *testing.T) {
	ts := newTestServer(t, &stubFetcher{fail: true})

	resp, err := http.Get(ts.URL + "/region?service=dem&bbox=-5e6,-5e6,5e6,5e6&resolution=1.25e6")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCacheStatsEndpoint(t *testing.T) {
	f := &stubFetcher{}
	ts := newTestServer(t, f)

	resp, err := http.Get(ts.URL + "/tiles/dem/2/0/0")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/cache/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats tiles.CacheStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.EqualValues(t, 1, stats.NetFetches)
	assert.EqualValues(t, 1, stats.Entries)
}