package crs

import (
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()

	wgs84, err := r.Resolve("EPSG:4326")
	require.NoError(t, err)
	assert.Equal(t, "EPSG:4326", wgs84.ID)
	assert.True(t, wgs84.Geographic)

	merc, err := r.Resolve("3857")
	require.NoError(t, err)
	assert.Equal(t, "EPSG:3857", merc.ID)
	assert.False(t, merc.Geographic)
	assert.InDelta(t, 1.0, merc.ToMeter, 1e-9)

	utm, err := r.Resolve("epsg:32633")
	require.NoError(t, err)
	assert.Equal(t, "EPSG:32633", utm.ID)
	assert.False(t, utm.Geographic)
}

func TestRegistry_Resolve_SharedInstance(t *testing.T) {
	r := NewRegistry()

	a, err := r.Resolve("EPSG:4326")
	require.NoError(t, err)
	b, err := r.Resolve("epsg:4326")
	require.NoError(t, err)
	c, err := r.Resolve("4326")
	require.NoError(t, err)

	// Same normalized identifier shares one instance.
	assert.Same(t, a, b)
	assert.Same(t, a, c)
}

func TestRegistry_Resolve_ProjString(t *testing.T) {
	r := NewRegistry()

	c, err := r.Resolve("+proj=utm +zone=31 +datum=WGS84 +units=m +no_defs")
	require.NoError(t, err)
	assert.False(t, c.Geographic)
}

func TestRegistry_Resolve_Invalid(t *testing.T) {
	r := NewRegistry()

	cases := []string{
		"",
		"ESRI:102100",
		"EPSG:notanumber",
		"EPSG:999999",
		"bogus",
	}
	for _, def := range cases {
		_, err := r.Resolve(def)
		assert.ErrorIs(t, err, ErrInvalidCRS, "definition %q", def)
	}
}

func TestRegistry_Transform_GeographicToMercator(t *testing.T) {
	r := NewRegistry()

	wgs84, err := r.Resolve("EPSG:4326")
	require.NoError(t, err)
	merc, err := r.Resolve("EPSG:3857")
	require.NoError(t, err)

	// Greenwich equator maps to the web mercator origin.
	got, err := r.Transform(Point{X: 0, Y: 0}, wgs84, merc)
	require.NoError(t, err)
	assert.InDelta(t, 0, got.X, 1e-6)
	assert.InDelta(t, 0, got.Y, 1e-6)

	// Known web mercator value for (10E, 50N).
	got, err = r.Transform(Point{X: 10, Y: 50}, wgs84, merc)
	require.NoError(t, err)
	assert.InDelta(t, 1113194.9079, got.X, 1.0)
	assert.InDelta(t, 6446275.8410, got.Y, 1.0)
}

func TestRegistry_Transform_RoundTrip(t *testing.T) {
	r := NewRegistry()

	pairs := [][2]string{
		{"EPSG:4326", "EPSG:3857"},
		{"EPSG:4326", "EPSG:32633"},
		{"EPSG:3857", "EPSG:32633"},
	}
	pts := []Point{
		{X: 13.4, Y: 52.5},
		{X: 14.9, Y: 51.1},
		{X: 12.1, Y: 53.9},
	}

	for _, pair := range pairs {
		from, err := r.Resolve(pair[0])
		require.NoError(t, err)
		to, err := r.Resolve(pair[1])
		require.NoError(t, err)

		src := pts
		if !from.Geographic {
			// Express the test points in the source frame first.
			wgs84, err := r.Resolve("EPSG:4326")
			require.NoError(t, err)
			src, err = r.TransformMany(pts, wgs84, from)
			require.NoError(t, err)
		}

		fwd, err := r.TransformMany(src, from, to)
		require.NoError(t, err)
		back, err := r.TransformMany(fwd, to, from)
		require.NoError(t, err)

		for i := range src {
			assert.InDelta(t, src[i].X, back[i].X, 1e-6, "%s <-> %s", from.ID, to.ID)
			assert.InDelta(t, src[i].Y, back[i].Y, 1e-6, "%s <-> %s", from.ID, to.ID)
		}
	}
}

func TestRegistry_TransformMany_PreservesOrder(t *testing.T) {
	r := NewRegistry()

	wgs84, err := r.Resolve("EPSG:4326")
	require.NoError(t, err)
	merc, err := r.Resolve("EPSG:3857")
	require.NoError(t, err)

	pts := []Point{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}
	out, err := r.TransformMany(pts, wgs84, merc)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Less(t, out[0].X, out[1].X)
	assert.Less(t, out[1].X, out[2].X)
}

func TestRegistry_Transform_SameCRS(t *testing.T) {
	r := NewRegistry()

	wgs84, err := r.Resolve("EPSG:4326")
	require.NoError(t, err)

	pt := Point{X: 7.5, Y: 46.9}
	got, err := r.Transform(pt, wgs84, wgs84)
	require.NoError(t, err)
	assert.Equal(t, pt, got)
}

func TestRegistry_Transform_Concurrent(t *testing.T) {
	r := NewRegistry()

	wgs84, err := r.Resolve("EPSG:4326")
	require.NoError(t, err)
	merc, err := r.Resolve("EPSG:3857")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				got, err := r.Transform(Point{X: 10, Y: 50}, wgs84, merc)
				assert.NoError(t, err)
				assert.InDelta(t, 1113194.9079, got.X, 1.0)
			}
		}()
	}
	wg.Wait()
}

func TestErrTaxonomy_WrappedMatchable(t *testing.T) {
	r := NewRegistry()

	_, err := r.Resolve("EPSG:999999")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidCRS))
}
