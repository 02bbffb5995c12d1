package raster

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteASCIIGrid(t *testing.T) {
	g := NewElevationGrid(2, 2, 10, 100, 220, utm33(t))
	g.SetSample(0, 0, 1.5)
	g.SetSample(1, 0, 2)
	g.SetSample(0, 1, 3)
	// (1,1) stays no-data.

	var sb strings.Builder
	require.NoError(t, WriteASCIIGrid(&sb, g))

	want := "ncols 2\n" +
		"nrows 2\n" +
		"xllcorner 100\n" +
		"yllcorner 200\n" +
		"cellsize 10\n" +
		"NODATA_value -9999\n" +
		"1.5 2\n" +
		"3 -9999\n"
	assert.Equal(t, want, sb.String())
}

func TestWriteASCIIGrid_RejectsImagery(t *testing.T) {
	g := NewImageryGrid(1, 1, 1, 0, 1, utm33(t))
	assert.Error(t, WriteASCIIGrid(&strings.Builder{}, g))
}
