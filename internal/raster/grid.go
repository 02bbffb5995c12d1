// Package raster turns remote tile services and local rasters into
// georeferenced grids: fixed-resolution arrays of RGBA pixels or scalar
// elevation samples in a target CRS.
package raster

import (
	"errors"
	"image"
	"image/color"
	"math"

	"github.com/geoforge/geoforge/internal/crs"
)

// ErrOutOfBounds is returned by sampling policies that fail on coordinates
// outside the grid footprint.
var ErrOutOfBounds = errors.New("raster: coordinate outside grid bounds")

// Kind says what a grid's cells hold. A grid is one or the other, never both.
type Kind int

const (
	KindImagery Kind = iota
	KindElevation
)

// NoData is the in-memory sentinel for unsampled elevation cells.
var NoData = math.NaN()

// Grid is a georeferenced raster: Width x Height cells of size CellSize (in
// CRS units), anchored at the top-left corner (OriginX, OriginY). Row 0 is
// the northernmost row.
type Grid struct {
	Kind     Kind
	Width    int
	Height   int
	CellSize float64
	OriginX  float64
	OriginY  float64
	CRS      *crs.CRS

	// Partial marks a grid with no-data gaps from failed tile fetches.
	Partial bool

	// Pixels holds interleaved RGBA bytes for KindImagery grids.
	Pixels []uint8
	// Samples holds elevation values for KindElevation grids; NaN = no-data.
	Samples []float64
}

// NewImageryGrid allocates a transparent imagery grid.
func NewImageryGrid(width, height int, cellSize, originX, originY float64, c *crs.CRS) *Grid {
	return &Grid{
		Kind:     KindImagery,
		Width:    width,
		Height:   height,
		CellSize: cellSize,
		OriginX:  originX,
		OriginY:  originY,
		CRS:      c,
		Pixels:   make([]uint8, width*height*4),
	}
}

// NewElevationGrid allocates an elevation grid filled with no-data.
func NewElevationGrid(width, height int, cellSize, originX, originY float64, c *crs.CRS) *Grid {
	samples := make([]float64, width*height)
	for i := range samples {
		samples[i] = NoData
	}
	return &Grid{
		Kind:     KindElevation,
		Width:    width,
		Height:   height,
		CellSize: cellSize,
		OriginX:  originX,
		OriginY:  originY,
		CRS:      c,
		Samples:  samples,
	}
}

// Bounds returns (MinX, MinY, MaxX, MaxY) of the grid footprint in CRS units.
func (g *Grid) Bounds() (minX, minY, maxX, maxY float64) {
	return g.OriginX,
		g.OriginY - float64(g.Height)*g.CellSize,
		g.OriginX + float64(g.Width)*g.CellSize,
		g.OriginY
}

// CellCenter returns the georeferenced center of cell (col, row).
func (g *Grid) CellCenter(col, row int) (x, y float64) {
	return g.OriginX + (float64(col)+0.5)*g.CellSize,
		g.OriginY - (float64(row)+0.5)*g.CellSize
}

// SampleAt returns the elevation of cell (col, row). NaN for no-data or
// out-of-range indices.
func (g *Grid) SampleAt(col, row int) float64 {
	if col < 0 || col >= g.Width || row < 0 || row >= g.Height {
		return NoData
	}
	return g.Samples[row*g.Width+col]
}

// SetSample writes the elevation of cell (col, row).
func (g *Grid) SetSample(col, row int, v float64) {
	g.Samples[row*g.Width+col] = v
}

// PixelAt returns the RGBA pixel of cell (col, row).
func (g *Grid) PixelAt(col, row int) color.NRGBA {
	i := (row*g.Width + col) * 4
	return color.NRGBA{R: g.Pixels[i], G: g.Pixels[i+1], B: g.Pixels[i+2], A: g.Pixels[i+3]}
}

// SetPixel writes the RGBA pixel of cell (col, row).
func (g *Grid) SetPixel(col, row int, c color.NRGBA) {
	i := (row*g.Width + col) * 4
	g.Pixels[i] = c.R
	g.Pixels[i+1] = c.G
	g.Pixels[i+2] = c.B
	g.Pixels[i+3] = c.A
}

// Sample bilinearly interpolates the elevation at georeferenced (x, y),
// clamping at grid edges. Returns (NoData, false) outside the footprint or
// when any contributing cell is no-data.
func (g *Grid) Sample(x, y float64) (float64, bool) {
	minX, minY, maxX, maxY := g.Bounds()
	if x < minX || x > maxX || y < minY || y > maxY {
		return NoData, false
	}

	// Continuous cell coordinates of the sample point, relative to cell
	// centers.
	fc := (x-g.OriginX)/g.CellSize - 0.5
	fr := (g.OriginY-y)/g.CellSize - 0.5

	c0 := clampInt(int(math.Floor(fc)), 0, g.Width-1)
	r0 := clampInt(int(math.Floor(fr)), 0, g.Height-1)
	c1 := clampInt(c0+1, 0, g.Width-1)
	r1 := clampInt(r0+1, 0, g.Height-1)

	tx := clampFloat(fc-float64(c0), 0, 1)
	ty := clampFloat(fr-float64(r0), 0, 1)

	v00 := g.SampleAt(c0, r0)
	v10 := g.SampleAt(c1, r0)
	v01 := g.SampleAt(c0, r1)
	v11 := g.SampleAt(c1, r1)
	if math.IsNaN(v00) || math.IsNaN(v10) || math.IsNaN(v01) || math.IsNaN(v11) {
		return NoData, false
	}

	top := v00 + (v10-v00)*tx
	bot := v01 + (v11-v01)*tx
	return top + (bot-top)*ty, true
}

// ToImage renders an imagery grid as an NRGBA image for export.
func (g *Grid) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, g.Width, g.Height))
	copy(img.Pix, g.Pixels)
	return img
}

// samplePixel reads an RGBA value at georeferenced (x, y) with the given
// kernel. False outside the footprint.
func (g *Grid) samplePixel(x, y float64, mode Resampling) (color.NRGBA, bool) {
	if mode != ResampleBilinear {
		c, r, ok := g.cellIndex(x, y)
		if !ok {
			return color.NRGBA{}, false
		}
		return g.PixelAt(c, r), true
	}

	minX, minY, maxX, maxY := g.Bounds()
	if x < minX || x > maxX || y < minY || y > maxY {
		return color.NRGBA{}, false
	}

	fc := (x-g.OriginX)/g.CellSize - 0.5
	fr := (g.OriginY-y)/g.CellSize - 0.5
	c0 := clampInt(int(math.Floor(fc)), 0, g.Width-1)
	r0 := clampInt(int(math.Floor(fr)), 0, g.Height-1)
	c1 := clampInt(c0+1, 0, g.Width-1)
	r1 := clampInt(r0+1, 0, g.Height-1)
	tx := clampFloat(fc-float64(c0), 0, 1)
	ty := clampFloat(fr-float64(r0), 0, 1)

	lerp2 := func(ch func(color.NRGBA) uint8) uint8 {
		v00 := float64(ch(g.PixelAt(c0, r0)))
		v10 := float64(ch(g.PixelAt(c1, r0)))
		v01 := float64(ch(g.PixelAt(c0, r1)))
		v11 := float64(ch(g.PixelAt(c1, r1)))
		top := v00 + (v10-v00)*tx
		bot := v01 + (v11-v01)*tx
		return uint8(math.Round(top + (bot-top)*ty))
	}

	return color.NRGBA{
		R: lerp2(func(c color.NRGBA) uint8 { return c.R }),
		G: lerp2(func(c color.NRGBA) uint8 { return c.G }),
		B: lerp2(func(c color.NRGBA) uint8 { return c.B }),
		A: lerp2(func(c color.NRGBA) uint8 { return c.A }),
	}, true
}

func pixel(r, g, b, a uint8) color.NRGBA {
	return color.NRGBA{R: r, G: g, B: b, A: a}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
