package raster

import (
	"bytes"
	"context"
	"errors"
	"image"
	"math"
	"sync"

	_ "image/jpeg"
	_ "image/png"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/geoforge/geoforge/internal/crs"
	"github.com/geoforge/geoforge/internal/tiles"
)

var (
	// ErrRegionTooLarge means the request needs more tiles than allowed;
	// the caller must coarsen the resolution or shrink the bbox.
	ErrRegionTooLarge = errors.New("raster: region requires too many tiles")

	// ErrNoUsableTiles means every tile of the region failed to fetch.
	ErrNoUsableTiles = errors.New("raster: no usable tiles for region")
)

// Resampling selects how source cells map to target cells.
type Resampling int

const (
	ResampleNearest Resampling = iota
	ResampleBilinear
)

// equatorial circumference of the web mercator world square, meters
const mercatorWorld = 2 * math.Pi * 6378137

// RegionOptions bound a region request.
type RegionOptions struct {
	Resampling  Resampling
	MaxTiles    int // default 256
	Parallelism int // default 4
}

func (o RegionOptions) withDefaults() RegionOptions {
	if o.MaxTiles <= 0 {
		o.MaxTiles = 256
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	return o
}

// BBox is an axis-aligned bounding box in some CRS.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// Adapter resolves region requests against tile services through the cache.
type Adapter struct {
	cache    *tiles.Cache
	services map[string]tiles.Service
	reg      *crs.Registry
}

// NewAdapter builds a region adapter over the given cache and services.
func NewAdapter(cache *tiles.Cache, services []tiles.Service, reg *crs.Registry) *Adapter {
	m := make(map[string]tiles.Service, len(services))
	for _, s := range services {
		m[s.ID] = s
	}
	return &Adapter{cache: cache, services: m, reg: reg}
}

// FetchRegion fetches, stitches and reprojects the tiles covering bbox (in
// targetCRS units) into one contiguous grid with the requested cell size.
// Minority tile failures become no-data gaps with Partial=true; the call
// fails only when every tile fails or the region exceeds MaxTiles.
func (a *Adapter) FetchRegion(ctx context.Context, serviceID string, bbox BBox, targetCRS *crs.CRS, resolution float64, opts RegionOptions) (*Grid, error) {
	opts = opts.withDefaults()

	svc, ok := a.services[serviceID]
	if !ok {
		return nil, eris.Errorf("raster: unknown service %q", serviceID)
	}
	if resolution <= 0 {
		return nil, eris.Errorf("raster: non-positive resolution %g", resolution)
	}
	if bbox.MinX >= bbox.MaxX || bbox.MinY >= bbox.MaxY {
		return nil, eris.Errorf("raster: empty bbox")
	}

	wgs84, err := a.reg.Resolve("EPSG:4326")
	if err != nil {
		return nil, err
	}
	mercator, err := a.reg.Resolve("EPSG:3857")
	if err != nil {
		return nil, err
	}

	lonMin, latMin, lonMax, latMax, err := a.geographicExtent(bbox, targetCRS, wgs84)
	if err != nil {
		return nil, err
	}
	midLat := (latMin + latMax) / 2

	zoom := chooseZoom(resolution, targetCRS, midLat, svc)

	tileSize := svc.TileSize
	if tileSize <= 0 {
		tileSize = 256
	}

	minCol, minRow, maxCol, maxRow := tileRange(lonMin, latMin, lonMax, latMax, zoom)
	nx, ny := maxCol-minCol+1, maxRow-minRow+1
	if nx*ny > opts.MaxTiles {
		return nil, eris.Wrapf(ErrRegionTooLarge, "%d tiles needed at zoom %d, limit %d", nx*ny, zoom, opts.MaxTiles)
	}

	zap.L().Info("raster: fetching region",
		zap.String("service", serviceID),
		zap.Int("zoom", zoom),
		zap.Int("tiles", nx*ny),
	)

	mosaic, failed, err := a.buildMosaic(ctx, svc, zoom, minCol, minRow, nx, ny, tileSize, mercator, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	if failed == nx*ny {
		return nil, ErrNoUsableTiles
	}
	if failed > 0 {
		zap.L().Warn("raster: region is partial",
			zap.Int("failed_tiles", failed),
			zap.Int("total_tiles", nx*ny),
		)
	}

	out, err := a.resample(mosaic, bbox, targetCRS, mercator, resolution, opts.Resampling)
	if err != nil {
		return nil, err
	}
	out.Partial = failed > 0
	return out, nil
}

// geographicExtent maps the target-CRS bbox to a lon/lat envelope. Corner and
// edge midpoints are sampled so curved projections do not clip the extent.
func (a *Adapter) geographicExtent(bbox BBox, targetCRS, wgs84 *crs.CRS) (lonMin, latMin, lonMax, latMax float64, err error) {
	midX := (bbox.MinX + bbox.MaxX) / 2
	midY := (bbox.MinY + bbox.MaxY) / 2
	pts := []crs.Point{
		{X: bbox.MinX, Y: bbox.MinY}, {X: bbox.MaxX, Y: bbox.MinY},
		{X: bbox.MinX, Y: bbox.MaxY}, {X: bbox.MaxX, Y: bbox.MaxY},
		{X: midX, Y: bbox.MinY}, {X: midX, Y: bbox.MaxY},
		{X: bbox.MinX, Y: midY}, {X: bbox.MaxX, Y: midY},
	}
	geo, err := a.reg.TransformMany(pts, targetCRS, wgs84)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	lonMin, latMin = math.Inf(1), math.Inf(1)
	lonMax, latMax = math.Inf(-1), math.Inf(-1)
	for _, p := range geo {
		lonMin = math.Min(lonMin, p.X)
		lonMax = math.Max(lonMax, p.X)
		latMin = math.Min(latMin, p.Y)
		latMax = math.Max(latMax, p.Y)
	}
	return lonMin, latMin, lonMax, latMax, nil
}

// chooseZoom picks the smallest zoom whose ground resolution is at least as
// fine as requested, clamped to the service range.
func chooseZoom(resolution float64, targetCRS *crs.CRS, midLat float64, svc tiles.Service) int {
	metersPerUnit := targetCRS.ToMeter
	if targetCRS.Geographic {
		metersPerUnit = 111320 * math.Cos(midLat*math.Pi/180)
	}
	wantMeters := resolution * metersPerUnit

	tileSize := float64(svc.TileSize)
	if tileSize <= 0 {
		tileSize = 256
	}

	zoom := svc.MinZoom
	for zoom < svc.MaxZoom {
		ground := mercatorWorld / tileSize / math.Exp2(float64(zoom)) * math.Cos(midLat*math.Pi/180)
		if ground <= wantMeters {
			break
		}
		zoom++
	}
	return zoom
}

// tileRange returns the inclusive slippy tile rectangle covering the lon/lat
// envelope at the given zoom.
func tileRange(lonMin, latMin, lonMax, latMax float64, zoom int) (minCol, minRow, maxCol, maxRow int) {
	z := maptile.Zoom(zoom)
	// Row grows southward, so the north edge gives the min row.
	tl := maptile.At(orb.Point{lonMin, latMax}, z)
	br := maptile.At(orb.Point{lonMax, latMin}, z)
	return int(tl.X), int(tl.Y), int(br.X), int(br.Y)
}

// buildMosaic fetches the tile rectangle with bounded parallelism and
// stitches decoded tiles into one mercator-frame grid. Failed tiles leave
// no-data holes; the count of failures is returned.
func (a *Adapter) buildMosaic(ctx context.Context, svc tiles.Service, zoom, minCol, minRow, nx, ny, tileSize int, mercator *crs.CRS, parallelism int) (*Grid, int, error) {
	// Mosaic frame: tile (minCol, minRow)'s top-left corner.
	tl := tiles.MercatorBounds(tiles.Key{Service: svc.ID, Zoom: zoom, Col: minCol, Row: minRow})
	cellSize := mercatorWorld / float64(int(1)<<zoom) / float64(tileSize)

	elevation := svc.Encoding == "terrarium" || svc.Encoding == "mapboxrgb"
	var mosaic *Grid
	if elevation {
		mosaic = NewElevationGrid(nx*tileSize, ny*tileSize, cellSize, tl[0], tl[3], mercator)
	} else {
		mosaic = NewImageryGrid(nx*tileSize, ny*tileSize, cellSize, tl[0], tl[3], mercator)
	}

	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for row := minRow; row <= minRow+ny-1; row++ {
		for col := minCol; col <= minCol+nx-1; col++ {
			key := tiles.Key{Service: svc.ID, Zoom: zoom, Col: col, Row: row}
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				entry, err := a.cache.GetOrFetch(gctx, key)
				if err != nil {
					var fe *tiles.FetchError
					if errors.As(err, &fe) {
						// A failed tile becomes a no-data gap.
						mu.Lock()
						failed++
						mu.Unlock()
						zap.L().Warn("raster: tile failed, filling no-data",
							zap.String("key", key.String()), zap.Error(err))
						return nil
					}
					return err
				}

				img, _, err := image.Decode(bytes.NewReader(entry.Data))
				if err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
					zap.L().Warn("raster: undecodable tile, filling no-data",
						zap.String("key", key.String()), zap.Error(err))
					return nil
				}

				offX := (col - minCol) * tileSize
				offY := (row - minRow) * tileSize
				mu.Lock()
				blitTile(mosaic, img, offX, offY, tileSize, svc.Encoding)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, 0, eris.Wrap(err, "raster: fetch tiles")
	}
	return mosaic, failed, nil
}

// blitTile copies one decoded tile into the mosaic, converting elevation
// encodings to scalar samples.
func blitTile(mosaic *Grid, img image.Image, offX, offY, tileSize int, encoding string) {
	b := img.Bounds()
	w := minInt(tileSize, b.Dx())
	h := minInt(tileSize, b.Dy())

	for y := range h {
		for x := range w {
			r, g, bl, al := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			r8, g8, b8, a8 := uint8(r>>8), uint8(g>>8), uint8(bl>>8), uint8(al>>8)
			switch encoding {
			case "terrarium":
				mosaic.SetSample(offX+x, offY+y, float64(r8)*256+float64(g8)+float64(b8)/256-32768)
			case "mapboxrgb":
				mosaic.SetSample(offX+x, offY+y, -10000+float64(int(r8)<<16|int(g8)<<8|int(b8))*0.1)
			default:
				mosaic.SetPixel(offX+x, offY+y, pixel(r8, g8, b8, a8))
			}
		}
	}
}

// resample projects each output cell center into the mosaic frame and reads
// the source value with the selected kernel. Seam-free: the mosaic is one
// continuous grid, so tile edges have no special casing.
func (a *Adapter) resample(mosaic *Grid, bbox BBox, targetCRS, mercator *crs.CRS, resolution float64, mode Resampling) (*Grid, error) {
	width := int(math.Ceil((bbox.MaxX - bbox.MinX) / resolution))
	height := int(math.Ceil((bbox.MaxY - bbox.MinY) / resolution))
	if width <= 0 || height <= 0 {
		return nil, eris.Errorf("raster: degenerate output size %dx%d", width, height)
	}

	var out *Grid
	if mosaic.Kind == KindElevation {
		out = NewElevationGrid(width, height, resolution, bbox.MinX, bbox.MaxY, targetCRS)
	} else {
		out = NewImageryGrid(width, height, resolution, bbox.MinX, bbox.MaxY, targetCRS)
	}

	// One batched transform for all cell centers keeps the pipeline
	// derivation out of the per-point loop.
	centers := make([]crs.Point, width*height)
	for row := range height {
		for col := range width {
			x, y := out.CellCenter(col, row)
			centers[row*width+col] = crs.Point{X: x, Y: y}
		}
	}
	src, err := a.reg.TransformMany(centers, targetCRS, mercator)
	if err != nil {
		return nil, eris.Wrap(err, "raster: project output grid")
	}

	for row := range height {
		for col := range width {
			p := src[row*width+col]
			if mosaic.Kind == KindElevation {
				var v float64
				if mode == ResampleBilinear {
					sample, ok := mosaic.Sample(p.X, p.Y)
					if !ok {
						continue
					}
					v = sample
				} else {
					c, r, ok := mosaic.cellIndex(p.X, p.Y)
					if !ok {
						continue
					}
					v = mosaic.SampleAt(c, r)
				}
				if !math.IsNaN(v) {
					out.SetSample(col, row, v)
				}
			} else {
				px, ok := mosaic.samplePixel(p.X, p.Y, mode)
				if ok {
					out.SetPixel(col, row, px)
				}
			}
		}
	}
	return out, nil
}

// cellIndex maps georeferenced coordinates to a cell index, false outside.
func (g *Grid) cellIndex(x, y float64) (col, row int, ok bool) {
	col = int(math.Floor((x - g.OriginX) / g.CellSize))
	row = int(math.Floor((g.OriginY - y) / g.CellSize))
	if col < 0 || col >= g.Width || row < 0 || row >= g.Height {
		return 0, 0, false
	}
	return col, row, true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
