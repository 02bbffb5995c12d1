package raster

import (
	"bytes"
	"encoding/binary"
	"image"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"golang.org/x/image/tiff"

	"github.com/geoforge/geoforge/internal/crs"
)

// geoTags is the georeferencing subset of a TIFF's tag directory: the affine
// pixel-to-world transform and the CRS code. Container parsing beyond this
// stays with the image decoder.
type geoTags struct {
	pixelScaleX float64
	pixelScaleY float64
	tiepointX   float64 // world X of pixel (0,0)
	tiepointY   float64 // world Y of pixel (0,0)
	epsg        int
}

const (
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGeoDoubleParams = 34736

	geoKeyGeographicType = 2048
	geoKeyProjectedCS    = 3072
)

// ReadGeoTIFF loads a local GeoTIFF into a grid. Grayscale rasters become
// elevation grids, everything else imagery. The embedded CRS and affine
// transform are honored; a GeoTIFF without either is rejected.
func ReadGeoTIFF(path string, reg *crs.Registry) (*Grid, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "raster: read %s", path)
	}

	tags, err := parseGeoTags(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "raster: parse geotags of %s", path)
	}

	c, err := reg.Resolve("EPSG:" + strconv.Itoa(tags.epsg))
	if err != nil {
		return nil, eris.Wrapf(err, "raster: CRS of %s", path)
	}

	img, err := tiff.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrapf(err, "raster: decode %s", path)
	}

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray, *image.Gray16:
		g := NewElevationGrid(width, height, tags.pixelScaleX, tags.tiepointX, tags.tiepointY, c)
		for row := range height {
			for col := range width {
				v, _, _, _ := img.At(b.Min.X+col, b.Min.Y+row).RGBA()
				if _, ok := src.(*image.Gray16); ok {
					g.SetSample(col, row, float64(v))
				} else {
					g.SetSample(col, row, float64(v>>8))
				}
			}
		}
		return g, nil
	default:
		g := NewImageryGrid(width, height, tags.pixelScaleX, tags.tiepointX, tags.tiepointY, c)
		for row := range height {
			for col := range width {
				r, gr, bl, al := img.At(b.Min.X+col, b.Min.Y+row).RGBA()
				g.SetPixel(col, row, pixel(uint8(r>>8), uint8(gr>>8), uint8(bl>>8), uint8(al>>8)))
			}
		}
		return g, nil
	}
}

// parseGeoTags walks the first IFD of a classic TIFF for the three
// georeferencing tags. BigTIFF is not handled; DEM archives that size are
// expected to arrive through tile services instead.
func parseGeoTags(raw []byte) (*geoTags, error) {
	if len(raw) < 8 {
		return nil, eris.New("truncated header")
	}

	var order binary.ByteOrder
	switch {
	case raw[0] == 'I' && raw[1] == 'I':
		order = binary.LittleEndian
	case raw[0] == 'M' && raw[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, eris.New("not a TIFF file")
	}
	if order.Uint16(raw[2:4]) != 42 {
		return nil, eris.New("unsupported TIFF variant")
	}

	ifdOff := int64(order.Uint32(raw[4:8]))
	if ifdOff+2 > int64(len(raw)) {
		return nil, eris.New("IFD offset out of range")
	}

	n := int(order.Uint16(raw[ifdOff : ifdOff+2]))
	tags := &geoTags{}
	var sawScale, sawTiepoint bool

	for i := range n {
		entry := raw[ifdOff+2+int64(i)*12:]
		if len(entry) < 12 {
			return nil, eris.New("truncated IFD entry")
		}
		tag := order.Uint16(entry[0:2])
		ftype := order.Uint16(entry[2:4])
		count := order.Uint32(entry[4:8])

		switch tag {
		case tagModelPixelScale:
			vals, err := readDoubles(raw, entry, order, ftype, count)
			if err != nil {
				return nil, err
			}
			if len(vals) < 2 {
				return nil, eris.New("short ModelPixelScale")
			}
			tags.pixelScaleX, tags.pixelScaleY = vals[0], vals[1]
			sawScale = true
		case tagModelTiepoint:
			vals, err := readDoubles(raw, entry, order, ftype, count)
			if err != nil {
				return nil, err
			}
			if len(vals) < 6 {
				return nil, eris.New("short ModelTiepoint")
			}
			// (i, j, k, X, Y, Z): pixel (i, j) sits at world (X, Y).
			tags.tiepointX = vals[3] - vals[0]*tags.pixelScaleX
			tags.tiepointY = vals[4] + vals[1]*tags.pixelScaleY
			sawTiepoint = true
		case tagGeoKeyDirectory:
			keys, err := readShorts(raw, entry, order, ftype, count)
			if err != nil {
				return nil, err
			}
			tags.epsg = epsgFromGeoKeys(keys)
		}
	}

	if !sawScale || !sawTiepoint {
		return nil, eris.New("missing georeferencing transform tags")
	}
	if tags.epsg == 0 {
		return nil, eris.New("missing CRS geo key")
	}
	return tags, nil
}

// epsgFromGeoKeys prefers the projected CS code, falling back to the
// geographic one.
func epsgFromGeoKeys(keys []uint16) int {
	if len(keys) < 4 {
		return 0
	}
	geographic := 0
	numKeys := int(keys[3])
	for i := 1; i <= numKeys && (i+1)*4 <= len(keys); i++ {
		keyID := keys[i*4]
		loc := keys[i*4+1]
		value := keys[i*4+3]
		if loc != 0 {
			continue // value stored in another tag; codes never are
		}
		switch keyID {
		case geoKeyProjectedCS:
			return int(value)
		case geoKeyGeographicType:
			geographic = int(value)
		}
	}
	return geographic
}

func entryValueBytes(raw, entry []byte, order binary.ByteOrder, size int64) ([]byte, error) {
	if size <= 4 {
		return entry[8 : 8+size], nil
	}
	off := int64(order.Uint32(entry[8:12]))
	if off+size > int64(len(raw)) {
		return nil, io.ErrUnexpectedEOF
	}
	return raw[off : off+size], nil
}

func readDoubles(raw, entry []byte, order binary.ByteOrder, ftype uint16, count uint32) ([]float64, error) {
	if ftype != 12 { // DOUBLE
		return nil, eris.Errorf("unexpected field type %d for double tag", ftype)
	}
	data, err := entryValueBytes(raw, entry, order, int64(count)*8)
	if err != nil {
		return nil, eris.Wrap(err, "read doubles")
	}
	out := make([]float64, count)
	for i := range out {
		out[i] = math.Float64frombits(order.Uint64(data[i*8:]))
	}
	return out, nil
}

func readShorts(raw, entry []byte, order binary.ByteOrder, ftype uint16, count uint32) ([]uint16, error) {
	if ftype != 3 { // SHORT
		return nil, eris.Errorf("unexpected field type %d for short tag", ftype)
	}
	data, err := entryValueBytes(raw, entry, order, int64(count)*2)
	if err != nil {
		return nil, eris.Wrap(err, "read shorts")
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = order.Uint16(data[i*2:])
	}
	return out, nil
}
