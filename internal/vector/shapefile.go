package vector

import (
	"context"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"
)

// item carries one decoded record or one skip through a reader channel.
type item struct {
	index  int
	rec    rawRecord
	skip   bool
	reason string
}

var prjAuthorityRe = regexp.MustCompile(`AUTHORITY\["EPSG",\s*"?(\d+)"?\]`)

// shapefileCRS derives a CRS definition from the .prj sidecar next to the
// given .shp. Returns "" when there is no sidecar or it names no known CRS.
func shapefileCRS(shpPath string) string {
	base := strings.TrimSuffix(shpPath, ".shp")
	raw, err := os.ReadFile(base + ".prj")
	if err != nil {
		return ""
	}
	wkt := string(raw)

	// ESRI WKT usually carries an EPSG authority block; the last one names
	// the full CRS rather than a nested datum or unit.
	if m := prjAuthorityRe.FindAllStringSubmatch(wkt, -1); len(m) > 0 {
		return "EPSG:" + m[len(m)-1][1]
	}

	switch {
	case strings.Contains(wkt, "Web_Mercator"), strings.Contains(wkt, "Pseudo-Mercator"):
		return "EPSG:3857"
	case strings.Contains(wkt, "GCS_WGS_1984"), strings.Contains(wkt, `GEOGCS["WGS 84"`):
		return "EPSG:4326"
	}
	return ""
}

// streamShapefile decodes a shapefile record by record. The item channel is
// closed when the file is exhausted; the error channel carries at most one
// container-level failure.
func streamShapefile(ctx context.Context, path string) (<-chan item, <-chan error, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(ErrCorruptSource, "open shapefile %s: %v", path, err)
	}

	fields := reader.Fields()

	outCh := make(chan item, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)
		defer func() { _ = reader.Close() }()

		index := -1
		for reader.Next() {
			index++
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "vector: shapefile read cancelled")
				return
			}

			_, shape := reader.Shape()
			attrs := readAttrs(reader, fields)

			emitted := false
			for _, rec := range shapeToRecords(shape, attrs) {
				outCh <- item{index: index, rec: rec}
				emitted = true
			}
			if !emitted {
				outCh <- item{index: index, skip: true, reason: "unsupported or empty shape"}
			}
		}
		if err := reader.Err(); err != nil {
			errCh <- eris.Wrapf(ErrCorruptSource, "read shapefile %s: %v", path, err)
		}
	}()

	return outCh, errCh, nil
}

// readAttrs decodes the DBF row for the current record. Numeric and logical
// fields are converted; everything else stays a trimmed string.
func readAttrs(reader *shp.Reader, fields []shp.Field) map[string]any {
	attrs := make(map[string]any, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		raw := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
		if raw == "" {
			continue
		}
		attrs[name] = decodeAttr(f.Fieldtype, raw)
	}
	return attrs
}

func decodeAttr(fieldType byte, raw string) any {
	switch fieldType {
	case 'N', 'F':
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	case 'L':
		switch raw {
		case "T", "t", "Y", "y":
			return true
		case "F", "f", "N", "n":
			return false
		}
	}
	// DBF text is commonly Latin-1.
	if !utf8.ValidString(raw) {
		if dec, err := charmap.ISO8859_1.NewDecoder().String(raw); err == nil {
			return dec
		}
	}
	return raw
}

// shapeToRecords converts one go-shp shape into zero or more raw records.
// Multi-part lines and polygons yield one record per part.
func shapeToRecords(shape shp.Shape, attrs map[string]any) []rawRecord {
	switch s := shape.(type) {
	case *shp.Point:
		return []rawRecord{{typ: TypePoint, coords: [][3]float64{{s.X, s.Y, 0}}, attrs: attrs}}

	case *shp.PointZ:
		return []rawRecord{{typ: TypePoint, coords: [][3]float64{{s.X, s.Y, s.Z}}, has3D: true, attrs: attrs}}

	case *shp.MultiPoint:
		recs := make([]rawRecord, 0, len(s.Points))
		for _, p := range s.Points {
			recs = append(recs, rawRecord{typ: TypePoint, coords: [][3]float64{{p.X, p.Y, 0}}, attrs: cloneAttrs(attrs)})
		}
		return recs

	case *shp.PolyLine:
		return partRecords(TypePolyline, s.Parts, s.Points, nil, 2, attrs)

	case *shp.PolyLineZ:
		return partRecords(TypePolyline, s.Parts, s.Points, s.ZArray, 2, attrs)

	case *shp.Polygon:
		return partRecords(TypePolygon, s.Parts, s.Points, nil, 3, attrs)

	case *shp.PolygonZ:
		return partRecords(TypePolygon, s.Parts, s.Points, s.ZArray, 3, attrs)
	}
	return nil
}

// partRecords slices a parted shape into per-part records. Polygon parts
// arrive closed in the file; the closing vertex is dropped so rings are
// stored open. Parts shorter than minPts after that are discarded.
func partRecords(typ Type, parts []int32, points []shp.Point, zs []float64, minPts int, attrs map[string]any) []rawRecord {
	var recs []rawRecord
	for i := range parts {
		start := int(parts[i])
		end := len(points)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		if start < 0 || end > len(points) || start >= end {
			continue
		}

		coords := make([][3]float64, 0, end-start)
		has3D := false
		for j := start; j < end; j++ {
			z := 0.0
			if zs != nil && j < len(zs) {
				z = zs[j]
				has3D = true
			}
			coords = append(coords, [3]float64{points[j].X, points[j].Y, z})
		}

		if typ == TypePolygon && len(coords) > 1 && samePoint(coords[0], coords[len(coords)-1]) {
			coords = coords[:len(coords)-1]
		}
		if len(coords) < minPts {
			continue
		}
		recs = append(recs, rawRecord{typ: typ, coords: coords, has3D: has3D, attrs: cloneAttrs(attrs)})
	}
	return recs
}

func samePoint(a, b [3]float64) bool {
	return math.Abs(a[0]-b[0]) < 1e-12 && math.Abs(a[1]-b[1]) < 1e-12
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
