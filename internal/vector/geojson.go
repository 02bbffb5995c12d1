package vector

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	geomt "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// streamGeoJSON reads a FeatureCollection (or a single Feature) and emits one
// record per simple geometry, exploding Multi* variants. GeoJSON coordinates
// are EPSG:4326 lon/lat by definition.
func streamGeoJSON(ctx context.Context, path string) (<-chan item, <-chan error, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(ErrCorruptSource, "open geojson %s: %v", path, err)
	}

	var fc geojson.FeatureCollection
	if err := json.Unmarshal(raw, &fc); err != nil {
		// A bare Feature is also accepted.
		var feat geojson.Feature
		if ferr := json.Unmarshal(raw, &feat); ferr != nil {
			return nil, nil, eris.Wrapf(ErrCorruptSource, "parse geojson %s: %v", path, err)
		}
		fc.Features = []*geojson.Feature{&feat}
	}

	outCh := make(chan item, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		for index, feat := range fc.Features {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "vector: geojson read cancelled")
				return
			}

			if feat == nil || feat.Geometry == nil {
				outCh <- item{index: index, skip: true, reason: "feature has no geometry"}
				continue
			}

			recs := geomRecords(feat.Geometry, feat.Properties)
			if len(recs) == 0 {
				outCh <- item{index: index, skip: true, reason: "unsupported or degenerate geometry"}
				continue
			}
			for _, rec := range recs {
				outCh <- item{index: index, rec: rec}
			}
		}
	}()

	return outCh, errCh, nil
}

// geomRecords flattens a go-geom geometry into raw records. Only outer rings
// of polygons are kept; interior rings are holes and do not contribute
// standalone geometry.
func geomRecords(g geomt.T, props map[string]any) []rawRecord {
	has3D := g.Layout().ZIndex() >= 0

	switch s := g.(type) {
	case *geomt.Point:
		return []rawRecord{{typ: TypePoint, coords: coordList([]geomt.Coord{s.Coords()}, has3D), has3D: has3D, attrs: props}}

	case *geomt.MultiPoint:
		recs := make([]rawRecord, 0, s.NumPoints())
		for _, c := range s.Coords() {
			recs = append(recs, rawRecord{typ: TypePoint, coords: coordList([]geomt.Coord{c}, has3D), has3D: has3D, attrs: cloneAttrs(props)})
		}
		return recs

	case *geomt.LineString:
		return lineRecords([][]geomt.Coord{s.Coords()}, has3D, props)

	case *geomt.MultiLineString:
		return lineRecords(s.Coords(), has3D, props)

	case *geomt.Polygon:
		return ringRecords([][][]geomt.Coord{s.Coords()}, has3D, props)

	case *geomt.MultiPolygon:
		return ringRecords(s.Coords(), has3D, props)
	}
	return nil
}

func lineRecords(lines [][]geomt.Coord, has3D bool, props map[string]any) []rawRecord {
	var recs []rawRecord
	for _, line := range lines {
		if len(line) < 2 {
			continue
		}
		recs = append(recs, rawRecord{typ: TypePolyline, coords: coordList(line, has3D), has3D: has3D, attrs: cloneAttrs(props)})
	}
	return recs
}

func ringRecords(polys [][][]geomt.Coord, has3D bool, props map[string]any) []rawRecord {
	var recs []rawRecord
	for _, rings := range polys {
		if len(rings) == 0 {
			continue
		}
		outer := coordList(rings[0], has3D)
		// GeoJSON rings are closed; store them open.
		if len(outer) > 1 && samePoint(outer[0], outer[len(outer)-1]) {
			outer = outer[:len(outer)-1]
		}
		if len(outer) < 3 {
			continue
		}
		recs = append(recs, rawRecord{typ: TypePolygon, coords: outer, has3D: has3D, attrs: cloneAttrs(props)})
	}
	return recs
}

func coordList(coords []geomt.Coord, has3D bool) [][3]float64 {
	out := make([][3]float64, 0, len(coords))
	for _, c := range coords {
		v := [3]float64{c[0], c[1], 0}
		if has3D && len(c) > 2 {
			v[2] = c[2]
		}
		out = append(out, v)
	}
	return out
}
