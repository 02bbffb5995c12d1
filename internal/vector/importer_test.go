package vector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoforge/geoforge/internal/crs"
	"github.com/geoforge/geoforge/internal/georef"
)

func newImporter(t *testing.T) (*Importer, *georef.State, *crs.Registry) {
	t.Helper()
	reg := crs.NewRegistry()
	state := georef.NewState(reg)
	return NewImporter(reg, state), state, reg
}

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"roads.shp":     FormatShapefile,
		"extract.osm":   FormatOSM,
		"extract.XML":   FormatOSM,
		"parks.geojson": FormatGeoJSON,
		"parks.json":    FormatGeoJSON,
	}
	for name, want := range cases {
		got, err := DetectFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := DetectFormat("lidar.laz")
	assert.Error(t, err)
}

const geojsonFixture = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"name": "anchor"},
     "geometry": {"type": "Point", "coordinates": [10.0, 50.0]}},
    {"type": "Feature", "properties": {"highway": "path"},
     "geometry": {"type": "LineString", "coordinates": [[10.0, 50.0], [10.001, 50.001]]}},
    {"type": "Feature", "properties": {"building": "yes"},
     "geometry": {"type": "Polygon", "coordinates": [[[10.0, 50.0], [10.001, 50.0], [10.001, 50.001], [10.0, 50.0]]]}},
    {"type": "Feature", "properties": {"broken": true},
     "geometry": {"type": "LineString", "coordinates": [[10.0, 50.0]]}}
  ]
}`

func TestImport_GeoJSON(t *testing.T) {
	im, state, _ := newImporter(t)
	path := writeFixture(t, "parks.geojson", geojsonFixture)

	res, err := im.Import(context.Background(), Source{Format: FormatGeoJSON, Path: path})
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "EPSG:4326", res.SourceCRS.ID)
	require.Len(t, res.Geometries, 3)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 3, res.Skipped[0].Index)

	// The scene adopted the source CRS anchored at the first vertex.
	assert.True(t, state.Initialized())
	assert.Equal(t, "EPSG:4326", state.CRS().ID)
	assert.InDelta(t, 10.0, state.Origin().X, 1e-12)
	assert.InDelta(t, 50.0, state.Origin().Y, 1e-12)

	pt := res.Geometries[0]
	assert.Equal(t, TypePoint, pt.Type)
	assert.InDelta(t, 0, pt.Coords[0][0], 1e-12)
	assert.InDelta(t, 0, pt.Coords[0][1], 1e-12)
	assert.Equal(t, "anchor", pt.Attrs["name"])

	line := res.Geometries[1]
	assert.Equal(t, TypePolyline, line.Type)
	assert.Len(t, line.Coords, 2)

	poly := res.Geometries[2]
	assert.Equal(t, TypePolygon, poly.Type)
	// Closing vertex dropped: ring stored open.
	assert.Len(t, poly.Coords, 3)
}

func TestImport_GeoJSON_Corrupt(t *testing.T) {
	im, _, _ := newImporter(t)
	path := writeFixture(t, "broken.geojson", `{"type": "FeatureCollec`)

	_, err := im.Import(context.Background(), Source{Format: FormatGeoJSON, Path: path})
	assert.ErrorIs(t, err, ErrCorruptSource)
}

const osmFixture = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6">
  <node id="1" lat="50.0" lon="10.0"/>
  <node id="2" lat="50.001" lon="10.0"/>
  <node id="3" lat="50.001" lon="10.001"/>
  <node id="4" lat="50.0005" lon="10.0005">
    <tag k="amenity" v="fountain"/>
  </node>
  <way id="100">
    <nd ref="1"/>
    <nd ref="2"/>
    <nd ref="3"/>
    <tag k="highway" v="residential"/>
  </way>
  <way id="101">
    <nd ref="1"/>
    <nd ref="2"/>
    <nd ref="3"/>
    <nd ref="1"/>
    <tag k="building" v="yes"/>
  </way>
  <way id="102">
    <nd ref="1"/>
    <nd ref="999"/>
  </way>
</osm>`

func TestImport_OSM(t *testing.T) {
	im, state, _ := newImporter(t)
	path := writeFixture(t, "extract.osm", osmFixture)

	res, err := im.Import(context.Background(), Source{Format: FormatOSM, Path: path})
	require.NoError(t, err)

	require.Len(t, res.Geometries, 3)
	require.Len(t, res.Skipped, 1)
	assert.Contains(t, res.Skipped[0].Reason, "missing node")

	assert.Equal(t, "EPSG:4326", state.CRS().ID)

	assert.Equal(t, TypePoint, res.Geometries[0].Type)
	assert.Equal(t, "fountain", res.Geometries[0].Attrs["amenity"])

	assert.Equal(t, TypePolyline, res.Geometries[1].Type)
	assert.Len(t, res.Geometries[1].Coords, 3)
	assert.Equal(t, "residential", res.Geometries[1].Attrs["highway"])

	assert.Equal(t, TypePolygon, res.Geometries[2].Type)
	assert.Len(t, res.Geometries[2].Coords, 3)
	assert.Equal(t, "yes", res.Geometries[2].Attrs["building"])
}

const osmRelationFixture = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6">
  <node id="1" lat="50.0" lon="10.0"/>
  <node id="2" lat="50.0" lon="10.001"/>
  <node id="3" lat="50.001" lon="10.001"/>
  <node id="4" lat="50.001" lon="10.0"/>
  <way id="100">
    <nd ref="1"/>
    <nd ref="2"/>
    <nd ref="3"/>
  </way>
  <way id="101">
    <nd ref="3"/>
    <nd ref="4"/>
    <nd ref="1"/>
  </way>
  <relation id="200">
    <member type="way" ref="100" role="outer"/>
    <member type="way" ref="101" role="outer"/>
    <tag k="type" v="multipolygon"/>
    <tag k="landuse" v="forest"/>
  </relation>
  <relation id="201">
    <member type="way" ref="100" role=""/>
    <tag k="type" v="route"/>
  </relation>
  <relation id="202">
    <member type="way" ref="999" role="outer"/>
    <tag k="type" v="multipolygon"/>
  </relation>
</osm>`

func TestImport_OSM_Relations(t *testing.T) {
	im, _, _ := newImporter(t)
	path := writeFixture(t, "relations.osm", osmRelationFixture)

	res, err := im.Import(context.Background(), Source{Format: FormatOSM, Path: path})
	require.NoError(t, err)

	// Two bare ways plus the materialized multipolygon.
	require.Len(t, res.Geometries, 3)

	poly := res.Geometries[2]
	assert.Equal(t, TypePolygon, poly.Type)
	assert.Len(t, poly.Coords, 4)
	assert.Equal(t, "forest", poly.Attrs["landuse"])

	// Non-multipolygon and dangling relations land on the warning trail.
	require.Len(t, res.Skipped, 2)
	assert.Contains(t, res.Skipped[0].Reason, "not materialized")
	assert.Contains(t, res.Skipped[1].Reason, "missing way")
}

func TestImport_SecondSourceReprojectedIntoFrame(t *testing.T) {
	im, state, reg := newImporter(t)

	// Frame already established in web mercator, anchored at the mercator
	// image of (10E, 50N).
	merc, err := reg.Resolve("EPSG:3857")
	require.NoError(t, err)
	repro, err := state.SetOrMerge(merc, crs.Point{X: 1113194.9079, Y: 6446275.8410})
	require.NoError(t, err)
	require.Nil(t, repro)

	path := writeFixture(t, "parks.geojson", geojsonFixture)
	res, err := im.Import(context.Background(), Source{Format: FormatGeoJSON, Path: path})
	require.NoError(t, err)

	// The frame is untouched and the lon/lat point lands at the local origin.
	assert.Equal(t, "EPSG:3857", state.CRS().ID)
	assert.InDelta(t, 0, res.Geometries[0].Coords[0][0], 0.01)
	assert.InDelta(t, 0, res.Geometries[0].Coords[0][1], 0.01)
}

func writeTestShapefile(t *testing.T, dir string, withPrj bool) string {
	t.Helper()
	path := filepath.Join(dir, "sites.shp")

	w, err := shp.Create(path, shp.POINT)
	require.NoError(t, err)
	w.SetFields([]shp.Field{
		shp.StringField("NAME", 25),
		shp.FloatField("HEIGHT", 16, 3),
	})
	w.Write(&shp.Point{X: 500000, Y: 5800000})
	require.NoError(t, w.WriteAttribute(0, 0, "alpha"))
	require.NoError(t, w.WriteAttribute(0, 1, 12.5))
	w.Write(&shp.Point{X: 500010, Y: 5799990})
	require.NoError(t, w.WriteAttribute(1, 0, "beta"))
	require.NoError(t, w.WriteAttribute(1, 1, 7.25))
	w.Close()

	if withPrj {
		wkt := `PROJCS["WGS 84 / UTM zone 33N",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]],PROJECTION["Transverse_Mercator"],UNIT["metre",1],AUTHORITY["EPSG","32633"]]`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "sites.prj"), []byte(wkt), 0o644))
	}
	return path
}

func TestImport_Shapefile(t *testing.T) {
	im, state, _ := newImporter(t)
	path := writeTestShapefile(t, t.TempDir(), true)

	res, err := im.Import(context.Background(), Source{Format: FormatShapefile, Path: path})
	require.NoError(t, err)

	assert.Equal(t, "EPSG:32633", res.SourceCRS.ID)
	assert.Equal(t, "EPSG:32633", state.CRS().ID)
	require.Len(t, res.Geometries, 2)
	assert.Empty(t, res.Skipped)

	first := res.Geometries[0]
	assert.Equal(t, TypePoint, first.Type)
	assert.InDelta(t, 0, first.Coords[0][0], 1e-9)
	assert.InDelta(t, 0, first.Coords[0][1], 1e-9)
	assert.Equal(t, "alpha", first.Attrs["NAME"])
	assert.Equal(t, 12.5, first.Attrs["HEIGHT"])

	second := res.Geometries[1]
	assert.InDelta(t, 10, second.Coords[0][0], 1e-9)
	assert.InDelta(t, -10, second.Coords[0][1], 1e-9)
	assert.Equal(t, "beta", second.Attrs["NAME"])
}

func TestImport_Shapefile_NoCRS(t *testing.T) {
	im, _, _ := newImporter(t)
	path := writeTestShapefile(t, t.TempDir(), false)

	_, err := im.Import(context.Background(), Source{Format: FormatShapefile, Path: path})
	assert.Error(t, err)

	// A caller-supplied hint unblocks the import.
	res, err := im.Import(context.Background(), Source{Format: FormatShapefile, Path: path, CRSHint: "EPSG:32633"})
	require.NoError(t, err)
	assert.Equal(t, "EPSG:32633", res.SourceCRS.ID)
}

func TestImport_Shapefile_Missing(t *testing.T) {
	im, _, _ := newImporter(t)
	_, err := im.Import(context.Background(), Source{
		Format: FormatShapefile,
		Path:   filepath.Join(t.TempDir(), "absent.shp"),
	})
	assert.ErrorIs(t, err, ErrCorruptSource)
}

func TestImport_Cancelled(t *testing.T) {
	im, _, _ := newImporter(t)
	path := writeFixture(t, "parks.geojson", geojsonFixture)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := im.Import(ctx, Source{Format: FormatGeoJSON, Path: path})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShapefileCRS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.shp")

	assert.Equal(t, "", shapefileCRS(path), "no sidecar")

	wkt := `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137,298.257223563]]]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.prj"), []byte(wkt), 0o644))
	assert.Equal(t, "EPSG:4326", shapefileCRS(path))

	wkt = `PROJCS["ETRS89 / UTM zone 32N",AUTHORITY["EPSG","25832"]]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.prj"), []byte(wkt), 0o644))
	assert.Equal(t, "EPSG:25832", shapefileCRS(path))
}

func TestDecodeAttr(t *testing.T) {
	assert.Equal(t, 42.5, decodeAttr('N', "42.5"))
	assert.Equal(t, true, decodeAttr('L', "T"))
	assert.Equal(t, false, decodeAttr('L', "n"))
	assert.Equal(t, "main st", decodeAttr('C', "main st"))
	// Non-numeric content in a numeric field falls back to the raw string.
	assert.Equal(t, "n/a", decodeAttr('N', "n/a"))
}
