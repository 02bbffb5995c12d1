// Package vector streams records out of heterogeneous vector formats and
// normalizes them into scene-local geometry through the georeferencing
// state. The format set is closed: shapefile, OSM XML, GeoJSON.
package vector

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/geoforge/geoforge/internal/crs"
)

// ErrCorruptSource marks a structurally unreadable source. Individual bad
// records never raise it; they are skipped with a warning instead.
var ErrCorruptSource = errors.New("vector: corrupt source")

// Type tags a normalized geometry variant.
type Type int

const (
	TypePoint Type = iota
	TypePolyline
	TypePolygon
)

func (t Type) String() string {
	switch t {
	case TypePoint:
		return "point"
	case TypePolyline:
		return "polyline"
	case TypePolygon:
		return "polygon"
	}
	return "unknown"
}

// Geometry is one normalized record in scene-local coordinates. For polygons
// Coords is the outer ring, unclosed. Ownership passes to the caller.
type Geometry struct {
	Type   Type
	Coords [][3]float64
	// Has3D reports whether the source carried elevations; when false the
	// Z of every vertex is zero and draping decides final heights.
	Has3D bool
	Attrs map[string]any
}

// SkippedRecord is the warning trail for one malformed record.
type SkippedRecord struct {
	Index  int
	Reason string
}

func (s SkippedRecord) String() string {
	return fmt.Sprintf("record %d: %s", s.Index, s.Reason)
}

// Result is a completed import: everything that normalized cleanly plus the
// warning trail of what did not.
type Result struct {
	SessionID  string
	SourceCRS  *crs.CRS
	Geometries []Geometry
	Skipped    []SkippedRecord
}

// Format tags the closed set of supported vector formats.
type Format int

const (
	FormatShapefile Format = iota
	FormatOSM
	FormatGeoJSON
)

// Source hands one vector file to the importer. CRSHint is used when the
// source embeds no CRS of its own; an embedded definition takes precedence.
type Source struct {
	Format  Format
	Path    string
	CRSHint string
}

// DetectFormat maps a file extension to its format tag.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return FormatShapefile, nil
	case ".osm", ".xml":
		return FormatOSM, nil
	case ".geojson", ".json":
		return FormatGeoJSON, nil
	}
	return 0, fmt.Errorf("vector: unrecognized extension %q", filepath.Ext(path))
}

// rawRecord is a decoded record still in source-CRS coordinates.
type rawRecord struct {
	typ    Type
	coords [][3]float64
	has3D  bool
	attrs  map[string]any
}
