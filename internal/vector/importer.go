package vector

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/geoforge/geoforge/internal/crs"
	"github.com/geoforge/geoforge/internal/georef"
)

// Importer drives one vector source through decoding, CRS resolution and
// localization into the scene frame. Safe for concurrent use; frame
// consistency is enforced by the georef state itself.
type Importer struct {
	reg   *crs.Registry
	state *georef.State
	log   *zap.Logger
}

func NewImporter(reg *crs.Registry, state *georef.State) *Importer {
	return &Importer{
		reg:   reg,
		state: state,
		log:   zap.L().With(zap.String("component", "vector")),
	}
}

// Import consumes the source to completion. The first import into an empty
// scene adopts the source CRS with the origin at the first vertex seen; later
// imports are reprojected into the established frame. Malformed records are
// skipped and reported in the result, never fatal. Cancellation is honored at
// record boundaries.
func (im *Importer) Import(ctx context.Context, src Source) (*Result, error) {
	srcCRS, err := im.sourceCRS(src)
	if err != nil {
		return nil, err
	}

	items, errCh, err := im.open(ctx, src)
	if err != nil {
		return nil, err
	}

	res := &Result{
		SessionID: uuid.NewString(),
		SourceCRS: srcCRS,
	}
	im.log.Info("import started",
		zap.String("session", res.SessionID),
		zap.String("path", src.Path),
		zap.String("crs", srcCRS.ID),
	)

	for it := range items {
		if it.skip {
			res.Skipped = append(res.Skipped, SkippedRecord{Index: it.index, Reason: it.reason})
			im.log.Warn("record skipped",
				zap.String("session", res.SessionID),
				zap.Int("record", it.index),
				zap.String("reason", it.reason),
			)
			continue
		}

		g, err := im.localize(it.rec, srcCRS)
		if err != nil {
			res.Skipped = append(res.Skipped, SkippedRecord{Index: it.index, Reason: err.Error()})
			im.log.Warn("record skipped",
				zap.String("session", res.SessionID),
				zap.Int("record", it.index),
				zap.Error(err),
			)
			continue
		}
		res.Geometries = append(res.Geometries, g)
	}

	if err := <-errCh; err != nil {
		return nil, err
	}

	im.log.Info("import finished",
		zap.String("session", res.SessionID),
		zap.Int("geometries", len(res.Geometries)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

func (im *Importer) open(ctx context.Context, src Source) (<-chan item, <-chan error, error) {
	switch src.Format {
	case FormatShapefile:
		return streamShapefile(ctx, src.Path)
	case FormatOSM:
		return streamOSM(ctx, src.Path)
	case FormatGeoJSON:
		return streamGeoJSON(ctx, src.Path)
	}
	return nil, nil, fmt.Errorf("vector: unknown format %d", src.Format)
}

// sourceCRS picks the CRS for a source: an embedded definition wins, then
// the caller's hint. OSM and GeoJSON coordinates are WGS 84 by definition.
func (im *Importer) sourceCRS(src Source) (*crs.CRS, error) {
	switch src.Format {
	case FormatOSM, FormatGeoJSON:
		return im.reg.Resolve("EPSG:4326")
	}

	if _, err := os.Stat(src.Path); err != nil {
		return nil, eris.Wrapf(ErrCorruptSource, "open shapefile %s: %v", src.Path, err)
	}

	def := shapefileCRS(src.Path)
	if def == "" {
		def = src.CRSHint
	}
	if def == "" {
		return nil, eris.Errorf("vector: %s has no .prj and no CRS hint was given", src.Path)
	}
	c, err := im.reg.Resolve(def)
	if err != nil {
		return nil, eris.Wrapf(err, "vector: source CRS %q", def)
	}
	return c, nil
}

// localize moves one record from source coordinates into the scene-local
// frame, adopting a frame first if the scene has none.
func (im *Importer) localize(rec rawRecord, srcCRS *crs.CRS) (Geometry, error) {
	if len(rec.coords) == 0 {
		return Geometry{}, eris.New("empty geometry")
	}

	if !im.state.Initialized() {
		// Anchor the scene at the first vertex of the first record.
		origin := crs.Point{X: rec.coords[0][0], Y: rec.coords[0][1]}
		repro, err := im.state.SetOrMerge(srcCRS, origin)
		if err != nil {
			return Geometry{}, err
		}
		if repro != nil {
			// A racing import initialized the frame first; keep it.
			repro.Rollback()
		}
	}

	pts := make([]crs.Point, len(rec.coords))
	for i, c := range rec.coords {
		pts[i] = crs.Point{X: c[0], Y: c[1]}
	}
	local, err := im.state.LocalizeMany(pts, srcCRS)
	if err != nil {
		return Geometry{}, err
	}

	coords := make([][3]float64, len(local))
	for i, p := range local {
		coords[i] = [3]float64{p.X, p.Y, rec.coords[i][2]}
	}
	return Geometry{Type: rec.typ, Coords: coords, Has3D: rec.has3D, Attrs: rec.attrs}, nil
}
