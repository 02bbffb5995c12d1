package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/geoforge/geoforge/internal/crs"
	"github.com/geoforge/geoforge/internal/raster"
	"github.com/geoforge/geoforge/internal/terrain"
	"github.com/geoforge/geoforge/internal/vector"
)

var (
	meshOut        string
	meshCRSHint    string
	meshDEMPath    string
	meshDEMService string
	meshResolution float64
	meshTolerance  float64
	meshMerge      string
	meshOutside    string
)

var meshCmd = &cobra.Command{
	Use:   "mesh <file>...",
	Short: "Build a terrain mesh from vector files",
	Long: `Imports the given vector files into one scene, triangulates their vertices
with linework as constraint edges, optionally drapes elevations from a local
GeoTIFF or a remote elevation service, and writes a Wavefront OBJ.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("mesh"); err != nil {
			return err
		}
		if meshDEMPath != "" && meshDEMService != "" {
			return eris.New("--dem and --dem-service are mutually exclusive")
		}

		merge, err := parseMergeStrategy(meshMerge)
		if err != nil {
			return err
		}
		outside, err := parseOutsidePolicy(meshOutside)
		if err != nil {
			return err
		}

		e, err := buildEnv(meshDEMService != "")
		if err != nil {
			return err
		}
		defer e.Close()

		log := zap.L().With(zap.String("command", "mesh"))

		im := vector.NewImporter(e.Reg, e.State)
		tol := meshTolerance
		if tol == 0 {
			tol = cfg.Mesh.SnapTolerance
		}
		builder := terrain.NewBuilder(terrain.Options{SnapTolerance: tol, Merge: merge})

		totalSkipped := 0
		ext := newExtent()
		for _, path := range args {
			src, err := sourceForPath(path)
			if err != nil {
				return err
			}
			if meshCRSHint != "" {
				src.CRSHint = meshCRSHint
			}
			res, err := im.Import(ctx, src)
			if err != nil {
				return err
			}
			totalSkipped += len(res.Skipped)
			for _, g := range res.Geometries {
				if err := builder.AddGeometry(g); err != nil {
					return err
				}
				for _, c := range g.Coords {
					ext.add(c[0], c[1])
				}
			}
		}

		if err := builder.Triangulate(); err != nil {
			return err
		}
		if n := len(builder.UnrecoveredConstraints()); n > 0 {
			log.Warn("constraint edges missing from mesh", zap.Int("count", n))
		}

		if meshDEMPath != "" || meshDEMService != "" {
			grid, err := elevationGrid(ctx, e, ext)
			if err != nil {
				return err
			}
			sampler, err := localSampler(grid, e)
			if err != nil {
				return err
			}
			if err := builder.Drape(sampler, outside); err != nil {
				return err
			}
		}

		m, err := builder.Mesh()
		if err != nil {
			return err
		}
		if err := m.Validate(); err != nil {
			return err
		}

		out, err := os.Create(meshOut)
		if err != nil {
			return eris.Wrapf(err, "create %s", meshOut)
		}
		defer func() { _ = out.Close() }()
		if err := m.WriteOBJ(out); err != nil {
			return err
		}

		log.Info("mesh written",
			zap.String("path", meshOut),
			zap.Int("vertices", len(m.Vertices)),
			zap.Int("triangles", len(m.Triangles)),
			zap.Int("skipped_records", totalSkipped),
		)
		return nil
	},
}

// extent accumulates a scene-local bounding box over imported vertices.
type extent struct {
	minX, minY, maxX, maxY float64
	any                    bool
}

func newExtent() *extent {
	return &extent{minX: math.Inf(1), minY: math.Inf(1), maxX: math.Inf(-1), maxY: math.Inf(-1)}
}

func (x *extent) add(px, py float64) {
	x.minX = math.Min(x.minX, px)
	x.minY = math.Min(x.minY, py)
	x.maxX = math.Max(x.maxX, px)
	x.maxY = math.Max(x.maxY, py)
	x.any = true
}

// elevationGrid loads the draping DEM either from a local GeoTIFF or by
// fetching the scene footprint from the configured elevation service.
func elevationGrid(ctx context.Context, e *env, ext *extent) (*raster.Grid, error) {
	if meshDEMPath != "" {
		return raster.ReadGeoTIFF(meshDEMPath, e.Reg)
	}

	if !ext.any || !e.State.Initialized() {
		return nil, eris.New("no geometry imported; cannot derive a DEM region")
	}
	res := meshResolution
	if res <= 0 {
		return nil, eris.New("--dem-resolution must be > 0 when using --dem-service")
	}

	// Local extent back to scene CRS, padded by one cell on each side.
	lo, err := e.State.ToGlobal(crs.Point{X: ext.minX, Y: ext.minY})
	if err != nil {
		return nil, err
	}
	hi, err := e.State.ToGlobal(crs.Point{X: ext.maxX, Y: ext.maxY})
	if err != nil {
		return nil, err
	}
	bbox := raster.BBox{
		MinX: math.Min(lo.X, hi.X) - res,
		MinY: math.Min(lo.Y, hi.Y) - res,
		MaxX: math.Max(lo.X, hi.X) + res,
		MaxY: math.Max(lo.Y, hi.Y) + res,
	}

	return e.Adapter.FetchRegion(ctx, meshDEMService, bbox, e.State.CRS(), res, raster.RegionOptions{
		MaxTiles:    cfg.Fetch.MaxTiles,
		Parallelism: cfg.Fetch.Parallelism,
	})
}

// localSampler adapts a grid in an arbitrary CRS to scene-local sampling.
func localSampler(grid *raster.Grid, e *env) (terrain.Sampler, error) {
	if grid.Kind != raster.KindElevation {
		return nil, eris.New("draping requires an elevation grid")
	}
	return &sceneSampler{grid: grid, e: e}, nil
}

// sceneSampler converts scene-local XY to the grid CRS before sampling.
type sceneSampler struct {
	grid *raster.Grid
	e    *env
}

func (s *sceneSampler) Sample(x, y float64) (float64, bool) {
	global, err := s.e.State.ToGlobal(crs.Point{X: x, Y: y})
	if err != nil {
		return 0, false
	}
	pt, err := s.e.Reg.Transform(global, s.e.State.CRS(), s.grid.CRS)
	if err != nil {
		return 0, false
	}
	return s.grid.Sample(pt.X, pt.Y)
}

func (s *sceneSampler) Bounds() (minX, minY, maxX, maxY float64) {
	// Grid corners expressed in scene-local coordinates.
	gMinX, gMinY, gMaxX, gMaxY := s.grid.Bounds()
	corners := []crs.Point{
		{X: gMinX, Y: gMinY}, {X: gMaxX, Y: gMinY},
		{X: gMaxX, Y: gMaxY}, {X: gMinX, Y: gMaxY},
	}
	first := true
	for _, c := range corners {
		pt, err := s.e.Reg.Transform(c, s.grid.CRS, s.e.State.CRS())
		if err != nil {
			continue
		}
		local, err := s.e.State.ToLocal(pt)
		if err != nil {
			continue
		}
		if first {
			minX, maxX = local.X, local.X
			minY, maxY = local.Y, local.Y
			first = false
			continue
		}
		minX = math.Min(minX, local.X)
		minY = math.Min(minY, local.Y)
		maxX = math.Max(maxX, local.X)
		maxY = math.Max(maxY, local.Y)
	}
	return minX, minY, maxX, maxY
}

func init() {
	rootCmd.AddCommand(meshCmd)
	meshCmd.Flags().StringVarP(&meshOut, "out", "o", "terrain.obj", "output OBJ path")
	meshCmd.Flags().StringVar(&meshCRSHint, "crs", "", "CRS for sources that embed none")
	meshCmd.Flags().StringVar(&meshDEMPath, "dem", "", "GeoTIFF elevation file to drape from")
	meshCmd.Flags().StringVar(&meshDEMService, "dem-service", "", "elevation tile service to drape from")
	meshCmd.Flags().Float64Var(&meshResolution, "dem-resolution", 0, "DEM resolution in scene CRS units per cell")
	meshCmd.Flags().Float64Var(&meshTolerance, "snap-tolerance", 0, "vertex snap tolerance in scene units")
	meshCmd.Flags().StringVar(&meshMerge, "merge", "", "Z merge strategy: keep_first, average_z or max_z")
	meshCmd.Flags().StringVar(&meshOutside, "outside", "", "drape policy off-grid: zero, clamp or error")
}
