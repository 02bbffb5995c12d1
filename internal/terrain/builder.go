package terrain

import (
	"errors"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/geoforge/geoforge/internal/vector"
)

// ErrBuilderState is returned when a builder method is called out of order;
// a builder is single-use and moves strictly forward through its phases.
var ErrBuilderState = errors.New("terrain: builder used out of phase")

// ErrOutsideGrid is returned by draping with OutsideError when a vertex
// falls outside the elevation grid.
var ErrOutsideGrid = errors.New("terrain: vertex outside elevation grid")

type phase int

const (
	phaseCollecting phase = iota
	phaseTriangulated
	phaseDraped
	phaseFinalized
)

// MergeStrategy decides the Z of a vertex that snaps onto an existing one.
type MergeStrategy int

const (
	// MergeKeepFirst keeps the elevation of the vertex seen first.
	MergeKeepFirst MergeStrategy = iota
	// MergeAverageZ averages the elevations of all coincident vertices.
	MergeAverageZ
	// MergeMaxZ keeps the highest elevation seen.
	MergeMaxZ
)

// OutsidePolicy decides what draping does with vertices beyond the grid.
type OutsidePolicy int

const (
	// OutsideZero assigns elevation zero.
	OutsideZero OutsidePolicy = iota
	// OutsideClamp samples the nearest grid edge.
	OutsideClamp
	// OutsideError aborts the drape.
	OutsideError
)

// Options tunes vertex snapping. The zero value gets default tolerances.
type Options struct {
	// SnapTolerance is the distance below which two vertices collapse into
	// one. Defaults to 1e-6 scene units.
	SnapTolerance float64
	Merge         MergeStrategy
	// AreaEpsilon is the doubled XY area below which a triangle is discarded
	// as a sliver. Defaults to DefaultAreaEpsilon.
	AreaEpsilon float64
}

type vertex struct {
	x, y, z float64
	n       int     // samples merged in, for MergeAverageZ
	carried bool    // z came from a 3D source and survives draping
}

// Builder accumulates geometry, triangulates it once, optionally drapes it,
// and hands out the mesh. Not safe for concurrent use.
type Builder struct {
	phase phase
	opts  Options
	log   *zap.Logger

	verts       []vertex
	cells       map[[2]int64][]int
	constraints [][2]int

	triangles   [][3]int
	unrecovered [][2]int
}

func NewBuilder(opts Options) *Builder {
	if opts.SnapTolerance <= 0 {
		opts.SnapTolerance = 1e-6
	}
	if opts.AreaEpsilon <= 0 {
		opts.AreaEpsilon = DefaultAreaEpsilon
	}
	return &Builder{
		opts:  opts,
		log:   zap.L().With(zap.String("component", "terrain")),
		cells: make(map[[2]int64][]int),
	}
}

// AddPoint feeds one standalone vertex. The z is provisional and yields to
// draping; use AddGeometry for sources that carry real elevations.
func (b *Builder) AddPoint(x, y, z float64) error {
	if b.phase != phaseCollecting {
		return ErrBuilderState
	}
	b.snap(x, y, z, false)
	return nil
}

// AddPolyline feeds a line whose segments become constraint edges.
func (b *Builder) AddPolyline(coords [][3]float64) error {
	if b.phase != phaseCollecting {
		return ErrBuilderState
	}
	b.addChain(coords, false, false)
	return nil
}

// AddPolygon feeds an open ring; all its edges, including the closing one,
// become constraint edges.
func (b *Builder) AddPolygon(coords [][3]float64) error {
	if b.phase != phaseCollecting {
		return ErrBuilderState
	}
	b.addChain(coords, true, false)
	return nil
}

// AddGeometry feeds an imported record, dispatching on its type. Vertices of
// a 3D source keep their carried elevation through draping.
func (b *Builder) AddGeometry(g vector.Geometry) error {
	if b.phase != phaseCollecting {
		return ErrBuilderState
	}
	switch g.Type {
	case vector.TypePoint:
		if len(g.Coords) == 0 {
			return nil
		}
		c := g.Coords[0]
		b.snap(c[0], c[1], c[2], g.Has3D)
		return nil
	case vector.TypePolyline:
		b.addChain(g.Coords, false, g.Has3D)
		return nil
	case vector.TypePolygon:
		b.addChain(g.Coords, true, g.Has3D)
		return nil
	}
	return eris.Errorf("terrain: unknown geometry type %d", g.Type)
}

func (b *Builder) addChain(coords [][3]float64, closed, carried bool) {
	idx := make([]int, len(coords))
	for i, c := range coords {
		idx[i] = b.snap(c[0], c[1], c[2], carried)
	}
	for i := 1; i < len(idx); i++ {
		if idx[i-1] != idx[i] {
			b.constraints = append(b.constraints, [2]int{idx[i-1], idx[i]})
		}
	}
	if closed && len(idx) > 2 && idx[len(idx)-1] != idx[0] {
		b.constraints = append(b.constraints, [2]int{idx[len(idx)-1], idx[0]})
	}
}

// snap returns the index of the vertex within tolerance of (x, y), merging Z
// per the strategy, or appends a new vertex. Lookup is a 3x3 neighborhood in
// a uniform grid keyed at tolerance pitch. A carried elevation always beats a
// provisional one; the merge strategy arbitrates between peers.
func (b *Builder) snap(x, y, z float64, carried bool) int {
	tol := b.opts.SnapTolerance
	cx := int64(math.Floor(x / tol))
	cy := int64(math.Floor(y / tol))

	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for _, i := range b.cells[[2]int64{cx + dx, cy + dy}] {
				v := &b.verts[i]
				if math.Hypot(v.x-x, v.y-y) <= tol {
					switch {
					case carried && !v.carried:
						v.z = z
						v.carried = true
					case !carried && v.carried:
						// keep the carried elevation
					default:
						switch b.opts.Merge {
						case MergeAverageZ:
							v.z = (v.z*float64(v.n) + z) / float64(v.n+1)
						case MergeMaxZ:
							if z > v.z {
								v.z = z
							}
						}
					}
					v.n++
					return i
				}
			}
		}
	}

	b.verts = append(b.verts, vertex{x: x, y: y, z: z, n: 1, carried: carried})
	i := len(b.verts) - 1
	b.cells[[2]int64{cx, cy}] = append(b.cells[[2]int64{cx, cy}], i)
	return i
}

// VertexCount reports how many distinct vertices survived snapping so far.
func (b *Builder) VertexCount() int { return len(b.verts) }

// Triangulate closes the collection phase and runs the constrained
// triangulation. ErrDegenerateInput when fewer than three non-collinear
// vertices were collected.
func (b *Builder) Triangulate() error {
	if b.phase != phaseCollecting {
		return ErrBuilderState
	}

	pts := make([][2]float64, len(b.verts))
	for i, v := range b.verts {
		pts[i] = [2]float64{v.x, v.y}
	}

	tris, unrecovered, err := triangulate(pts, b.constraints, b.opts.AreaEpsilon)
	if err != nil {
		return err
	}
	b.triangles = tris
	b.unrecovered = unrecovered
	b.phase = phaseTriangulated

	b.log.Info("triangulated",
		zap.Int("vertices", len(b.verts)),
		zap.Int("triangles", len(tris)),
		zap.Int("constraints", len(b.constraints)),
	)
	if len(unrecovered) > 0 {
		b.log.Warn("constraint edges missing from triangulation",
			zap.Int("count", len(unrecovered)),
		)
	}
	return nil
}

// UnrecoveredConstraints lists the constraint edges, as vertex index pairs,
// that could not be forced into the triangulation. Empty before Triangulate.
func (b *Builder) UnrecoveredConstraints() [][2]int { return b.unrecovered }

// Sampler yields an elevation for a scene-local XY position. The second
// result is false when the position has no usable data.
type Sampler interface {
	Sample(x, y float64) (float64, bool)
	Bounds() (minX, minY, maxX, maxY float64)
}

// Drape assigns elevations from the sampler to every vertex whose source was
// 2D-only; vertices that carried their own elevation keep it. Runs at most
// once, after Triangulate.
func (b *Builder) Drape(s Sampler, policy OutsidePolicy) error {
	if b.phase != phaseTriangulated {
		return ErrBuilderState
	}
	minX, minY, maxX, maxY := s.Bounds()

	for i := range b.verts {
		v := &b.verts[i]
		if v.carried {
			continue
		}
		x, y := v.x, v.y

		if z, ok := s.Sample(x, y); ok {
			v.z = z
			continue
		}

		switch policy {
		case OutsideZero:
			v.z = 0
		case OutsideClamp:
			x = clamp(x, minX, maxX)
			y = clamp(y, minY, maxY)
			if z, ok := s.Sample(x, y); ok {
				v.z = z
			} else {
				v.z = 0
			}
		case OutsideError:
			return eris.Wrapf(ErrOutsideGrid, "vertex %d at (%g, %g)", i, v.x, v.y)
		}
	}

	b.phase = phaseDraped
	return nil
}

// Mesh finalizes the builder and returns the result. Valid after
// Triangulate or Drape; the builder is spent afterwards.
func (b *Builder) Mesh() (*Mesh, error) {
	if b.phase != phaseTriangulated && b.phase != phaseDraped {
		return nil, ErrBuilderState
	}
	b.phase = phaseFinalized

	m := &Mesh{
		Vertices:  make([][3]float64, len(b.verts)),
		Triangles: b.triangles,
	}
	for i, v := range b.verts {
		m.Vertices[i] = [3]float64{v.x, v.y, v.z}
	}
	return m, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
