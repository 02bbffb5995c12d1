// Package terrain turns imported geometry into a triangulated terrain mesh:
// snap-deduplicated vertices, a constrained Delaunay triangulation honoring
// linework, and optional draping of elevations from a raster grid.
package terrain

import (
	"bufio"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
)

// DefaultAreaEpsilon is the smallest XY triangle area accepted by Validate
// and the sliver cull in the triangulator.
const DefaultAreaEpsilon = 1e-12

// Mesh is the finished triangulation. Vertices are scene-local XYZ;
// Triangles index into Vertices and wind counter-clockwise in the XY plane.
type Mesh struct {
	Vertices  [][3]float64
	Triangles [][3]int
}

// Validate checks the structural invariants with the default area epsilon.
func (m *Mesh) Validate() error {
	return m.ValidateArea(DefaultAreaEpsilon)
}

// ValidateArea checks indices in range, no repeated vertex inside a triangle,
// counter-clockwise winding, and XY area above areaEps.
func (m *Mesh) ValidateArea(areaEps float64) error {
	for i, tri := range m.Triangles {
		for _, v := range tri {
			if v < 0 || v >= len(m.Vertices) {
				return eris.Errorf("terrain: triangle %d references vertex %d of %d", i, v, len(m.Vertices))
			}
		}
		if tri[0] == tri[1] || tri[1] == tri[2] || tri[0] == tri[2] {
			return eris.Errorf("terrain: triangle %d repeats a vertex", i)
		}
		a, b, c := m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]]
		if orient(a[0], a[1], b[0], b[1], c[0], c[1])/2 <= areaEps {
			return eris.Errorf("terrain: triangle %d is degenerate or wound clockwise", i)
		}
	}
	return nil
}

// WriteOBJ streams the mesh as Wavefront OBJ. Face indices are 1-based per
// the format.
func (m *Mesh) WriteOBJ(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, v := range m.Vertices {
		if _, err := fmt.Fprintf(bw, "v %g %g %g\n", v[0], v[1], v[2]); err != nil {
			return eris.Wrap(err, "terrain: write obj vertex")
		}
	}
	for _, t := range m.Triangles {
		if _, err := fmt.Fprintf(bw, "f %d %d %d\n", t[0]+1, t[1]+1, t[2]+1); err != nil {
			return eris.Wrap(err, "terrain: write obj face")
		}
	}
	return eris.Wrap(bw.Flush(), "terrain: flush obj")
}
