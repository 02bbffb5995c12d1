package terrain

import (
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"
)

// ErrDegenerateInput is returned when the input has fewer than three
// non-collinear vertices, so no triangle can exist.
var ErrDegenerateInput = errors.New("terrain: fewer than three non-collinear vertices")

type edgeKey struct{ a, b int }

func edge(a, b int) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

type triangle struct {
	v     [3]int
	alive bool
}

// orient returns twice the signed area of (a, b, c): positive when the
// triangle winds counter-clockwise.
func orient(ax, ay, bx, by, cx, cy float64) float64 {
	return (bx-ax)*(cy-ay) - (by-ay)*(cx-ax)
}

// inCircumcircle reports whether p lies strictly inside the circumcircle of
// the counter-clockwise triangle (a, b, c). Points on the circle count as
// outside; combined with lexicographic insertion order this resolves
// co-circular ties deterministically. The threshold scales with the squared
// distances so the predicate is independent of coordinate magnitude.
func inCircumcircle(ax, ay, bx, by, cx, cy, px, py float64) bool {
	adx, ady := ax-px, ay-py
	bdx, bdy := bx-px, by-py
	cdx, cdy := cx-px, cy-py
	ad := adx*adx + ady*ady
	bd := bdx*bdx + bdy*bdy
	cd := cdx*cdx + cdy*cdy
	det := adx*(bdy*cd-bd*cdy) - ady*(bdx*cd-bd*cdx) + ad*(bdx*cdy-bdy*cdx)
	maxd := math.Max(ad, math.Max(bd, cd))
	return det > 1e-12*maxd*maxd
}

// triangulator runs an incremental Bowyer-Watson triangulation over a fixed
// vertex slice, then forces constraint edges in by edge flipping.
type triangulator struct {
	// xy holds real vertices first, then the three synthetic super-triangle
	// corners.
	xy          [][2]float64
	tris        []triangle
	constrained map[edgeKey]bool
}

// triangulate builds a constrained Delaunay triangulation of the given
// points. Constraints are vertex index pairs that must appear as edges;
// constraints that cannot be recovered are returned alongside the triangles.
// Triangles with doubled area at or below areaEps are discarded. Points are
// inserted in lexicographic order so co-circular ties break the same way for
// any input ordering.
func triangulate(pts [][2]float64, constraints [][2]int, areaEps float64) ([][3]int, [][2]int, error) {
	if len(pts) < 3 {
		return nil, nil, ErrDegenerateInput
	}

	tr := &triangulator{
		xy:          make([][2]float64, len(pts), len(pts)+3),
		constrained: make(map[edgeKey]bool, len(constraints)),
	}
	copy(tr.xy, pts)

	order := make([]int, len(pts))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := pts[order[i]], pts[order[j]]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		return a[1] < b[1]
	})

	tr.addSuperTriangle()
	for _, i := range order {
		tr.insert(i)
	}
	tr.removeSuper(len(pts), areaEps)

	if tr.countAlive() == 0 {
		// Every point was collinear.
		return nil, nil, ErrDegenerateInput
	}

	var unrecovered [][2]int
	for _, c := range constraints {
		if !tr.enforce(c[0], c[1]) {
			unrecovered = append(unrecovered, c)
			zap.L().Warn("terrain: constraint edge could not be recovered",
				zap.Int("from", c[0]), zap.Int("to", c[1]),
			)
		}
	}
	tr.restoreDelaunay()

	return tr.collect(), unrecovered, nil
}

func (t *triangulator) addSuperTriangle() {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range t.xy {
		minX = math.Min(minX, p[0])
		minY = math.Min(minY, p[1])
		maxX = math.Max(maxX, p[0])
		maxY = math.Max(maxY, p[1])
	}
	cx, cy := (minX+maxX)/2, (minY+maxY)/2
	d := math.Max(maxX-minX, maxY-minY)
	if d == 0 {
		d = 1
	}
	d *= 64

	s := len(t.xy)
	t.xy = append(t.xy,
		[2]float64{cx - d, cy - d},
		[2]float64{cx + d, cy - d},
		[2]float64{cx, cy + d},
	)
	t.pushCCW(s, s+1, s+2)
}

func (t *triangulator) pushCCW(a, b, c int) {
	if orient(t.xy[a][0], t.xy[a][1], t.xy[b][0], t.xy[b][1], t.xy[c][0], t.xy[c][1]) < 0 {
		b, c = c, b
	}
	t.tris = append(t.tris, triangle{v: [3]int{a, b, c}, alive: true})
}

// insert adds point p, carving out every triangle whose circumcircle
// contains it and fanning the cavity boundary back to p.
func (t *triangulator) insert(p int) {
	px, py := t.xy[p][0], t.xy[p][1]

	edgeCount := make(map[edgeKey]int)
	edgeDir := make(map[edgeKey][2]int)
	for i := range t.tris {
		tri := &t.tris[i]
		if !tri.alive {
			continue
		}
		a, b, c := tri.v[0], tri.v[1], tri.v[2]
		if !inCircumcircle(t.xy[a][0], t.xy[a][1], t.xy[b][0], t.xy[b][1], t.xy[c][0], t.xy[c][1], px, py) {
			continue
		}
		tri.alive = false
		for _, e := range [][2]int{{a, b}, {b, c}, {c, a}} {
			k := edge(e[0], e[1])
			edgeCount[k]++
			edgeDir[k] = e
		}
	}

	// Edges seen once bound the cavity.
	for k, n := range edgeCount {
		if n != 1 {
			continue
		}
		e := edgeDir[k]
		t.pushCCW(e[0], e[1], p)
	}
}

func (t *triangulator) removeSuper(n int, areaEps float64) {
	for i := range t.tris {
		tri := &t.tris[i]
		if !tri.alive {
			continue
		}
		if tri.v[0] >= n || tri.v[1] >= n || tri.v[2] >= n {
			tri.alive = false
			continue
		}
		// Collinear inputs can leave zero-area slivers.
		a, b, c := t.xy[tri.v[0]], t.xy[tri.v[1]], t.xy[tri.v[2]]
		if orient(a[0], a[1], b[0], b[1], c[0], c[1]) <= areaEps {
			tri.alive = false
		}
	}
}

func (t *triangulator) countAlive() int {
	n := 0
	for i := range t.tris {
		if t.tris[i].alive {
			n++
		}
	}
	return n
}

// adjacency maps each edge of the live triangulation to the triangles
// sharing it.
func (t *triangulator) adjacency() map[edgeKey][]int {
	adj := make(map[edgeKey][]int)
	for i := range t.tris {
		if !t.tris[i].alive {
			continue
		}
		v := t.tris[i].v
		for _, e := range [][2]int{{v[0], v[1]}, {v[1], v[2]}, {v[2], v[0]}} {
			k := edge(e[0], e[1])
			adj[k] = append(adj[k], i)
		}
	}
	return adj
}

// segmentsCross reports proper intersection of segments ab and cd.
func (t *triangulator) segmentsCross(a, b, c, d int) bool {
	p, q, r, s := t.xy[a], t.xy[b], t.xy[c], t.xy[d]
	o1 := orient(p[0], p[1], q[0], q[1], r[0], r[1])
	o2 := orient(p[0], p[1], q[0], q[1], s[0], s[1])
	o3 := orient(r[0], r[1], s[0], s[1], p[0], p[1])
	o4 := orient(r[0], r[1], s[0], s[1], q[0], q[1])
	return o1*o2 < 0 && o3*o4 < 0
}

// enforce flips edges crossing segment (a, b) until the segment itself is an
// edge of the triangulation, then pins it against later flips. Reports
// whether the segment was recovered.
func (t *triangulator) enforce(a, b int) bool {
	if a == b {
		return true
	}
	maxIter := 4 * (len(t.tris) + 16)

	for iter := 0; iter < maxIter; iter++ {
		adj := t.adjacency()
		if _, ok := adj[edge(a, b)]; ok {
			t.constrained[edge(a, b)] = true
			return true
		}

		flipped := false
		for k, tris := range adj {
			if len(tris) != 2 || t.constrained[k] {
				continue
			}
			if !t.segmentsCross(a, b, k.a, k.b) {
				continue
			}
			if t.flip(k, tris[0], tris[1]) {
				flipped = true
				break
			}
		}
		if !flipped {
			return false
		}
	}
	return false
}

// flip replaces the diagonal k of the quad formed by triangles t1 and t2
// with the opposite diagonal. Returns false when the quad is not convex.
func (t *triangulator) flip(k edgeKey, t1, t2 int) bool {
	p := t.opposite(t1, k)
	q := t.opposite(t2, k)
	if p < 0 || q < 0 || p == q {
		return false
	}
	// The new diagonal must actually cross the old one.
	if !t.segmentsCross(p, q, k.a, k.b) {
		return false
	}
	t.tris[t1].alive = false
	t.tris[t2].alive = false
	t.pushCCW(p, q, k.a)
	t.pushCCW(p, q, k.b)
	return true
}

// opposite returns the vertex of triangle ti not on edge k, or -1.
func (t *triangulator) opposite(ti int, k edgeKey) int {
	for _, v := range t.tris[ti].v {
		if v != k.a && v != k.b {
			return v
		}
	}
	return -1
}

// restoreDelaunay runs Lawson flips on unconstrained interior edges until
// the empty-circumcircle property holds again or the pass budget runs out.
func (t *triangulator) restoreDelaunay() {
	for pass := 0; pass < 32; pass++ {
		adj := t.adjacency()
		changed := false
		for k, tris := range adj {
			if len(tris) != 2 || t.constrained[k] {
				continue
			}
			t1, t2 := tris[0], tris[1]
			if !t.tris[t1].alive || !t.tris[t2].alive {
				continue
			}
			p := t.opposite(t1, k)
			q := t.opposite(t2, k)
			if p < 0 || q < 0 {
				continue
			}
			v := t.tris[t1].v
			if inCircumcircle(t.xy[v[0]][0], t.xy[v[0]][1], t.xy[v[1]][0], t.xy[v[1]][1], t.xy[v[2]][0], t.xy[v[2]][1], t.xy[q][0], t.xy[q][1]) {
				if t.flip(k, t1, t2) {
					changed = true
				}
			}
		}
		if !changed {
			return
		}
	}
}

func (t *triangulator) collect() [][3]int {
	var out [][3]int
	for i := range t.tris {
		if t.tris[i].alive {
			out = append(out, t.tris[i].v)
		}
	}
	return out
}
