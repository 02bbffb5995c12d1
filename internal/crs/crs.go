// Package crs resolves coordinate reference system definitions and computes
// transforms between them. CRS values are immutable and shared; resolution
// results are cached per registry so repeated lookups of the same identifier
// do not re-parse the definition.
package crs

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/ctessum/geom/proj"
	"github.com/rotisserie/eris"
)

var (
	// ErrInvalidCRS is returned for malformed definitions or unknown
	// authority codes.
	ErrInvalidCRS = errors.New("crs: invalid CRS definition")

	// ErrTransformUnsupported is returned when no valid datum path exists
	// between two CRSs.
	ErrTransformUnsupported = errors.New("crs: no transform path between CRSs")
)

// Point is a 2D coordinate in some CRS's native frame.
type Point struct {
	X float64
	Y float64
}

// CRS is an immutable coordinate reference system. Instances are shared by
// reference and must never be mutated after construction.
type CRS struct {
	// ID is the normalized identifier this CRS was resolved from, either
	// "EPSG:<code>" or a raw proj definition string.
	ID string

	// Geographic reports whether coordinates are degrees (longitude,
	// latitude) rather than projected linear units.
	Geographic bool

	// ToMeter converts one linear unit of this CRS to meters. 1 for
	// meter-based projected CRSs; undefined but set to 1 for geographic.
	ToMeter float64

	sr *proj.SR
}

func (c *CRS) String() string { return c.ID }

// Equal reports whether two CRSs resolve to the same normalized identifier.
func (c *CRS) Equal(other *CRS) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.ID == other.ID
}

// Registry caches resolved CRSs and derived transform pipelines.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*CRS
	transforms map[string]proj.Transformer
}

// NewRegistry returns an empty CRS registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[string]*CRS),
		transforms: make(map[string]proj.Transformer),
	}
}

// Resolve parses a CRS descriptor and returns the shared CRS for it.
// Accepted forms: "EPSG:<code>", a bare numeric EPSG code, or a proj
// definition string ("+proj=..."). Returns ErrInvalidCRS for anything else.
func (r *Registry) Resolve(def string) (*CRS, error) {
	id, projDef, err := normalize(def)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	cached, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	sr, err := proj.Parse(projDef)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidCRS, "parse %q: %v", def, err)
	}

	c := &CRS{
		ID:         id,
		Geographic: sr.Name == "longlat",
		ToMeter:    sr.ToMeter,
		sr:         sr,
	}
	if c.ToMeter == 0 {
		c.ToMeter = 1
	}

	r.mu.Lock()
	// Another caller may have resolved the same id concurrently; the first
	// stored value wins so all callers share one instance.
	if prior, ok := r.byID[id]; ok {
		c = prior
	} else {
		r.byID[id] = c
	}
	r.mu.Unlock()

	return c, nil
}

// Transform converts a single point from one CRS's native frame to another's,
// including any datum shift on the path. Safe for concurrent use.
func (r *Registry) Transform(pt Point, from, to *CRS) (Point, error) {
	out, err := r.TransformMany([]Point{pt}, from, to)
	if err != nil {
		return Point{}, err
	}
	return out[0], nil
}

// TransformMany converts points in input order, deriving the transform
// pipeline once for the whole batch. This is the hot path for large
// geometries and grids.
func (r *Registry) TransformMany(pts []Point, from, to *CRS) ([]Point, error) {
	if from.Equal(to) {
		out := make([]Point, len(pts))
		copy(out, pts)
		return out, nil
	}

	t, err := r.transformer(from, to)
	if err != nil {
		return nil, err
	}

	out := make([]Point, len(pts))
	for i, p := range pts {
		x, y, err := t(p.X, p.Y)
		if err != nil {
			return nil, eris.Wrapf(ErrTransformUnsupported, "point %d (%g, %g) from %s to %s: %v",
				i, p.X, p.Y, from.ID, to.ID, err)
		}
		out[i] = Point{X: x, Y: y}
	}
	return out, nil
}

// transformer returns the cached pipeline for the (from, to) pair, deriving
// it on first use.
func (r *Registry) transformer(from, to *CRS) (proj.Transformer, error) {
	key := from.ID + "\x00" + to.ID

	r.mu.RLock()
	t, ok := r.transforms[key]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := from.sr.NewTransform(to.sr)
	if err != nil {
		return nil, eris.Wrapf(ErrTransformUnsupported, "%s -> %s: %v", from.ID, to.ID, err)
	}

	r.mu.Lock()
	if prior, ok := r.transforms[key]; ok {
		t = prior
	} else {
		r.transforms[key] = t
	}
	r.mu.Unlock()

	return t, nil
}

// normalize maps a user-supplied descriptor to (normalized id, proj string).
func normalize(def string) (id, projDef string, err error) {
	def = strings.TrimSpace(def)
	if def == "" {
		return "", "", eris.Wrap(ErrInvalidCRS, "empty definition")
	}

	if strings.HasPrefix(def, "+") {
		return def, def, nil
	}

	code := def
	if i := strings.IndexByte(def, ':'); i >= 0 {
		authority := strings.ToUpper(def[:i])
		if authority != "EPSG" {
			return "", "", eris.Wrapf(ErrInvalidCRS, "unknown authority %q", def[:i])
		}
		code = def[i+1:]
	}

	n, convErr := strconv.Atoi(code)
	if convErr != nil {
		return "", "", eris.Wrapf(ErrInvalidCRS, "non-numeric EPSG code %q", code)
	}

	projDef, ok := epsgProj4(n)
	if !ok {
		return "", "", eris.Wrapf(ErrInvalidCRS, "unknown EPSG code %d", n)
	}
	return "EPSG:" + strconv.Itoa(n), projDef, nil
}
