// Package georef holds the authoritative georeferencing frame of a scene:
// one CRS, a local origin in that CRS, and a unit scale. Every ingestion and
// export path converts coordinates through this state; nothing else in the
// engine does origin math on its own.
package georef

import (
	"errors"

	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/geoforge/geoforge/internal/crs"
)

// ErrNotInitialized is returned when a conversion is requested before any
// geodata import has established a frame.
var ErrNotInitialized = errors.New("georef: no georeferencing state set")

// State is the per-scene georeferencing frame. All reads and writes are
// serialized under one lock; a reprojection holds the write lock for its
// whole lifetime so no import can observe a mixed frame.
type State struct {
	mu  sync.RWMutex
	reg *crs.Registry

	set     bool
	crs     *crs.CRS
	originX float64
	originY float64
	scale   float64
}

// NewState returns an empty state bound to a CRS registry.
func NewState(reg *crs.Registry) *State {
	return &State{reg: reg, scale: 1}
}

// Initialized reports whether a frame has been adopted.
func (s *State) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

// CRS returns the authoritative CRS, or nil before initialization.
func (s *State) CRS() *crs.CRS {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crs
}

// Origin returns the local origin in CRS units.
func (s *State) Origin() crs.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crs.Point{X: s.originX, Y: s.originY}
}

// Scale returns the unit scale factor applied to local coordinates.
func (s *State) Scale() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scale
}

// ToLocal converts a point in the authoritative CRS to scene-local
// coordinates: (pt - origin) * scale.
func (s *State) ToLocal(pt crs.Point) (crs.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return crs.Point{}, ErrNotInitialized
	}
	return s.toLocalLocked(pt), nil
}

// ToGlobal converts a scene-local point back to the authoritative CRS.
// Exact inverse of ToLocal for the same state.
func (s *State) ToGlobal(pt crs.Point) (crs.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return crs.Point{}, ErrNotInitialized
	}
	return crs.Point{X: pt.X/s.scale + s.originX, Y: pt.Y/s.scale + s.originY}, nil
}

func (s *State) toLocalLocked(pt crs.Point) crs.Point {
	return crs.Point{X: (pt.X - s.originX) * s.scale, Y: (pt.Y - s.originY) * s.scale}
}

// LocalizeMany transforms points from a source CRS into the authoritative
// frame and then to scene-local coordinates, in input order. This is the
// single entry point importers use, so no import can bypass the frame.
func (s *State) LocalizeMany(pts []crs.Point, src *crs.CRS) ([]crs.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return nil, ErrNotInitialized
	}

	global, err := s.reg.TransformMany(pts, src, s.crs)
	if err != nil {
		return nil, eris.Wrap(err, "georef: localize")
	}
	for i := range global {
		global[i] = s.toLocalLocked(global[i])
	}
	return global, nil
}

// SetOrMerge adopts or reconciles a frame for an incoming import.
//
// First call adopts (newCRS, origin, scale=1) and returns (nil, nil). A
// later import in the same CRS keeps the existing origin; incoming geometry
// is simply localized against it, so again (nil, nil). A differing CRS is a
// reprojection event: the returned transaction holds the state write lock
// and the caller must migrate all existing scene geometry through it, then
// Commit or Rollback.
func (s *State) SetOrMerge(newCRS *crs.CRS, origin crs.Point) (*Reprojection, error) {
	s.mu.Lock()

	if !s.set {
		s.set = true
		s.crs = newCRS
		s.originX = origin.X
		s.originY = origin.Y
		s.scale = 1
		s.mu.Unlock()
		zap.L().Info("georef: frame adopted",
			zap.String("crs", newCRS.ID),
			zap.Float64("origin_x", origin.X),
			zap.Float64("origin_y", origin.Y),
		)
		return nil, nil
	}

	if s.crs.Equal(newCRS) {
		// Existing origin wins; translation happens in LocalizeMany.
		s.mu.Unlock()
		return nil, nil
	}

	// Derive the old->new pipeline up front so a missing datum path fails
	// before anything is migrated.
	if _, err := s.reg.TransformMany([]crs.Point{{X: s.originX, Y: s.originY}}, s.crs, newCRS); err != nil {
		s.mu.Unlock()
		return nil, eris.Wrapf(err, "georef: reproject %s -> %s", s.crs.ID, newCRS.ID)
	}

	zap.L().Info("georef: reprojection event",
		zap.String("from", s.crs.ID),
		zap.String("to", newCRS.ID),
	)

	// The write lock is intentionally held until Commit or Rollback.
	return &Reprojection{
		state:     s,
		oldCRS:    s.crs,
		newCRS:    newCRS,
		oldOrigin: crs.Point{X: s.originX, Y: s.originY},
		newOrigin: origin,
		scale:     s.scale,
	}, nil
}

// Reprojection is an exclusive transaction migrating the scene from one CRS
// to another. While it is open the state write lock is held: conversions and
// imports block until Commit or Rollback.
type Reprojection struct {
	state     *State
	oldCRS    *crs.CRS
	newCRS    *crs.CRS
	oldOrigin crs.Point
	newOrigin crs.Point
	scale     float64
	done      bool
}

// From returns the CRS being migrated away from.
func (r *Reprojection) From() *crs.CRS { return r.oldCRS }

// To returns the CRS being migrated into.
func (r *Reprojection) To() *crs.CRS { return r.newCRS }

// TransformLocal re-expresses old-frame local coordinates in the new frame:
// old local -> old CRS -> new CRS -> new local. Pure; does not touch state.
func (r *Reprojection) TransformLocal(pts []crs.Point) ([]crs.Point, error) {
	global := make([]crs.Point, len(pts))
	for i, p := range pts {
		global[i] = crs.Point{X: p.X/r.scale + r.oldOrigin.X, Y: p.Y/r.scale + r.oldOrigin.Y}
	}

	out, err := r.state.reg.TransformMany(global, r.oldCRS, r.newCRS)
	if err != nil {
		return nil, eris.Wrap(err, "georef: migrate geometry")
	}
	for i := range out {
		out[i] = crs.Point{X: (out[i].X - r.newOrigin.X) * r.scale, Y: (out[i].Y - r.newOrigin.Y) * r.scale}
	}
	return out, nil
}

// Commit installs the new frame and releases the lock.
func (r *Reprojection) Commit() {
	if r.done {
		return
	}
	r.done = true
	s := r.state
	s.crs = r.newCRS
	s.originX = r.newOrigin.X
	s.originY = r.newOrigin.Y
	s.mu.Unlock()
	zap.L().Info("georef: reprojection committed", zap.String("crs", r.newCRS.ID))
}

// Rollback abandons the migration, leaving the old frame intact.
func (r *Reprojection) Rollback() {
	if r.done {
		return
	}
	r.done = true
	r.state.mu.Unlock()
	zap.L().Warn("georef: reprojection rolled back",
		zap.String("from", r.oldCRS.ID),
		zap.String("to", r.newCRS.ID),
	)
}
