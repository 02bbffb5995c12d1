// Package server exposes the tile cache and region adapter over HTTP: raw
// cached tiles, resampled regions and cache statistics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/geoforge/geoforge/internal/crs"
	"github.com/geoforge/geoforge/internal/raster"
	"github.com/geoforge/geoforge/internal/tiles"
)

// Server wires the HTTP surface to the engine.
type Server struct {
	cache   *tiles.Cache
	adapter *raster.Adapter
	reg     *crs.Registry
	log     *zap.Logger
}

func New(cache *tiles.Cache, adapter *raster.Adapter, reg *crs.Registry) *Server {
	return &Server{
		cache:   cache,
		adapter: adapter,
		reg:     reg,
		log:     zap.L().With(zap.String("component", "server")),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/tiles/{service}/{z}/{x}/{y}", s.handleTile)
	r.Get("/region", s.handleRegion)
	r.Get("/cache/stats", s.handleCacheStats)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listen", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	zoom, err1 := strconv.Atoi(chi.URLParam(r, "z"))
	col, err2 := strconv.Atoi(chi.URLParam(r, "x"))
	row, err3 := strconv.Atoi(chi.URLParam(r, "y"))
	if err1 != nil || err2 != nil || err3 != nil {
		http.Error(w, "tile coordinates must be integers", http.StatusBadRequest)
		return
	}

	key := tiles.Key{
		Service: chi.URLParam(r, "service"),
		Zoom:    zoom,
		Col:     col,
		Row:     row,
	}
	entry, err := s.cache.GetOrFetch(r.Context(), key)
	if err != nil {
		var fe *tiles.FetchError
		if errors.As(err, &fe) {
			s.log.Warn("tile fetch failed", zap.String("key", key.String()), zap.Error(err))
			http.Error(w, fe.Reason, http.StatusBadGateway)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(entry.Data)
}

// regionResponse is the JSON shape for elevation regions.
type regionResponse struct {
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	CellSize float64   `json:"cell_size"`
	OriginX  float64   `json:"origin_x"`
	OriginY  float64   `json:"origin_y"`
	CRS      string  `json:"crs"`
	Partial  bool    `json:"partial"`

	// Samples are row-major; no-data cells are null.
	Samples []*float64 `json:"samples"`
}

func nullableSamples(samples []float64) []*float64 {
	out := make([]*float64, len(samples))
	for i := range samples {
		if !math.IsNaN(samples[i]) {
			v := samples[i]
			out[i] = &v
		}
	}
	return out
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	service := q.Get("service")
	bbox, err := parseBBox(q.Get("bbox"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resolution, err := strconv.ParseFloat(q.Get("resolution"), 64)
	if err != nil || resolution <= 0 {
		http.Error(w, "resolution must be a positive number", http.StatusBadRequest)
		return
	}
	crsDef := q.Get("crs")
	if crsDef == "" {
		crsDef = "EPSG:3857"
	}
	target, err := s.reg.Resolve(crsDef)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	grid, err := s.adapter.FetchRegion(r.Context(), service, bbox, target, resolution, raster.RegionOptions{})
	switch {
	case errors.Is(err, raster.ErrRegionTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, raster.ErrNoUsableTiles):
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if grid.Kind == raster.KindImagery {
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, grid.ToImage()); err != nil {
			s.log.Warn("region png encode failed", zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(regionResponse{
		Width:    grid.Width,
		Height:   grid.Height,
		CellSize: grid.CellSize,
		OriginX:  grid.OriginX,
		OriginY:  grid.OriginY,
		CRS:      grid.CRS.ID,
		Partial:  grid.Partial,
		Samples:  nullableSamples(grid.Samples),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cache.Stats())
}

func parseBBox(raw string) (raster.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return raster.BBox{}, errors.New("bbox must be minx,miny,maxx,maxy")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return raster.BBox{}, fmt.Errorf("bbox component %q is not a number", p)
		}
		vals[i] = v
	}
	if vals[0] >= vals[2] || vals[1] >= vals[3] {
		return raster.BBox{}, errors.New("bbox min must be below max")
	}
	return raster.BBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}, nil
}
