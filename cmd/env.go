package main

import (
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/geoforge/geoforge/internal/crs"
	"github.com/geoforge/geoforge/internal/georef"
	"github.com/geoforge/geoforge/internal/raster"
	"github.com/geoforge/geoforge/internal/resilience"
	"github.com/geoforge/geoforge/internal/tiles"
)

// env bundles the engine components a command needs.
type env struct {
	Reg     *crs.Registry
	State   *georef.State
	Cache   *tiles.Cache
	Disk    *tiles.DiskCache
	Adapter *raster.Adapter
}

func (e *env) Close() {
	if e.Disk != nil {
		if err := e.Disk.Close(); err != nil {
			zap.L().Warn("close disk cache", zap.Error(err))
		}
	}
}

// buildEnv assembles the registry, cache stack and region adapter from the
// loaded configuration. withDisk controls whether the sqlite tile cache is
// opened; commands that never touch tiles skip it.
func buildEnv(withDisk bool) (*env, error) {
	reg := crs.NewRegistry()

	services := make([]tiles.Service, 0, len(cfg.Services))
	for _, sc := range cfg.Services {
		services = append(services, tiles.Service{
			ID:          sc.ID,
			URLTemplate: sc.URLTemplate,
			APIKey:      sc.APIKey,
			MinZoom:     sc.MinZoom,
			MaxZoom:     sc.MaxZoom,
			TileSize:    sc.TileSize,
			Encoding:    sc.Encoding,
			RatePerSec:  sc.RatePerSec,
		})
	}

	retry := resilience.RetryConfig{
		MaxAttempts:    cfg.Fetch.RetryAttempts,
		InitialBackoff: time.Duration(cfg.Fetch.RetryBackoffMS) * time.Millisecond,
	}
	fetcher := tiles.NewHTTPFetcher(services,
		time.Duration(cfg.Fetch.TimeoutSecs)*time.Second, retry)

	var disk *tiles.DiskCache
	if withDisk && cfg.Cache.DiskPath != "" {
		d, err := tiles.NewDiskCache(cfg.Cache.DiskPath)
		if err != nil {
			return nil, eris.Wrap(err, "open disk cache")
		}
		disk = d
	}

	cache := tiles.NewCache(fetcher, int64(cfg.Cache.MemoryBudgetMB)<<20, disk)

	return &env{
		Reg:     reg,
		State:   georef.NewState(reg),
		Cache:   cache,
		Disk:    disk,
		Adapter: raster.NewAdapter(cache, services, reg),
	}, nil
}
