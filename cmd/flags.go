package main

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/geoforge/geoforge/internal/raster"
	"github.com/geoforge/geoforge/internal/terrain"
)

func parseBBoxFlag(raw string) (raster.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return raster.BBox{}, eris.New("--bbox must be minx,miny,maxx,maxy")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return raster.BBox{}, eris.Errorf("--bbox component %q is not a number", p)
		}
		vals[i] = v
	}
	if vals[0] >= vals[2] || vals[1] >= vals[3] {
		return raster.BBox{}, eris.New("--bbox min must be below max")
	}
	return raster.BBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}, nil
}

func parseMergeStrategy(name string) (terrain.MergeStrategy, error) {
	switch name {
	case "", "keep_first":
		return terrain.MergeKeepFirst, nil
	case "average_z":
		return terrain.MergeAverageZ, nil
	case "max_z":
		return terrain.MergeMaxZ, nil
	}
	return 0, eris.Errorf("unknown merge strategy %q", name)
}

func parseOutsidePolicy(name string) (terrain.OutsidePolicy, error) {
	switch name {
	case "zero":
		return terrain.OutsideZero, nil
	case "", "clamp":
		return terrain.OutsideClamp, nil
	case "error":
		return terrain.OutsideError, nil
	}
	return 0, eris.Errorf("unknown outside policy %q", name)
}
