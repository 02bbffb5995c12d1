package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/geoforge/geoforge/internal/vector"
)

var (
	importCRSHint string
	importFormat  string
)

var importCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import vector files into a georeferenced scene",
	Long: `Streams records out of shapefile, OSM XML or GeoJSON sources. The first
import establishes the scene frame; later files are reprojected into it.
Malformed records are skipped and reported, not fatal.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("import"); err != nil {
			return err
		}

		e, err := buildEnv(false)
		if err != nil {
			return err
		}
		defer e.Close()

		im := vector.NewImporter(e.Reg, e.State)
		log := zap.L().With(zap.String("command", "import"))

		for _, path := range args {
			src, err := sourceForPath(path)
			if err != nil {
				return err
			}

			res, err := im.Import(ctx, src)
			if err != nil {
				return err
			}

			fmt.Printf("%s: %d geometries, %d skipped (session %s)\n",
				path, len(res.Geometries), len(res.Skipped), res.SessionID)
			for _, s := range res.Skipped {
				fmt.Printf("  warning: %s\n", s)
			}
		}

		if e.State.Initialized() {
			origin := e.State.Origin()
			log.Info("scene frame",
				zap.String("crs", e.State.CRS().ID),
				zap.Float64("origin_x", origin.X),
				zap.Float64("origin_y", origin.Y),
			)
		}
		return nil
	},
}

// sourceForPath builds a vector source from the path plus the command flags.
func sourceForPath(path string) (vector.Source, error) {
	hint := importCRSHint
	if hint == "" {
		hint = cfg.Import.DefaultCRS
	}

	if importFormat != "" {
		var f vector.Format
		switch importFormat {
		case "shapefile":
			f = vector.FormatShapefile
		case "osm":
			f = vector.FormatOSM
		case "geojson":
			f = vector.FormatGeoJSON
		default:
			return vector.Source{}, fmt.Errorf("unknown format %q", importFormat)
		}
		return vector.Source{Format: f, Path: path, CRSHint: hint}, nil
	}

	f, err := vector.DetectFormat(path)
	if err != nil {
		return vector.Source{}, err
	}
	return vector.Source{Format: f, Path: path, CRSHint: hint}, nil
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVar(&importCRSHint, "crs", "", "CRS for sources that embed none (e.g. EPSG:32633)")
	importCmd.Flags().StringVar(&importFormat, "format", "", "force format: shapefile, osm or geojson")
}
