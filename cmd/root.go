package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/geoforge/geoforge/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "geoforge",
	Short: "Geodata ingestion and terrain synthesis engine",
	Long:  "Fetches raster tiles and regions from remote services, imports shapefile/OSM/GeoJSON vector data into a shared georeferenced frame, and builds draped terrain meshes.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
