package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the on-disk tile cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show disk cache size and entry count",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		e, err := buildEnv(true)
		if err != nil {
			return err
		}
		defer e.Close()

		if e.Disk == nil {
			return eris.New("no disk cache configured (cache.disk_path is empty)")
		}
		count, bytes, err := e.Disk.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("tiles: %d\nbytes: %d (%.1f MB)\n", count, bytes, float64(bytes)/(1<<20))
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Evict least-recently-used tiles down to the disk budget",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		e, err := buildEnv(true)
		if err != nil {
			return err
		}
		defer e.Close()

		if e.Disk == nil {
			return eris.New("no disk cache configured (cache.disk_path is empty)")
		}
		budget := int64(cfg.Cache.DiskBudgetMB) << 20
		removed, err := e.Disk.Prune(ctx, budget)
		if err != nil {
			return err
		}
		zap.L().Info("cache pruned",
			zap.Int("removed", removed),
			zap.Int64("budget_bytes", budget),
		)
		fmt.Printf("removed %d tiles\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cachePruneCmd)
}
