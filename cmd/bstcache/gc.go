package main

import (
	"fmt"

	"github.com/buildstream-dev/artifactcache/internal/dcontext"
	"github.com/spf13/cobra"
)

var (
	targetBytes int64
	dryRun      bool
)

func init() {
	gcCmd.Flags().Int64VarP(&targetBytes, "target-bytes", "t", 0, "byte budget to evict down to; defaults to the configured quota_bytes")
	gcCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report whether the cache exceeds the target without removing anything")
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "evict least-recently-used references down to a byte budget",
	Long:  "evict least-recently-used references down to a byte budget, then sweep the blobs only they reached",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := dcontext.Background()
		env, err := openEnvironment(ctx)
		if err != nil {
			fatalf("configuration error: %v", err)
		}

		target := targetBytes
		if target == 0 {
			target = env.cfg.QuotaBytes
		}
		if target == 0 {
			fatalf("no target: set --target-bytes or quota_bytes in the configuration")
		}

		before, err := env.index.ComputeCacheSize(ctx)
		if err != nil {
			fatalf("failed to compute cache size: %v", err)
		}

		if dryRun {
			if before <= target {
				fmt.Printf("cache size %d bytes is already within target %d; nothing to evict\n", before, target)
				return
			}
			fmt.Printf("cache size %d bytes exceeds target %d; would evict least-recently-used references (dry run, nothing removed)\n", before, target)
			return
		}

		if err := env.index.EvictTo(ctx, target); err != nil {
			fatalf("gc failed: %v", err)
		}

		after := env.index.CachedSize()
		fmt.Printf("cache size: %d -> %d bytes (target %d)\n", before, after, target)
	},
}
