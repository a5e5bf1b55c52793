package main

import (
	"fmt"

	"github.com/buildstream-dev/artifactcache/artifact"
	"github.com/buildstream-dev/artifactcache/internal/dcontext"
	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat <reference>",
	Short: "print an artifact's materialization state and size",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := dcontext.Background()
		env, err := openEnvironment(ctx)
		if err != nil {
			fatalf("configuration error: %v", err)
		}

		ref := args[0]
		art, err := artifact.OpenRef(ctx, env.store, env.index, env.cfg.Materialization.Policy(), ref, "")
		if err != nil {
			fatalf("open %q: %v", ref, err)
		}

		cached, err := art.Cached(ctx)
		if err != nil {
			fatalf("cached: %v", err)
		}

		fmt.Printf("reference: %s\n", ref)
		fmt.Printf("cached:    %t\n", cached)
		if !cached {
			return
		}

		cachedBuildtree, err := art.CachedBuildtree(ctx)
		if err != nil {
			fatalf("cached_buildtree: %v", err)
		}
		cachedLogs, err := art.CachedLogs(ctx)
		if err != nil {
			fatalf("cached_logs: %v", err)
		}
		size, err := art.GetSize(ctx)
		if err != nil {
			fatalf("get_size: %v", err)
		}

		fmt.Printf("root:             %s\n", art.GetRootDigest())
		fmt.Printf("cached_buildtree: %t\n", cachedBuildtree)
		fmt.Printf("buildtree_exists: %t\n", art.BuildtreeExists())
		fmt.Printf("cached_logs:      %t\n", cachedLogs)
		fmt.Printf("size:             %d bytes\n", size)
	},
}
