package main

import (
	"fmt"

	"github.com/buildstream-dev/artifactcache/artifact"
	"github.com/buildstream-dev/artifactcache/internal/dcontext"
	"github.com/spf13/cobra"
)

var diffCmd = &cobra.Command{
	Use:   "diff <referenceA> <referenceB>",
	Short: "compare the files/ trees of two artifacts",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := dcontext.Background()
		env, err := openEnvironment(ctx)
		if err != nil {
			fatalf("configuration error: %v", err)
		}

		refA, refB := args[0], args[1]
		policy := env.cfg.Materialization.Policy()

		rootA, err := env.index.Resolve(ctx, refA)
		if err != nil {
			fatalf("resolve %q: %v", refA, err)
		}
		rootB, err := env.index.Resolve(ctx, refB)
		if err != nil {
			fatalf("resolve %q: %v", refB, err)
		}

		artA, err := artifact.Open(ctx, env.store, policy, rootA, refA, "")
		if err != nil {
			fatalf("open %q: %v", refA, err)
		}
		artB, err := artifact.Open(ctx, env.store, policy, rootB, refB, "")
		if err != nil {
			fatalf("open %q: %v", refB, err)
		}

		d, err := artA.Diff(ctx, artB)
		if err != nil {
			fatalf("diff: %v", err)
		}

		for _, p := range d.Added {
			fmt.Printf("+ %s\n", p)
		}
		for _, p := range d.Removed {
			fmt.Printf("- %s\n", p)
		}
		for _, p := range d.Modified {
			fmt.Printf("M %s\n", p)
		}
	},
}
