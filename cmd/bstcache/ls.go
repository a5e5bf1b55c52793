package main

import (
	"fmt"

	"github.com/buildstream-dev/artifactcache/internal/dcontext"
	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "list references, sorted by name",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := dcontext.Background()
		env, err := openEnvironment(ctx)
		if err != nil {
			fatalf("configuration error: %v", err)
		}

		var prefix string
		if len(args) == 1 {
			prefix = args[0]
		}

		refs, err := env.index.List(ctx, prefix)
		if err != nil {
			fatalf("ls: %v", err)
		}

		for _, ref := range refs {
			fmt.Println(ref)
		}
	},
}
