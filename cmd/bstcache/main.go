// Command bstcache operates a BuildStream-style artifact cache directory:
// garbage collection, reference inspection, listing, and diffing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the cache's YAML configuration")
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(diffCmd)
}

var rootCmd = &cobra.Command{
	Use:   "bstcache",
	Short: "bstcache operates an artifact cache store",
	Long:  "bstcache operates an artifact cache store",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Usage() //nolint:errcheck
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
