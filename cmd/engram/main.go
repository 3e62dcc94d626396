package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/engram/internal/config"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "1.0.0"
	Build   = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Hierarchical memory store for coding agents",
	Long: `engram keeps versioned, content-addressed memories in SQLite and
serves them over HTTP and MCP stdio. Memories are addressed by
domain://path URIs, guarded against duplicate writes, and retrieved
with keyword, semantic, or hybrid search.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Initialize()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("engram %s (%s)\n", Version, Build)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
