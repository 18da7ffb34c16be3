package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var (
	version = "dev"
	gitSHA  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "gpumon",
	Short:   "Decentralized health monitor for GPU server meshes",
	Version: fmt.Sprintf("%s (%s)", version, gitSHA),
	Long: `gpumon runs on every node of a compute mesh. Each instance probes its
peers and an external anchor, distinguishes peer crashes from its own
network isolation via quorum opinions, and alerts on confirmed outages.`,
}

func main() {
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.AddCommand(newServeCmd(), newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
