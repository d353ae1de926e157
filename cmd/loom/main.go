// Package main is the loom CLI: a turn-execution runtime for agentic
// data analysis over branching worldline timelines.
//
// Basic usage:
//
//	loom serve --config loom.yaml
//	loom jobs list
//	loom worldlines list --thread th_…
//
// Environment variables: LOOM_DATA_ROOT, LOOM_LOG_FORMAT, LOOM_LOG_LEVEL,
// LLM_PROVIDER, LLM_MODEL, plus the CHAT_*_MAX_* pool limits. A .env file
// in the working directory is loaded first, best effort.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "loom",
		Short:         "Turn-execution runtime for agentic data analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildJobsCmd(),
		buildWorldlinesCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
