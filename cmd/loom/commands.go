// commands.go holds the cobra command builders. Each builder wires its
// flags and delegates to a handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		dataRoot   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the loom runtime",
		Long: `Start the loom runtime: job scheduler with crash recovery, sandbox
reaper, and maintenance sweeps. Shuts down gracefully on SIGINT/SIGTERM.`,
		Example: `  loom serve --config loom.yaml
  loom serve --data-root /var/lib/loom`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, dataRoot)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "Data root directory (overrides config)")
	return cmd
}

func buildJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect chat-turn jobs",
	}
	cmd.AddCommand(buildJobsListCmd(), buildJobsShowCmd())
	return cmd
}

func buildJobsListCmd() *cobra.Command {
	var (
		configPath string
		dataRoot   string
		threadID   string
		status     string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsList(cmd.Context(), configPath, dataRoot, threadID, status, limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "Data root directory (overrides config)")
	cmd.Flags().StringVar(&threadID, "thread", "", "Filter by thread id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (queued/running/completed/failed/cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to print")
	return cmd
}

func buildJobsShowCmd() *cobra.Command {
	var (
		configPath string
		dataRoot   string
	)
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsShow(cmd.Context(), configPath, dataRoot, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "Data root directory (overrides config)")
	return cmd
}

func buildWorldlinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worldlines",
		Short: "Inspect worldlines and their timelines",
	}
	cmd.AddCommand(buildWorldlinesListCmd(), buildWorldlinesShowCmd())
	return cmd
}

func buildWorldlinesListCmd() *cobra.Command {
	var (
		configPath string
		dataRoot   string
		threadID   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List worldlines of a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorldlinesList(cmd.Context(), configPath, dataRoot, threadID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "Data root directory (overrides config)")
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id (required)")
	cmd.MarkFlagRequired("thread")
	return cmd
}

func buildWorldlinesShowCmd() *cobra.Command {
	var (
		configPath string
		dataRoot   string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "show <worldline-id>",
		Short: "Show a worldline's event history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorldlinesShow(cmd.Context(), configPath, dataRoot, args[0], limit)
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "Data root directory (overrides config)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum events to print")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd.OutOrStdout())
		},
	}
}
