// Package main implements the stepwise CLI.
//
// stepwise runs natural-language tasks through the phased execution engine,
// either directly in the terminal, behind an HTTP API, or as Temporal
// workflows.
//
// Usage:
//
//	stepwise run "read config.yaml and print the first 200 chars"
//	stepwise dry-run --tool run_command --command "rm -rf build"
//	stepwise serve
//	stepwise worker
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// verbose forces debug logging and verbose engine logs.
	verbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stepwise",
	Short: "Run tasks through a guarded, phased execution engine",
	Long: `stepwise turns a natural-language task into an understanding, an approach,
a concrete plan and a validated result. Every planned step is risk assessed
before it runs, risky steps ask for confirmation, and failures roll back.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/stepwise/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dryRunCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "stepwise by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}
