package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	jobs "github.com/jdziat/adaptive-jobs"
)

var rootCmd = &cobra.Command{
	Use:   "adaptive-jobs",
	Short: "Adaptive media-job runner",
	Long: `adaptive-jobs schedules face and frame processing jobs on one host and
sheds best-effort work as CPU, memory and GPU utilisation climb.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "adaptive-jobs.yaml",
		"Path to the YAML config file (missing file uses defaults)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the config file and installs its logger as the default.
func loadConfig() (*jobs.Config, *slog.Logger, error) {
	cfg, err := jobs.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
