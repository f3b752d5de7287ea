package main

import (
	"fmt"

	"github.com/spf13/cobra"

	jobs "github.com/jdziat/adaptive-jobs"
)

var configWrite string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Prints the configuration after the file and ADAPTIVE_JOBS_* overrides are
applied. With --write the result is also saved to the given path.`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().StringVar(&configWrite, "write", "", "Also write the effective configuration to this path")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := jobs.LoadConfig(configPath)
	if err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(data); err != nil {
		return err
	}
	if configWrite != "" {
		if err := cfg.Save(configWrite); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", configWrite)
	}
	return nil
}
