package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jobs "github.com/jdziat/adaptive-jobs"
)

var checkTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the startup probes and exit",
	Long: `Boots the system through INIT and CHECK_ENV (host metrics, archive,
event stream, cache prewarm) without accepting work, then shuts it down.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 30*time.Second, "Bound on the whole boot")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	sys, err := jobs.New(cfg, jobs.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := registerSimulated(sys, 0); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	startErr := sys.Start(ctx)
	for _, t := range sys.StateHistory() {
		fmt.Fprintf(out, "%-9s -> %-9s %s\n", t.From, t.To, t.Reason)
	}
	if err := sys.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown after check", "error", err)
	}
	if startErr != nil {
		return startErr
	}
	fmt.Fprintln(out, "ok")
	return nil
}
