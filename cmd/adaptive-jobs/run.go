package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	jobs "github.com/jdziat/adaptive-jobs"
)

var (
	runRate           float64
	runDuration       time.Duration
	runWork           time.Duration
	runStatusInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the system against a simulated workload",
	Long: `Boots the system with simulated engines and submits a steady mix of job
kinds and priorities until interrupted. Exposes /metrics when metrics_addr is set.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Float64Var(&runRate, "rate", 5, "Jobs submitted per second")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	runCmd.Flags().DurationVar(&runWork, "work", 100*time.Millisecond, "Simulated engine time per job")
	runCmd.Flags().DurationVar(&runStatusInterval, "status-interval", 5*time.Second, "How often to log system stats")
}

func runRun(cmd *cobra.Command, args []string) error {
	if runRate <= 0 {
		return fmt.Errorf("--rate must be positive")
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	sys, err := jobs.New(cfg, jobs.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := registerSimulated(sys, runWork); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sys.Start(ctx); err != nil {
		_ = sys.Shutdown(context.Background())
		return err
	}
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	submitted, rejected := generate(ctx, sys, logger)

	logger.Info("stopping", "submitted", submitted, "rejected", rejected)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout()+5*time.Second)
	defer cancel()
	if err := sys.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	st := sys.Stats().Scheduler
	fmt.Fprintf(cmd.OutOrStdout(),
		"submitted=%d rejected=%d completed=%d failed=%d cancelled=%d timed_out=%d avg_wait=%s\n",
		submitted, rejected, st.Completed, st.Failed, st.Cancelled, st.TimedOut, st.AvgWait)
	return nil
}

// workload cycles through kinds and priorities so every tier sees traffic.
var workload = []struct {
	kind     jobs.Kind
	priority jobs.Priority
}{
	{jobs.KindFaceDetect, jobs.PriorityHigh},
	{jobs.KindFramePreview, jobs.PriorityMedium},
	{jobs.KindFaceSwap, jobs.PriorityUrgent},
	{jobs.KindFrameAnalyze, jobs.PriorityLow},
	{jobs.KindFaceEnhance, jobs.PriorityMedium},
	{jobs.KindFrameEncode, jobs.PriorityHigh},
}

func generate(ctx context.Context, sys *jobs.System, logger *slog.Logger) (submitted, rejected int) {
	submit := time.NewTicker(time.Duration(float64(time.Second) / runRate))
	defer submit.Stop()
	status := time.NewTicker(runStatusInterval)
	defer status.Stop()

	for n := 0; ; {
		select {
		case <-ctx.Done():
			return submitted, rejected
		case <-status.C:
			logStats(logger, sys.Stats())
		case <-submit.C:
			w := workload[n%len(workload)]
			n++
			ref := fmt.Sprintf("frames/%06d.png", n)
			_, err := sys.Submit(w.kind, ref, jobs.WithPriority(w.priority), jobs.WithTimeout(30*time.Second))
			if err == nil {
				submitted++
				continue
			}
			rejected++
			var admission *jobs.AdmissionError
			if !errors.As(err, &admission) {
				logger.Error("submit failed", "kind", w.kind, "error", err)
			} else {
				logger.Debug("submit rejected", "kind", w.kind, "priority", w.priority.String(), "error", err)
			}
		}
	}
}

func logStats(logger *slog.Logger, st jobs.Stats) {
	logger.Info("stats",
		"state", string(st.State),
		"level", st.Level.String(),
		"queued", st.Scheduler.Queued,
		"running", st.Scheduler.Running,
		"completed", st.Scheduler.Completed,
		"failed", st.Scheduler.Failed,
		"workers", st.Pipeline.Limit,
		"buffer", st.Pipeline.Occupancy,
		"cache_hit_rate", st.Cache.HitRate,
		"cpu_pct", st.Monitor.CPUPct,
		"mem_pct", st.Monitor.MemPct,
	)
}
