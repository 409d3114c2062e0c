package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/goosewin/fluxsweep/internal/core"
	"github.com/goosewin/fluxsweep/internal/logging"
	"github.com/goosewin/fluxsweep/internal/notify"
	"github.com/goosewin/fluxsweep/internal/report"
	"github.com/goosewin/fluxsweep/internal/state"
)

var (
	sweepCount     int
	sweepOutput    string
	sweepUser      string
	sweepNoWebhook bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep <prompt>",
	Short: "Run a parameter sweep for a prompt",
	Long:  "Sweep generates one image per sampled point of the prompt strength, guidance scale and inference steps grid.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().IntVarP(&sweepCount, "count", "n", 0, "Number of combinations to run (0 runs the whole grid)")
	sweepCmd.Flags().StringVarP(&sweepOutput, "output", "o", "", "Also write the YAML report to this path")
	sweepCmd.Flags().StringVarP(&sweepUser, "user", "u", envOrDefault("FLUXSWEEP_USER", "cli"), "User whose settings apply")
	sweepCmd.Flags().BoolVar(&sweepNoWebhook, "no-webhook", false, "Skip the completion webhook")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	if sweepCount < 0 {
		return errors.New("--count must not be negative")
	}
	promptText := strings.TrimSpace(strings.Join(args, " "))

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if sweepNoWebhook {
		a.engine.Webhook = ""
	}

	if err := state.InitState(); err != nil {
		return err
	}
	_, _ = state.CleanupStale(state.CleanupMark)
	if removed := logging.CleanupOld(filepath.Join(state.Dir(), "logs"), logRetention(a.cfg.Logging.MaxAgeDays)); removed > 0 {
		a.logger.Debug("removed old sweep logs", zap.Int("count", removed))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, err := a.store.Get(ctx, sweepUser)
	if err != nil {
		return err
	}
	plan, err := a.engine.PlanSweep(promptText, sweepCount, rec)
	if err != nil {
		return errors.New(report.Describe(err))
	}
	plan.Owner = sweepUser

	stop := make(chan struct{})
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case <-signals:
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(os.Stderr, "Stopping after the current combination (interrupt again to abort)")
		close(stop)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sweep %s: %d of %d combinations\n", plan.ID, len(plan.Combinations), plan.GridSize)
	result, err := a.engine.RunSweep(ctx, plan, stop, notify.NewConsole(out))
	if err != nil {
		return err
	}

	if sweepOutput != "" {
		if err := core.WriteReport(result, sweepOutput); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Fprintf(out, "Report: %s\n", sweepOutput)
	} else {
		fmt.Fprintf(out, "Report: %s\n", state.ReportPath(plan.ID))
	}
	return nil
}

func logRetention(days int) time.Duration {
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}
