package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vts/obligation-engine/offline"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay the offline queue once",
	Long: `Replay every queued offline action in order and print the outcome.

Actions that fail stay queued and block later actions on the same
obligation. Actions whose target already moved on are dropped as
conflicts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()

		a, err := openApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return syncRun(ctx, a, ui)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued offline actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return queueRun(cmd.Context(), a, ui)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
}

func syncRun(ctx context.Context, a *app, ui *UI) error {
	if !a.checkOnline(ctx) {
		ui.Warning("Offline: %s is not reachable, nothing replayed", a.cfg.Connectivity.ProbeURL)
		return nil
	}

	rep, err := a.reconciler.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	if rep.Applied+rep.Conflicts+rep.Failed+rep.Blocked == 0 {
		ui.Info("Queue is empty")
		return nil
	}
	ui.Success("Applied %d action(s)", rep.Applied)
	if rep.Conflicts > 0 {
		ui.Warning("Dropped %d conflicting action(s)", rep.Conflicts)
	}
	if rep.Failed > 0 {
		ui.Error("%d action(s) failed, %d blocked behind them", rep.Failed, rep.Blocked)
	}
	if len(rep.Failures) > 0 {
		printFailures(ui, rep.Failures)
	}
	if rep.Remaining > 0 {
		ui.Info("%d action(s) remain queued", rep.Remaining)
	}
	return nil
}

func printFailures(ui *UI, failures []offline.ActionFailure) {
	table := ui.Table([]string{"Action", "Kind", "Obligation", "Outcome", "Error"})
	for _, f := range failures {
		outcome := red("failed")
		if f.Conflict {
			outcome = yellow("dropped")
		}
		_ = table.Append([]string{shortID(f.ActionID), string(f.Kind), string(f.ObligationID), outcome, f.Error})
	}
	_ = table.Render()
}

func queueRun(ctx context.Context, a *app, ui *UI) error {
	actions, err := a.queue.Pending(ctx)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		ui.Info("No queued actions for device %s", a.queue.DeviceID())
		return nil
	}

	table := ui.Table([]string{"Action", "Kind", "Obligation", "Queued", "Attempts", "Last error"})
	for _, q := range actions {
		attempts := fmt.Sprintf("%d", q.Attempts)
		if q.Attempts > 0 {
			attempts = red(attempts)
		}
		_ = table.Append([]string{
			shortID(q.ID),
			string(q.Kind),
			string(q.ObligationID),
			q.EnqueuedAt.Local().Format(time.DateTime),
			attempts,
			q.LastError,
		})
	}
	_ = table.Render()
	ui.Info("%d action(s) queued for device %s", len(actions), a.queue.DeviceID())
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
