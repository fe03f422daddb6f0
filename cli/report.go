package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/report"
)

var (
	dueBefore  string
	reportFrom string
	reportTo   string
	reportCSV  string
)

var dueCmd = &cobra.Command{
	Use:   "due",
	Short: "List open issues and pending payments due soon",
	RunE: func(cmd *cobra.Command, args []string) error {
		before := time.Now().AddDate(0, 0, 7)
		if dueBefore != "" {
			t, err := time.Parse(time.DateOnly, dueBefore)
			if err != nil {
				return fmt.Errorf("invalid --before %q: expected YYYY-MM-DD", dueBefore)
			}
			before = t
		}

		a, err := openApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return dueRun(cmd.Context(), a, ui, before)
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Income and expense summary for a date range",
	Long: `Summarize paid payments whose due date falls in [--from, --to].

Income is net of refunds. Without flags the current month is reported.
--csv writes the transactions to a file ("-" for stdout).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rng, err := parseRange(reportFrom, reportTo, time.Now())
		if err != nil {
			return err
		}

		a, err := openApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if reportCSV != "" {
			return exportRun(cmd.Context(), a, ui, rng, reportCSV)
		}
		return reportRun(cmd.Context(), a, ui, rng)
	},
}

func init() {
	dueCmd.Flags().StringVar(&dueBefore, "before", "", "Due date cutoff, YYYY-MM-DD (default one week from now)")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "First due date, YYYY-MM-DD (default start of month)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Last due date, YYYY-MM-DD (default end of month)")
	reportCmd.Flags().StringVar(&reportCSV, "csv", "", "Write transactions as CSV to this path")
	rootCmd.AddCommand(dueCmd)
	rootCmd.AddCommand(reportCmd)
}

func dueRun(ctx context.Context, a *app, ui *UI, before time.Time) error {
	obs, err := a.engine.ListDueBefore(ctx, before)
	if err != nil {
		return err
	}
	if len(obs) == 0 {
		ui.Info("Nothing due before %s", before.Format(time.DateOnly))
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"ID", "Kind", "Title", "Status", "Due", "Amount", "Assigned"})
	for _, o := range obs {
		due := o.DueDate.Format(time.DateOnly)
		if o.DueDate.Before(now) {
			due = red(due)
		}
		amount := ""
		if o.Kind == obligation.KindPayment {
			amount = o.Amount.StringFixed(2)
		}
		_ = table.Append([]string{o.ID.String(), string(o.Kind), o.Title, StatusColor(o.Status), due, amount, o.AssignedTo})
	}
	_ = table.Render()
	return nil
}

func reportRun(ctx context.Context, a *app, ui *UI, rng report.Range) error {
	s, err := report.Build(ctx, a.engine, rng)
	if err != nil {
		return err
	}

	ui.Info("Paid payments due %s to %s: %d", rng.From.Format(time.DateOnly), rng.To.Format(time.DateOnly), len(s.Transactions))
	table := ui.Table([]string{"Category", "Type", "Amount"})
	for _, c := range sortedCategories(s.IncomeByCategory) {
		_ = table.Append([]string{string(c), "income", s.IncomeByCategory[c].StringFixed(2)})
	}
	for _, c := range sortedCategories(s.ExpensesByCategory) {
		_ = table.Append([]string{string(c), "expense", s.ExpensesByCategory[c].StringFixed(2)})
	}
	_ = table.Render()

	fmt.Fprintf(ui.Out, "\nIncome:      %s\n", green(s.Income.StringFixed(2)))
	fmt.Fprintf(ui.Out, "Expenses:    %s\n", red(s.Expenses.StringFixed(2)))
	pl := s.ProfitLoss.StringFixed(2)
	if s.ProfitLoss.IsNegative() {
		pl = red(pl)
	} else {
		pl = green(pl)
	}
	fmt.Fprintf(ui.Out, "Profit/Loss: %s\n", pl)
	return nil
}

func exportRun(ctx context.Context, a *app, ui *UI, rng report.Range, path string) error {
	txs, err := report.Load(ctx, a.engine, rng)
	if err != nil {
		return err
	}

	var w io.Writer = ui.Out
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := report.WriteCSV(w, txs, rng); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	if path != "-" {
		ui.Success("Wrote %d transaction(s) to %s", len(txs), path)
	}
	return nil
}

// parseRange defaults to the month containing now. The end date covers its
// whole day.
func parseRange(from, to string, now time.Time) (report.Range, error) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)

	var err error
	if from != "" {
		if start, err = time.Parse(time.DateOnly, from); err != nil {
			return report.Range{}, fmt.Errorf("invalid --from %q: expected YYYY-MM-DD", from)
		}
	}
	if to != "" {
		if end, err = time.Parse(time.DateOnly, to); err != nil {
			return report.Range{}, fmt.Errorf("invalid --to %q: expected YYYY-MM-DD", to)
		}
	}
	if end.Before(start) {
		return report.Range{}, fmt.Errorf("--to %s is before --from %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	return report.Range{From: start, To: end.Add(24*time.Hour - time.Nanosecond)}, nil
}

func sortedCategories(m map[obligation.Category]decimal.Decimal) []obligation.Category {
	out := make([]obligation.Category, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
