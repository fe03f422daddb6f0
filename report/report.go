// Package report computes income and expense figures over paid payments.
//
// A payment counts toward a range when it is paid and its due date falls
// within [From, To], both ends inclusive. Income is net of refunds; expenses
// are gross.
package report

import (
	"context"
	"encoding/csv"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vts/obligation-engine/obligation"
)

// Range is an inclusive due-date window.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// Lister loads obligations. Engine satisfies it.
type Lister interface {
	List(ctx context.Context, filter obligation.Filter) ([]*obligation.Obligation, error)
}

// Summary is the financial overview of a range.
type Summary struct {
	Range              Range
	Income             decimal.Decimal
	Expenses           decimal.Decimal
	ProfitLoss         decimal.Decimal
	IncomeByCategory   map[obligation.Category]decimal.Decimal
	ExpensesByCategory map[obligation.Category]decimal.Decimal
	Transactions       []*obligation.Obligation
}

// Load returns the paid payments of a range, newest due date first.
func Load(ctx context.Context, lister Lister, r Range) ([]*obligation.Obligation, error) {
	paid, err := lister.List(ctx, obligation.Filter{
		Kind:     obligation.KindPayment,
		Statuses: []obligation.Status{obligation.StatusPaid},
	})
	if err != nil {
		return nil, err
	}
	return Transactions(paid, r), nil
}

// Build loads the range and computes its summary.
func Build(ctx context.Context, lister Lister, r Range) (Summary, error) {
	txs, err := Load(ctx, lister, r)
	if err != nil {
		return Summary{}, err
	}
	income := Income(txs, r)
	expenses := Expenses(txs, r)
	return Summary{
		Range:              r,
		Income:             income,
		Expenses:           expenses,
		ProfitLoss:         income.Sub(expenses),
		IncomeByCategory:   IncomeByCategory(txs, r),
		ExpensesByCategory: ExpensesByCategory(txs, r),
		Transactions:       txs,
	}, nil
}

// Transactions filters to paid payments in range, newest due date first.
func Transactions(obs []*obligation.Obligation, r Range) []*obligation.Obligation {
	out := []*obligation.Obligation{}
	for _, o := range obs {
		if counts(o, r) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueDate.After(out[j].DueDate) })
	return out
}

// Income sums income-category payments net of refunds.
func Income(obs []*obligation.Obligation, r Range) decimal.Decimal {
	total := decimal.Zero
	for _, amount := range IncomeByCategory(obs, r) {
		total = total.Add(amount)
	}
	return total
}

// Expenses sums expense-category payments.
func Expenses(obs []*obligation.Obligation, r Range) decimal.Decimal {
	total := decimal.Zero
	for _, amount := range ExpensesByCategory(obs, r) {
		total = total.Add(amount)
	}
	return total
}

// ProfitLoss is income minus expenses.
func ProfitLoss(obs []*obligation.Obligation, r Range) decimal.Decimal {
	return Income(obs, r).Sub(Expenses(obs, r))
}

func IncomeByCategory(obs []*obligation.Obligation, r Range) map[obligation.Category]decimal.Decimal {
	out := make(map[obligation.Category]decimal.Decimal)
	for _, o := range obs {
		if counts(o, r) && o.Category.IsIncome() {
			out[o.Category] = out[o.Category].Add(net(o))
		}
	}
	return out
}

func ExpensesByCategory(obs []*obligation.Obligation, r Range) map[obligation.Category]decimal.Decimal {
	out := make(map[obligation.Category]decimal.Decimal)
	for _, o := range obs {
		if counts(o, r) && !o.Category.IsIncome() {
			out[o.Category] = out[o.Category].Add(o.Amount)
		}
	}
	return out
}

// CSVHeader is the first row written by WriteCSV.
var CSVHeader = []string{"Date", "Description", "Amount", "Category", "Payment Method", "Status"}

// WriteCSV exports the paid payments of a range.
func WriteCSV(w io.Writer, obs []*obligation.Obligation, r Range) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, o := range Transactions(obs, r) {
		status := "Completed"
		if o.Refund != nil {
			status = "Refunded: " + o.Refund.Amount.StringFixed(2)
		}
		category := string(o.Category)
		if category == "" {
			category = "Uncategorized"
		}
		method := string(o.PaymentMethod)
		if method == "" {
			method = "Unknown"
		}
		row := []string{
			o.DueDate.Format(time.DateOnly),
			o.Title,
			o.Amount.StringFixed(2),
			category,
			method,
			status,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func counts(o *obligation.Obligation, r Range) bool {
	return o.Kind == obligation.KindPayment && o.Status == obligation.StatusPaid && r.contains(o.DueDate)
}

func net(o *obligation.Obligation) decimal.Decimal {
	if o.Refund == nil {
		return o.Amount
	}
	return o.Amount.Sub(o.Refund.Amount)
}
