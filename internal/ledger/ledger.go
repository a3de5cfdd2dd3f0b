// Package ledger derives balances and period statistics from the transaction
// log. Nothing here is cached: every figure is recomputed from the
// transactions it is given.
package ledger

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"kassa/internal/core"
)

var hundred = decimal.NewFromInt(100)

// Balance is the sum of incomes minus the sum of expenses.
func Balance(txs []core.Transaction) core.Money {
	var balance core.Money
	for _, t := range txs {
		balance = balance.Add(t.SignedAmount())
	}
	return balance
}

// Summarize aggregates txs by kind and category. Transactions without a
// category are bucketed under core.UncategorizedLabel. Expense rows carry
// their share of the total expense; when there is no expense the expense
// breakdown is empty. Rows are ordered by amount descending, then name.
func Summarize(txs []core.Transaction, since time.Time) core.PeriodStats {
	stats := core.PeriodStats{Since: since}
	income := map[string]core.Money{}
	expense := map[string]core.Money{}

	for _, t := range txs {
		name := t.CategoryName
		if t.CategoryID == nil || name == "" {
			name = core.UncategorizedLabel
		}
		switch t.Kind {
		case core.Income:
			stats.TotalIncome = stats.TotalIncome.Add(t.Amount)
			income[name] = income[name].Add(t.Amount)
		case core.Expense:
			stats.TotalExpense = stats.TotalExpense.Add(t.Amount)
			expense[name] = expense[name].Add(t.Amount)
		}
	}

	stats.IncomeByCategory = breakdown(income, core.Money{})
	if stats.TotalExpense.IsPositive() {
		stats.ExpenseByCategory = breakdown(expense, stats.TotalExpense)
	}
	return stats
}

// breakdown turns per-category sums into sorted rows. A zero total leaves
// percentages at zero.
func breakdown(sums map[string]core.Money, total core.Money) []core.CategoryAmount {
	rows := make([]core.CategoryAmount, 0, len(sums))
	for name, amount := range sums {
		row := core.CategoryAmount{Name: name, Amount: amount}
		if total.IsPositive() {
			row.Percentage = amount.Decimal().Mul(hundred).Div(total.Decimal())
		}
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b core.CategoryAmount) int {
		if c := cmp.Compare(b.Amount.Cents, a.Amount.Cents); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return rows
}
