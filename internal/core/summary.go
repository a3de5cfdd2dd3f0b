package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// UncategorizedLabel buckets transactions that carry no category.
const UncategorizedLabel = "uncategorized"

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   string
	Amount Money
	// Percentage of the period's total expense; zero for income rows.
	Percentage decimal.Decimal
}

// PeriodStats aggregates the transactions visible to a user since a point in time.
type PeriodStats struct {
	Since             time.Time
	TotalIncome       Money
	TotalExpense      Money
	IncomeByCategory  []CategoryAmount
	ExpenseByCategory []CategoryAmount
}

// Net is income minus expense for the period.
func (s PeriodStats) Net() Money {
	return s.TotalIncome.Sub(s.TotalExpense)
}
