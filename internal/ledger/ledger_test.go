package ledger

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kassa/internal/core"
)

func expense(cents int64, category string) core.Transaction {
	id := core.CategoryID(len(category))
	return core.Transaction{Kind: core.Expense, Amount: core.Money{Cents: cents}, CategoryID: &id, CategoryName: category}
}

func income(cents int64) core.Transaction {
	return core.Transaction{Kind: core.Income, Amount: core.Money{Cents: cents}}
}

func TestBalance(t *testing.T) {
	tests := []struct {
		name string
		txs  []core.Transaction
		want int64
	}{
		{"empty", nil, 0},
		{"income only", []core.Transaction{income(1000), income(250)}, 1250},
		{"mixed", []core.Transaction{income(100000), expense(50000, "food")}, 50000},
		{"negative", []core.Transaction{expense(1, "food")}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Balance(tt.txs).Cents)
		})
	}
}

func TestBalanceMatchesDecimalReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 1024))

	for round := 0; round < 200; round++ {
		n := rng.IntN(60)
		txs := make([]core.Transaction, 0, n)
		reference := decimal.Zero
		for i := 0; i < n; i++ {
			var amount decimal.Decimal
			if rng.IntN(4) == 0 {
				amount = decimal.New(core.MaxAmount.Cents-rng.Int64N(1000), -2)
			} else {
				amount = decimal.New(rng.Int64N(10_000_000)+1, -2)
			}
			m := core.FromDecimal(amount)
			if rng.IntN(2) == 0 {
				txs = append(txs, core.Transaction{Kind: core.Income, Amount: m})
				reference = reference.Add(amount)
			} else {
				txs = append(txs, expense(m.Cents, "other"))
				reference = reference.Sub(amount)
			}
		}
		got := Balance(txs).Decimal()
		require.Truef(t, got.Equal(reference), "round %d: got %s want %s", round, got, reference)
	}
}

func TestBalanceOfLargestAmounts(t *testing.T) {
	largest, err := core.ParseAmount("9999999999.99")
	require.NoError(t, err)

	txs := make([]core.Transaction, 0, 1000)
	reference := decimal.Zero
	for i := 0; i < 1000; i++ {
		txs = append(txs, core.Transaction{Kind: core.Income, Amount: largest})
		reference = reference.Add(largest.Decimal())
	}

	got := Balance(txs)
	assert.True(t, got.IsPositive())
	assert.Truef(t, got.Decimal().Equal(reference), "got %s want %s", got, reference)

	stats := Summarize(append(txs, expense(largest.Cents, "food")), time.Time{})
	assert.Truef(t, stats.TotalIncome.Decimal().Equal(reference), "income %s", stats.TotalIncome)
	assert.Equal(t, largest, stats.TotalExpense)
}

func TestSummarize(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	txs := []core.Transaction{
		income(200000),
		expense(30000, "food"),
		expense(10000, "transport"),
		expense(10000, "entertainment"),
		expense(50000, "food"),
		{Kind: core.Expense, Amount: core.Money{Cents: 100}},
	}

	stats := Summarize(txs, since)

	assert.Equal(t, since, stats.Since)
	assert.Equal(t, int64(200000), stats.TotalIncome.Cents)
	assert.Equal(t, int64(100100), stats.TotalExpense.Cents)
	assert.Equal(t, int64(99900), stats.Net().Cents)

	require.Len(t, stats.IncomeByCategory, 1)
	assert.Equal(t, core.UncategorizedLabel, stats.IncomeByCategory[0].Name)
	assert.True(t, stats.IncomeByCategory[0].Percentage.IsZero())

	names := make([]string, 0, len(stats.ExpenseByCategory))
	for _, row := range stats.ExpenseByCategory {
		names = append(names, row.Name)
	}
	assert.Equal(t, []string{"food", "entertainment", "transport", core.UncategorizedLabel}, names,
		"amount descending, ties by name")
	assert.Equal(t, int64(80000), stats.ExpenseByCategory[0].Amount.Cents)
}

func TestSummarizeWithoutExpense(t *testing.T) {
	stats := Summarize([]core.Transaction{income(500)}, time.Time{})
	assert.Empty(t, stats.ExpenseByCategory)
	assert.True(t, stats.TotalExpense.IsZero())

	stats = Summarize(nil, time.Time{})
	assert.Empty(t, stats.ExpenseByCategory)
	assert.Empty(t, stats.IncomeByCategory)
}

func TestSummarizePercentagesSumToHundred(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	tolerance := decimal.New(1, -10)

	for round := 0; round < 100; round++ {
		var txs []core.Transaction
		for i := 0; i < rng.IntN(30)+1; i++ {
			category := core.DefaultCategories[rng.IntN(len(core.DefaultCategories))]
			txs = append(txs, expense(rng.Int64N(100000)+1, category))
		}

		sum := decimal.Zero
		for _, row := range Summarize(txs, time.Time{}).ExpenseByCategory {
			sum = sum.Add(row.Percentage)
		}
		assert.Truef(t, sum.Sub(hundred).Abs().LessThan(tolerance), "round %d: percentages sum to %s", round, sum)
	}
}

type fakeReader struct {
	byAccount map[core.AccountID][]core.Transaction
	visible   []core.Transaction
	since     time.Time
	err       error
}

func (f *fakeReader) AccountTransactions(_ context.Context, id core.AccountID) ([]core.Transaction, error) {
	return f.byAccount[id], f.err
}

func (f *fakeReader) VisibleTransactionsSince(_ context.Context, _ core.UserID, since time.Time) ([]core.Transaction, error) {
	f.since = since
	return f.visible, f.err
}

func TestEngine(t *testing.T) {
	ctx := context.Background()
	reader := &fakeReader{
		byAccount: map[core.AccountID][]core.Transaction{1: {income(1000), expense(400, "food")}},
		visible:   []core.Transaction{expense(400, "food")},
	}
	engine := NewEngine(reader)

	balance, err := engine.AccountBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance.Cents)

	balance, err = engine.AccountBalance(ctx, 2)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	since := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	stats, err := engine.PeriodStats(ctx, 1, since)
	require.NoError(t, err)
	assert.Equal(t, since, reader.since)
	assert.Equal(t, int64(400), stats.TotalExpense.Cents)
	require.Len(t, stats.ExpenseByCategory, 1)
	assert.True(t, stats.ExpenseByCategory[0].Percentage.Equal(hundred))

	reader.err = errors.New("disk gone")
	_, err = engine.AccountBalance(ctx, 1)
	assert.ErrorIs(t, err, reader.err)
}
