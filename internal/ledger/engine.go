package ledger

import (
	"context"
	"fmt"
	"time"

	"kassa/internal/core"
)

// Reader is the slice of the ledger store the engine needs.
type Reader interface {
	AccountTransactions(ctx context.Context, accountID core.AccountID) ([]core.Transaction, error)
	VisibleTransactionsSince(ctx context.Context, userID core.UserID, since time.Time) ([]core.Transaction, error)
}

// Engine answers balance and statistics queries over a Reader.
type Engine struct {
	reader Reader
}

func NewEngine(reader Reader) *Engine {
	return &Engine{reader: reader}
}

// AccountBalance recomputes the balance of an account from its full log.
// An account with no transactions has a zero balance.
func (e *Engine) AccountBalance(ctx context.Context, accountID core.AccountID) (core.Money, error) {
	txs, err := e.reader.AccountTransactions(ctx, accountID)
	if err != nil {
		return core.Money{}, fmt.Errorf("account balance: %w", err)
	}
	return Balance(txs), nil
}

// PeriodStats aggregates every transaction on the accounts userID can access,
// whoever recorded it, created at or after since.
func (e *Engine) PeriodStats(ctx context.Context, userID core.UserID, since time.Time) (core.PeriodStats, error) {
	txs, err := e.reader.VisibleTransactionsSince(ctx, userID, since)
	if err != nil {
		return core.PeriodStats{}, fmt.Errorf("period stats: %w", err)
	}
	return Summarize(txs, since), nil
}
