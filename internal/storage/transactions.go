package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kassa/internal/core"
)

const transactionSelect = `
	SELECT t.id, t.account_id, t.user_id, t.kind, t.amount_cents, t.category_id,
	       COALESCE(c.name, ''), t.comment, t.created_at
	FROM transactions t
	LEFT JOIN categories c ON c.id = t.category_id`

// RecordTransaction appends a transaction. The recorder must own the account
// or have it shared; expenses must reference an existing category and incomes
// never carry one. This is the only mutation of the transaction log.
func (r *SQLiteRepository) RecordTransaction(ctx context.Context, in core.NewTransaction) (core.Transaction, error) {
	in = in.Normalized()
	if err := in.Validate(); err != nil {
		return core.Transaction{}, fmt.Errorf("record transaction: %w", err)
	}

	var recorded core.Transaction
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var (
			ownerID core.UserID
			shared  bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT a.owner_id,
			       EXISTS (SELECT 1 FROM account_shares s WHERE s.account_id = a.id AND s.user_id = ?)
			FROM accounts a WHERE a.id = ?`,
			int64(in.RecordedBy), int64(in.AccountID)).Scan(&ownerID, &shared)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record transaction on account %d: %w", in.AccountID, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("check account access: %w", err)
		}
		if ownerID != in.RecordedBy && !shared {
			return fmt.Errorf("record transaction on account %d: %w", in.AccountID, core.ErrDenied)
		}

		var categoryID any
		if in.CategoryID != nil {
			categoryID = int64(*in.CategoryID)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (account_id, user_id, kind, amount_cents, category_id, comment, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			int64(in.AccountID), int64(in.RecordedBy), string(in.Kind), in.Amount.Cents,
			categoryID, in.Comment, r.timestamp())
		if isForeignKeyViolation(err) {
			return fmt.Errorf("record transaction references: %w", core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read transaction id: %w", err)
		}

		recorded, err = scanTransaction(tx.QueryRowContext(ctx, transactionSelect+` WHERE t.id = ?`, id))
		if err != nil {
			return fmt.Errorf("reread transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Transaction{}, err
	}

	slog.DebugContext(ctx, "Transaction stored",
		"id", recorded.ID,
		"account_id", recorded.AccountID,
		"user_id", recorded.RecordedBy,
		"kind", recorded.Kind,
		"amount_cents", recorded.Amount.Cents)

	return recorded, nil
}

// AccountTransactions returns the full log of an account in commit order.
func (r *SQLiteRepository) AccountTransactions(ctx context.Context, accountID core.AccountID) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, transactionSelect+` WHERE t.account_id = ? ORDER BY t.id`, int64(accountID))
	if err != nil {
		return nil, fmt.Errorf("list account transactions: %w", err)
	}
	return collectTransactions(rows)
}

// VisibleTransactionsSince returns every transaction created at or after since
// on the accounts userID owns or has shared with it, whoever recorded it.
func (r *SQLiteRepository) VisibleTransactionsSince(ctx context.Context, userID core.UserID, since time.Time) ([]core.Transaction, error) {
	uid := int64(userID)
	rows, err := r.db.QueryContext(ctx, transactionSelect+`
		WHERE t.account_id IN (
			SELECT id FROM accounts WHERE owner_id = ?
			UNION
			SELECT account_id FROM account_shares WHERE user_id = ?
		)
		AND t.created_at >= ?
		ORDER BY t.id`, uid, uid, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("list visible transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]core.Transaction, error) {
	defer rows.Close()

	var txs []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		t          core.Transaction
		kind       string
		categoryID sql.NullInt64
		createdAt  string
	)
	err := row.Scan(&t.ID, &t.AccountID, &t.RecordedBy, &kind, &t.Amount.Cents,
		&categoryID, &t.CategoryName, &t.Comment, &createdAt)
	if err != nil {
		return core.Transaction{}, err
	}
	t.Kind = core.Kind(kind)
	if categoryID.Valid {
		id := core.CategoryID(categoryID.Int64)
		t.CategoryID = &id
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Transaction{}, err
	}
	return t, nil
}
