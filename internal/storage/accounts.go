package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"kassa/internal/core"
)

const accessibleAccountSelect = `
	SELECT a.id, a.name, a.owner_id, a.created_at, u.display_name,
	       CASE WHEN a.owner_id = ? THEN 'owner' ELSE 'shared' END
	FROM accounts a
	JOIN users u ON u.id = a.owner_id
	WHERE (a.owner_id = ? OR a.id IN (SELECT account_id FROM account_shares WHERE user_id = ?))`

// CreateAccount creates an account owned by ownerID. A second account with the
// same name (ignoring case) for the same owner fails with core.ErrAlreadyExists.
func (r *SQLiteRepository) CreateAccount(ctx context.Context, ownerID core.UserID, name string) (core.Account, error) {
	name, err := core.NormalizeAccountName(name)
	if err != nil {
		return core.Account{}, fmt.Errorf("create account: %w", err)
	}

	now := r.now()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (name, name_fold, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		name, core.FoldName(name), int64(ownerID), formatTime(now))
	switch {
	case isUniqueViolation(err):
		return core.Account{}, fmt.Errorf("create account %q: %w", name, core.ErrAlreadyExists)
	case isForeignKeyViolation(err):
		return core.Account{}, fmt.Errorf("create account owner %d: %w", ownerID, core.ErrNotFound)
	case err != nil:
		return core.Account{}, fmt.Errorf("create account: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return core.Account{}, fmt.Errorf("read account id: %w", err)
	}

	slog.InfoContext(ctx, "Account created", "account_id", id, "owner_id", ownerID, "name", name)

	return core.Account{
		ID:        core.AccountID(id),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: now.UTC().Truncate(0),
	}, nil
}

// GetAccount returns an account by id regardless of who asks.
func (r *SQLiteRepository) GetAccount(ctx context.Context, id core.AccountID) (core.Account, error) {
	var (
		a         core.Account
		createdAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at FROM accounts WHERE id = ?`, int64(id)).
		Scan(&a.ID, &a.Name, &a.OwnerID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Account{}, fmt.Errorf("account %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Account{}, fmt.Errorf("get account: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Account{}, err
	}
	return a, nil
}

// ListAccessibleAccounts returns the accounts owned by userID together with the
// accounts shared with it, each once, ordered by name.
func (r *SQLiteRepository) ListAccessibleAccounts(ctx context.Context, userID core.UserID) ([]core.AccessibleAccount, error) {
	uid := int64(userID)
	rows, err := r.db.QueryContext(ctx,
		accessibleAccountSelect+` ORDER BY a.name_fold, a.id`, uid, uid, uid)
	if err != nil {
		return nil, fmt.Errorf("list accessible accounts: %w", err)
	}
	defer rows.Close()

	var accounts []core.AccessibleAccount
	for rows.Next() {
		a, err := scanAccessibleAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan accessible account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// FindAccountByName finds an accessible account by case-insensitive name.
// An owned account wins over a shared one with the same name.
func (r *SQLiteRepository) FindAccountByName(ctx context.Context, userID core.UserID, name string) (core.AccessibleAccount, error) {
	uid := int64(userID)
	row := r.db.QueryRowContext(ctx,
		accessibleAccountSelect+` AND a.name_fold = ? ORDER BY (a.owner_id = ?) DESC, a.id LIMIT 1`,
		uid, uid, uid, core.FoldName(name), uid)
	a, err := scanAccessibleAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.AccessibleAccount{}, fmt.Errorf("account %q: %w", name, core.ErrNotFound)
	}
	if err != nil {
		return core.AccessibleAccount{}, fmt.Errorf("find account by name: %w", err)
	}
	return a, nil
}

// ShareAccount grants targetUserID access to accountID. Only the owner may
// share; sharing twice, or with the owner, fails with core.ErrAlreadyShared.
func (r *SQLiteRepository) ShareAccount(ctx context.Context, accountID core.AccountID, requestingUserID, targetUserID core.UserID) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var ownerID core.UserID
		err := tx.QueryRowContext(ctx, `SELECT owner_id FROM accounts WHERE id = ?`, int64(accountID)).Scan(&ownerID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("share account %d: %w", accountID, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read account owner: %w", err)
		}
		if ownerID != requestingUserID {
			return fmt.Errorf("share account %d: %w", accountID, core.ErrDenied)
		}
		if targetUserID == ownerID {
			return fmt.Errorf("share account %d with its owner: %w", accountID, core.ErrAlreadyShared)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO account_shares (account_id, user_id, created_at) VALUES (?, ?, ?)`,
			int64(accountID), int64(targetUserID), r.timestamp())
		switch {
		case isUniqueViolation(err):
			return fmt.Errorf("share account %d: %w", accountID, core.ErrAlreadyShared)
		case isForeignKeyViolation(err):
			return fmt.Errorf("share target %d: %w", targetUserID, core.ErrNotFound)
		case err != nil:
			return fmt.Errorf("insert share: %w", err)
		}

		slog.InfoContext(ctx, "Account shared",
			"account_id", accountID,
			"owner_id", ownerID,
			"target_user_id", targetUserID)
		return nil
	})
}

// AccountMembers returns the owner first, then sharers in the order they were added.
func (r *SQLiteRepository) AccountMembers(ctx context.Context, accountID core.AccountID) ([]core.User, error) {
	aid := int64(accountID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, external_id, display_name, created_at FROM (
			SELECT u.id, u.external_id, u.display_name, u.created_at, 0 AS ord, '' AS since
			FROM accounts a JOIN users u ON u.id = a.owner_id
			WHERE a.id = ?
			UNION ALL
			SELECT u.id, u.external_id, u.display_name, u.created_at, 1 AS ord, s.created_at AS since
			FROM account_shares s
			JOIN accounts a ON a.id = s.account_id
			JOIN users u ON u.id = s.user_id
			WHERE s.account_id = ? AND s.user_id <> a.owner_id
		)
		ORDER BY ord, since, id`, aid, aid)
	if err != nil {
		return nil, fmt.Errorf("list account members: %w", err)
	}
	defer rows.Close()

	var members []core.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account member: %w", err)
		}
		members = append(members, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("account %d: %w", accountID, core.ErrNotFound)
	}
	return members, nil
}

func scanAccessibleAccount(row rowScanner) (core.AccessibleAccount, error) {
	var (
		a         core.AccessibleAccount
		createdAt string
		role      string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.OwnerID, &createdAt, &a.OwnerDisplayName, &role); err != nil {
		return core.AccessibleAccount{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return core.AccessibleAccount{}, err
	}
	a.CreatedAt = t
	a.Role = core.Role(role)
	return a, nil
}
