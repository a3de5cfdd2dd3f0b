package core

import "errors"

// Ledger outcomes. Callers match them with errors.Is; layers wrap them with context.
var (
	// ErrAlreadyExists: the owner already has an account with this name.
	ErrAlreadyExists = errors.New("account already exists")
	// ErrAlreadyShared: the target already has access to the account.
	ErrAlreadyShared = errors.New("account already shared")
	// ErrDenied: the caller is not allowed to perform the operation on the account.
	ErrDenied = errors.New("permission denied")
	// ErrNotFound: an unknown user, account or category reference.
	ErrNotFound = errors.New("not found")
	// ErrInvalidAmount: non-positive or unparsable amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInconsistentState: data referenced by an in-flight entry vanished before commit.
	ErrInconsistentState = errors.New("inconsistent state")

	ErrInvalidName      = errors.New("invalid name")
	ErrInvalidKind      = errors.New("invalid transaction kind")
	ErrCategoryRequired = errors.New("expense requires a category")
	ErrCommentTooLong   = errors.New("comment too long")
)

// ErrInvalidPeriod: a stats window that is not a positive number of days.
var ErrInvalidPeriod = errors.New("invalid period")
