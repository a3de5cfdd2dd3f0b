package bot

import (
	"errors"

	"kassa/internal/core"
	"kassa/internal/session"
)

// ReplyKind tells the renderer which message to show.
type ReplyKind string

const (
	ReplyHelp           ReplyKind = "help"
	ReplyUsage          ReplyKind = "usage"
	ReplyUnknownCommand ReplyKind = "unknown_command"
	ReplyAccountCreated ReplyKind = "account_created"
	ReplyAccounts       ReplyKind = "accounts"
	ReplyShared         ReplyKind = "shared"
	ReplyStats          ReplyKind = "stats"
	ReplyCommitted      ReplyKind = "committed"
	ReplyFlow           ReplyKind = "flow"

	ReplyAlreadyExists  ReplyKind = "already_exists"
	ReplyAlreadyShared  ReplyKind = "already_shared"
	ReplyDenied         ReplyKind = "denied"
	ReplyNotFound       ReplyKind = "not_found"
	ReplyInvalidAmount  ReplyKind = "invalid_amount"
	ReplyInvalidName    ReplyKind = "invalid_name"
	ReplyCommentTooLong ReplyKind = "comment_too_long"
	ReplyInvalidPeriod  ReplyKind = "invalid_period"
)

// Reply is a typed answer to one update. Only the fields for Kind are set.
type Reply struct {
	Kind       ReplyKind
	Command    string // ReplyUsage, ReplyUnknownCommand
	Categories []string
	Account    *core.Account
	Accounts   []core.AccountSummary
	Stats      *core.PeriodStats
	Commit     *session.Commit
	Outcome    *session.Outcome
	Err        error // rejection replies
}

// rejection maps an expected ledger outcome onto its reply. ok is false for
// infrastructure errors, which the caller must surface as failures.
func rejection(err error) (Reply, bool) {
	kinds := []struct {
		target error
		kind   ReplyKind
	}{
		{core.ErrAlreadyExists, ReplyAlreadyExists},
		{core.ErrAlreadyShared, ReplyAlreadyShared},
		{core.ErrDenied, ReplyDenied},
		{core.ErrNotFound, ReplyNotFound},
		{core.ErrInvalidAmount, ReplyInvalidAmount},
		{core.ErrInvalidName, ReplyInvalidName},
		{core.ErrCommentTooLong, ReplyCommentTooLong},
		{core.ErrInvalidPeriod, ReplyInvalidPeriod},
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return Reply{Kind: k.kind, Err: err}, true
		}
	}
	return Reply{}, false
}
