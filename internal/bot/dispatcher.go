// Package bot routes chat updates onto the ledger and the entry flow.
//
// The Dispatcher is transport agnostic: it turns an Update into a typed
// Reply and leaves rendering to the chat adapter.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"kassa/internal/core"
	"kassa/internal/log"
	"kassa/internal/session"
)

// Update is one inbound chat event. Exactly one of Text or Callback is set.
type Update struct {
	ExternalUserID string `json:"external_user_id"`
	DisplayName    string `json:"display_name,omitempty"`
	Text           string `json:"text,omitempty"`
	Callback       string `json:"callback,omitempty"`
}

// Callback data prefixes for inline buttons.
const (
	CallbackAccount  = "account:"
	CallbackCategory = "category:"
)

// Ledger is the ledger surface commands need.
type Ledger interface {
	GetOrCreateUser(ctx context.Context, externalID, displayName string) (core.User, error)
	CreateAccount(ctx context.Context, ownerID core.UserID, name string) (core.Account, error)
	ListAccessibleAccounts(ctx context.Context, userID core.UserID) ([]core.AccountSummary, error)
	ShareAccountByName(ctx context.Context, requester core.UserID, accountName string, target core.UserID) (core.AccessibleAccount, error)
	PeriodStats(ctx context.Context, userID core.UserID, days int) (core.PeriodStats, error)
	QuickIncome(ctx context.Context, userID core.UserID, accountName, amountText, comment string) (session.Commit, error)
	QuickExpense(ctx context.Context, userID core.UserID, accountName, amountText, categoryName, comment string) (session.Commit, error)
	Categories(ctx context.Context) ([]core.Category, error)
}

// Flow is the entry-flow state machine.
type Flow interface {
	Start(ctx context.Context, userID core.UserID, kind core.Kind) (session.Outcome, error)
	Advance(ctx context.Context, userID core.UserID, ev session.Event) (session.Outcome, error)
	Cancel(ctx context.Context, userID core.UserID) (session.Outcome, error)
}

var statsPeriods = map[string]int{"week": 7, "month": 30}

type Dispatcher struct {
	ledger Ledger
	flow   Flow
	logger *log.Logger
}

func NewDispatcher(ledger Ledger, flow Flow, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Discard()
	}
	return &Dispatcher{ledger: ledger, flow: flow, logger: logger.WithComponent(log.ComponentBot)}
}

// Handle processes one update. Rejections (duplicate name, not owner, bad
// amount...) come back as replies; the error is for infrastructure failures.
func (d *Dispatcher) Handle(ctx context.Context, u Update) (Reply, error) {
	if strings.TrimSpace(u.ExternalUserID) == "" {
		return Reply{}, fmt.Errorf("update without user: %w", core.ErrInvalidName)
	}
	user, err := d.ledger.GetOrCreateUser(ctx, u.ExternalUserID, u.DisplayName)
	if err != nil {
		return Reply{}, fmt.Errorf("resolve user: %w", err)
	}

	var reply Reply
	switch {
	case u.Callback != "":
		reply, err = d.callback(ctx, user, u.Callback)
	case strings.HasPrefix(strings.TrimSpace(u.Text), "/"):
		reply, err = d.command(ctx, user, strings.TrimSpace(u.Text))
	default:
		reply, err = d.advance(ctx, user, session.Text(u.Text))
	}
	if err != nil {
		if r, ok := rejection(err); ok {
			return r, nil
		}
		d.logger.ErrorContext(ctx, "Update failed", log.FieldUserID, int64(user.ID), log.FieldError, err)
		return Reply{}, err
	}
	return reply, nil
}

func (d *Dispatcher) command(ctx context.Context, user core.User, text string) (Reply, error) {
	name, rest, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(strings.TrimPrefix(name, "/"), "@")
	name = strings.ToLower(name)
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch name {
	case "start", "help":
		return d.help(ctx)

	case "new_account":
		if rest == "" {
			return Reply{Kind: ReplyUsage, Command: name}, nil
		}
		account, err := d.ledger.CreateAccount(ctx, user.ID, rest)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyAccountCreated, Account: &account}, nil

	case "accounts":
		accounts, err := d.ledger.ListAccessibleAccounts(ctx, user.ID)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyAccounts, Accounts: accounts}, nil

	case "income":
		if len(args) == 0 {
			return d.start(ctx, user, core.Income)
		}
		if len(args) < 2 {
			return Reply{Kind: ReplyUsage, Command: name}, nil
		}
		commit, err := d.ledger.QuickIncome(ctx, user.ID, args[0], args[1], strings.Join(args[2:], " "))
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyCommitted, Commit: &commit}, nil

	case "expense":
		if len(args) == 0 {
			return d.start(ctx, user, core.Expense)
		}
		if len(args) < 3 {
			return Reply{Kind: ReplyUsage, Command: name}, nil
		}
		commit, err := d.ledger.QuickExpense(ctx, user.ID, args[0], args[1], args[2], strings.Join(args[3:], " "))
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyCommitted, Commit: &commit}, nil

	case "stats":
		period := "week"
		if len(args) > 0 {
			period = strings.ToLower(args[0])
		}
		days, ok := statsPeriods[period]
		if !ok {
			return Reply{Kind: ReplyUsage, Command: name}, nil
		}
		stats, err := d.ledger.PeriodStats(ctx, user.ID, days)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyStats, Stats: &stats}, nil

	case "share":
		if len(args) != 2 {
			return Reply{Kind: ReplyUsage, Command: name}, nil
		}
		target, err := d.ledger.GetOrCreateUser(ctx, args[1], "")
		if err != nil {
			return Reply{}, err
		}
		shared, err := d.ledger.ShareAccountByName(ctx, user.ID, args[0], target.ID)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyShared, Account: &shared.Account}, nil

	case "cancel":
		return d.flowReply(d.flow.Cancel(ctx, user.ID))

	default:
		return Reply{Kind: ReplyUnknownCommand, Command: name}, nil
	}
}

func (d *Dispatcher) help(ctx context.Context) (Reply, error) {
	categories, err := d.ledger.Categories(ctx)
	if err != nil {
		return Reply{}, err
	}
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, c.Name)
	}
	return Reply{Kind: ReplyHelp, Categories: names}, nil
}

func (d *Dispatcher) start(ctx context.Context, user core.User, kind core.Kind) (Reply, error) {
	return d.flowReply(d.flow.Start(ctx, user.ID, kind))
}

func (d *Dispatcher) advance(ctx context.Context, user core.User, ev session.Event) (Reply, error) {
	return d.flowReply(d.flow.Advance(ctx, user.ID, ev))
}

// callback decodes inline button data. Unknown data is a stray event.
func (d *Dispatcher) callback(ctx context.Context, user core.User, data string) (Reply, error) {
	switch {
	case strings.HasPrefix(data, CallbackAccount):
		id, err := strconv.ParseInt(strings.TrimPrefix(data, CallbackAccount), 10, 64)
		if err != nil {
			return Reply{Kind: ReplyFlow, Outcome: &session.Outcome{Step: session.StepIgnored}}, nil
		}
		return d.advance(ctx, user, session.SelectAccount(core.AccountID(id)))
	case strings.HasPrefix(data, CallbackCategory):
		return d.advance(ctx, user, session.SelectCategory(strings.TrimPrefix(data, CallbackCategory)))
	default:
		return Reply{Kind: ReplyFlow, Outcome: &session.Outcome{Step: session.StepIgnored}}, nil
	}
}

func (d *Dispatcher) flowReply(out session.Outcome, err error) (Reply, error) {
	if err != nil && session.Committed(out) {
		d.logger.Warn("Entry committed but balance unavailable",
			log.FieldTxID, int64(out.Commit.TransactionID),
			log.FieldAccountID, int64(out.Commit.AccountID),
			log.FieldError, err)
		out.Commit.BalanceUnavailable = true
		return Reply{Kind: ReplyFlow, Outcome: &out}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	return Reply{Kind: ReplyFlow, Outcome: &out}, nil
}
