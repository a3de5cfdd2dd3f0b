package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"kassa/internal/core"
	"kassa/internal/log"
)

// Ledger is what the entry flow reads and writes.
type Ledger interface {
	AccessibleAccounts(ctx context.Context, userID core.UserID) ([]core.AccessibleAccount, error)
	Categories(ctx context.Context) ([]core.Category, error)
	CategoryByName(ctx context.Context, name string) (core.Category, error)
	RecordTransaction(ctx context.Context, in core.NewTransaction) (core.Transaction, error)
	AccountBalance(ctx context.Context, accountID core.AccountID) (core.Money, error)
}

// Manager drives entry conversations. Events for the same user are
// processed one at a time; different users never wait on each other.
//
// Expected outcomes (no accounts, retry, stray events) are reported through
// Outcome. A non-nil error always means an infrastructure failure.
type Manager struct {
	ledger Ledger
	store  Store
	locks  *userLocks
	logger *log.Logger
	events *log.StructuredLogger
}

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.logger = l.WithComponent(log.ComponentSession)
	}
}

func NewManager(ledger Ledger, store Store, opts ...Option) *Manager {
	m := &Manager{
		ledger: ledger,
		store:  store,
		locks:  newUserLocks(),
		logger: log.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = log.NewStructuredLogger(m.logger)
	return m
}

// Start begins an entry flow of the given kind, replacing any flow already
// in progress for the user.
func (m *Manager) Start(ctx context.Context, userID core.UserID, kind core.Kind) (Outcome, error) {
	if !kind.Valid() {
		return Outcome{}, fmt.Errorf("start entry flow: %w", core.ErrInvalidKind)
	}
	defer m.locks.lock(userID)()

	accounts, err := m.ledger.AccessibleAccounts(ctx, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("start entry flow: %w", err)
	}
	if len(accounts) == 0 {
		if err := m.store.Delete(ctx, userID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Step: StepNoAccounts, Kind: kind}, nil
	}

	sess := Session{UserID: userID, Kind: kind}
	if len(accounts) == 1 {
		sess.selectAccount(Candidate{ID: accounts[0].ID, Name: accounts[0].Name})
	} else {
		sess.State = ChoosingAccount
		for _, a := range accounts {
			sess.Candidates = append(sess.Candidates, Candidate{ID: a.ID, Name: a.Name})
		}
	}

	if err := m.store.Save(ctx, sess); err != nil {
		return Outcome{}, err
	}
	m.logger.DebugContext(ctx, "Entry flow started",
		log.FieldUserID, int64(userID), log.FieldKind, string(kind), log.FieldState, string(sess.State))
	return m.prompt(ctx, sess)
}

// Advance feeds one event into the user's flow. An event that does not fit
// the current state leaves the session untouched and yields StepIgnored.
func (m *Manager) Advance(ctx context.Context, userID core.UserID, ev Event) (Outcome, error) {
	defer m.locks.lock(userID)()

	if ev.Type == EventCancel {
		return m.cancel(ctx, userID)
	}

	sess, ok, err := m.store.Load(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Step: StepNoSession}, nil
	}
	ignored := Outcome{Step: StepIgnored, Kind: sess.Kind, AccountName: sess.AccountName}

	switch ev.Type {
	case EventSelectAccount:
		if sess.State != ChoosingAccount {
			return ignored, nil
		}
		c, ok := sess.candidate(ev.AccountID)
		if !ok {
			return ignored, nil
		}
		sess.selectAccount(c)

	case EventSelectCategory:
		if sess.State != ChoosingCategory {
			return ignored, nil
		}
		name, ok, err := m.catalogName(ctx, ev.Category)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return ignored, nil
		}
		sess.Category = name
		sess.State = EnteringAmount

	case EventText:
		if sess.State != EnteringAmount {
			return ignored, nil
		}
		return m.commit(ctx, sess, ev.Text)

	default:
		return ignored, nil
	}

	if err := m.store.Save(ctx, sess); err != nil {
		return Outcome{}, err
	}
	return m.prompt(ctx, sess)
}

// Committed reports whether out recorded a transaction. Callers must show such
// an outcome even when an error accompanies it: the write is durable.
func Committed(out Outcome) bool {
	return out.Step == StepCommitted && out.Commit != nil
}

// Cancel drops the user's flow from whatever state it is in.
func (m *Manager) Cancel(ctx context.Context, userID core.UserID) (Outcome, error) {
	defer m.locks.lock(userID)()
	return m.cancel(ctx, userID)
}

func (m *Manager) cancel(ctx context.Context, userID core.UserID) (Outcome, error) {
	sess, ok, err := m.store.Load(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Step: StepNoSession}, nil
	}
	if err := m.store.Delete(ctx, userID); err != nil {
		return Outcome{}, err
	}
	return Outcome{Step: StepCancelled, Kind: sess.Kind, AccountName: sess.AccountName}, nil
}

func (m *Manager) prompt(ctx context.Context, sess Session) (Outcome, error) {
	out := Outcome{Kind: sess.Kind, AccountName: sess.AccountName}
	switch sess.State {
	case ChoosingAccount:
		out.Step = StepChooseAccount
		out.Candidates = slices.Clone(sess.Candidates)
	case ChoosingCategory:
		categories, err := m.ledger.Categories(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("list categories: %w", err)
		}
		out.Step = StepChooseCategory
		for _, c := range categories {
			out.Categories = append(out.Categories, c.Name)
		}
	case EnteringAmount:
		out.Step = StepEnterAmount
	default:
		return Outcome{}, fmt.Errorf("session for user %d in unknown state %q", sess.UserID, sess.State)
	}
	return out, nil
}

// catalogName resolves a category token against the fixed catalog.
func (m *Manager) catalogName(ctx context.Context, token string) (string, bool, error) {
	categories, err := m.ledger.Categories(ctx)
	if err != nil {
		return "", false, fmt.Errorf("list categories: %w", err)
	}
	folded := core.FoldName(token)
	for _, c := range categories {
		if core.FoldName(c.Name) == folded {
			return c.Name, true, nil
		}
	}
	return "", false, nil
}

// commit parses "<amount> [comment...]" and records the transaction.
// A bad amount keeps the session as is and asks again.
func (m *Manager) commit(ctx context.Context, sess Session, text string) (Outcome, error) {
	retry := func(reason error) (Outcome, error) {
		return Outcome{Step: StepRetry, Kind: sess.Kind, AccountName: sess.AccountName, Reason: reason}, nil
	}

	amount, comment, err := parseAmountLine(text)
	if err != nil {
		return retry(err)
	}

	in := core.NewTransaction{
		AccountID:  sess.AccountID,
		RecordedBy: sess.UserID,
		Kind:       sess.Kind,
		Amount:     amount,
		Comment:    comment,
	}
	if sess.Kind == core.Expense {
		category, err := m.ledger.CategoryByName(ctx, sess.Category)
		if errors.Is(err, core.ErrNotFound) {
			return m.inconsistent(ctx, sess, fmt.Errorf("category %q vanished: %w", sess.Category, core.ErrInconsistentState))
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("resolve category: %w", err)
		}
		in.CategoryID = &category.ID
	}

	tx, err := m.ledger.RecordTransaction(ctx, in)
	switch {
	case errors.Is(err, core.ErrInvalidAmount), errors.Is(err, core.ErrCommentTooLong):
		return retry(err)
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrDenied), errors.Is(err, core.ErrCategoryRequired):
		return m.inconsistent(ctx, sess, fmt.Errorf("account %d: %w: %w", sess.AccountID, core.ErrInconsistentState, err))
	case err != nil:
		return Outcome{}, fmt.Errorf("commit entry: %w", err)
	}

	if err := m.store.Delete(ctx, sess.UserID); err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		Step:        StepCommitted,
		Kind:        sess.Kind,
		AccountName: sess.AccountName,
		Commit: &Commit{
			TransactionID: tx.ID,
			AccountID:     tx.AccountID,
			AccountName:   sess.AccountName,
			Kind:          tx.Kind,
			Amount:        tx.Amount,
			Category:      tx.CategoryName,
			Comment:       tx.Comment,
		},
	}

	// The transaction is already durable here; a failed balance read is
	// reported alongside the committed outcome.
	balance, err := m.ledger.AccountBalance(ctx, tx.AccountID)
	if err != nil {
		out.Commit.BalanceUnavailable = true
		return out, fmt.Errorf("balance after commit: %w", err)
	}
	out.Commit.NewBalance = balance
	return out, nil
}

func (m *Manager) inconsistent(ctx context.Context, sess Session, reason error) (Outcome, error) {
	m.events.LogInconsistency(ctx, sess.UserID, string(sess.State), reason)
	if err := m.store.Delete(ctx, sess.UserID); err != nil {
		return Outcome{}, err
	}
	return Outcome{Step: StepInconsistent, Kind: sess.Kind, AccountName: sess.AccountName, Reason: reason}, nil
}

// parseAmountLine splits "<amount> [comment...]". The comment keeps its
// inner spacing.
func parseAmountLine(text string) (core.Money, string, error) {
	text = strings.TrimSpace(text)
	token, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		token, rest = text[:i], text[i:]
	}
	amount, err := core.ParseAmount(token)
	if err != nil {
		return core.Money{}, "", err
	}
	return amount, strings.TrimSpace(rest), nil
}
