package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"kassa/internal/amqp"
	"kassa/internal/cache"
	"kassa/internal/core"
	"kassa/internal/ledger"
	"kassa/internal/log"
	"kassa/internal/session"
)

// balanceConcurrency bounds parallel balance reads for one account listing.
const balanceConcurrency = 4

// Store is the ledger persistence the service orchestrates.
type Store interface {
	ledger.Reader
	cache.CategorySource

	GetOrCreateUser(ctx context.Context, externalID, displayName string) (core.User, error)
	GetUser(ctx context.Context, id core.UserID) (core.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (core.User, error)
	CreateAccount(ctx context.Context, ownerID core.UserID, name string) (core.Account, error)
	GetAccount(ctx context.Context, id core.AccountID) (core.Account, error)
	ListAccessibleAccounts(ctx context.Context, userID core.UserID) ([]core.AccessibleAccount, error)
	FindAccountByName(ctx context.Context, userID core.UserID, name string) (core.AccessibleAccount, error)
	ShareAccount(ctx context.Context, accountID core.AccountID, requestingUserID, targetUserID core.UserID) error
	AccountMembers(ctx context.Context, accountID core.AccountID) ([]core.User, error)
	RecordTransaction(ctx context.Context, in core.NewTransaction) (core.Transaction, error)
}

// Publisher sends ledger events. *amqp.Client implements it.
type Publisher interface {
	PublishTransactionRecorded(ctx context.Context, msg amqp.TransactionRecorded) error
	PublishAccountShared(ctx context.Context, msg amqp.AccountShared) error
}

// LedgerService is the single entry point the session manager and the
// transports use. Writes go to the store first; events are then published
// best effort and never fail the write.
type LedgerService struct {
	store     Store
	engine    *ledger.Engine
	catalog   *cache.Catalog
	publisher Publisher
	logger    *log.Logger
	events    *log.StructuredLogger
	now       func() time.Time
}

type Option func(*LedgerService)

// WithPublisher enables event publishing. A nil publisher leaves it disabled.
func WithPublisher(p Publisher) Option {
	return func(s *LedgerService) { s.publisher = p }
}

func WithCatalog(c *cache.Catalog) Option {
	return func(s *LedgerService) { s.catalog = c }
}

func WithLogger(l *log.Logger) Option {
	return func(s *LedgerService) { s.logger = l.WithComponent(log.ComponentLedger) }
}

func WithClock(now func() time.Time) Option {
	return func(s *LedgerService) { s.now = now }
}

func NewLedgerService(store Store, opts ...Option) *LedgerService {
	s := &LedgerService{
		store:  store,
		engine: ledger.NewEngine(store),
		logger: log.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.catalog == nil {
		s.catalog = cache.NewCatalog(store, time.Hour)
	}
	s.events = log.NewStructuredLogger(s.logger)
	return s
}

func (s *LedgerService) GetOrCreateUser(ctx context.Context, externalID, displayName string) (core.User, error) {
	return s.store.GetOrCreateUser(ctx, externalID, displayName)
}

func (s *LedgerService) UserByExternalID(ctx context.Context, externalID string) (core.User, error) {
	return s.store.GetUserByExternalID(ctx, externalID)
}

func (s *LedgerService) CreateAccount(ctx context.Context, ownerID core.UserID, name string) (core.Account, error) {
	return s.store.CreateAccount(ctx, ownerID, name)
}

// AccessibleAccounts lists accounts without balances.
func (s *LedgerService) AccessibleAccounts(ctx context.Context, userID core.UserID) ([]core.AccessibleAccount, error) {
	return s.store.ListAccessibleAccounts(ctx, userID)
}

// ListAccessibleAccounts returns every owned or shared account with its
// current balance, in name order.
func (s *LedgerService) ListAccessibleAccounts(ctx context.Context, userID core.UserID) ([]core.AccountSummary, error) {
	accounts, err := s.store.ListAccessibleAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]core.AccountSummary, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(balanceConcurrency)
	for i, a := range accounts {
		g.Go(func() error {
			balance, err := s.engine.AccountBalance(gctx, a.ID)
			if err != nil {
				return fmt.Errorf("account %d: %w", a.ID, err)
			}
			summaries[i] = core.AccountSummary{AccessibleAccount: a, Balance: balance}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *LedgerService) AccountBalance(ctx context.Context, accountID core.AccountID) (core.Money, error) {
	return s.engine.AccountBalance(ctx, accountID)
}

// PeriodStats covers the trailing window of days ending now.
func (s *LedgerService) PeriodStats(ctx context.Context, userID core.UserID, days int) (core.PeriodStats, error) {
	if days <= 0 {
		return core.PeriodStats{}, fmt.Errorf("stats over %d days: %w", days, core.ErrInvalidPeriod)
	}
	since := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	return s.engine.PeriodStats(ctx, userID, since)
}

func (s *LedgerService) Categories(ctx context.Context) ([]core.Category, error) {
	return s.catalog.Categories(ctx)
}

func (s *LedgerService) CategoryByName(ctx context.Context, name string) (core.Category, error) {
	return s.catalog.ByName(ctx, name)
}

// ShareAccount grants target access to an account the requester owns.
func (s *LedgerService) ShareAccount(ctx context.Context, accountID core.AccountID, requester, target core.UserID) error {
	if err := s.store.ShareAccount(ctx, accountID, requester, target); err != nil {
		return err
	}
	s.publishShared(ctx, accountID, requester, target)
	return nil
}

// ShareAccountByName resolves accountName among the requester's accounts and shares it.
func (s *LedgerService) ShareAccountByName(ctx context.Context, requester core.UserID, accountName string, target core.UserID) (core.AccessibleAccount, error) {
	account, err := s.store.FindAccountByName(ctx, requester, accountName)
	if err != nil {
		return core.AccessibleAccount{}, err
	}
	if err := s.ShareAccount(ctx, account.ID, requester, target); err != nil {
		return core.AccessibleAccount{}, err
	}
	return account, nil
}

func (s *LedgerService) AccountMembers(ctx context.Context, accountID core.AccountID) ([]core.User, error) {
	return s.store.AccountMembers(ctx, accountID)
}

// RecordTransaction commits in and publishes transaction.recorded.
func (s *LedgerService) RecordTransaction(ctx context.Context, in core.NewTransaction) (core.Transaction, error) {
	tx, err := s.store.RecordTransaction(ctx, in)
	if err != nil {
		return core.Transaction{}, err
	}
	s.events.LogTransactionRecorded(ctx, tx)
	s.publishRecorded(ctx, tx)
	return tx, nil
}

// QuickIncome records an income in one step, as the one-line command does.
func (s *LedgerService) QuickIncome(ctx context.Context, userID core.UserID, accountName, amountText, comment string) (session.Commit, error) {
	return s.quick(ctx, userID, core.Income, accountName, amountText, "", comment)
}

// QuickExpense records an expense in one step.
func (s *LedgerService) QuickExpense(ctx context.Context, userID core.UserID, accountName, amountText, categoryName, comment string) (session.Commit, error) {
	return s.quick(ctx, userID, core.Expense, accountName, amountText, categoryName, comment)
}

func (s *LedgerService) quick(ctx context.Context, userID core.UserID, kind core.Kind, accountName, amountText, categoryName, comment string) (session.Commit, error) {
	account, err := s.store.FindAccountByName(ctx, userID, accountName)
	if err != nil {
		return session.Commit{}, err
	}
	amount, err := core.ParseAmount(amountText)
	if err != nil {
		return session.Commit{}, fmt.Errorf("amount %q: %w", amountText, err)
	}

	in := core.NewTransaction{
		AccountID:  account.ID,
		RecordedBy: userID,
		Kind:       kind,
		Amount:     amount,
		Comment:    comment,
	}
	if kind == core.Expense {
		category, err := s.catalog.ByName(ctx, categoryName)
		if err != nil {
			return session.Commit{}, err
		}
		in.CategoryID = &category.ID
	}

	tx, err := s.RecordTransaction(ctx, in)
	if err != nil {
		return session.Commit{}, err
	}
	commit := session.Commit{
		TransactionID: tx.ID,
		AccountID:     account.ID,
		AccountName:   account.Name,
		Kind:          tx.Kind,
		Amount:        tx.Amount,
		Category:      tx.CategoryName,
		Comment:       tx.Comment,
	}
	// The write is durable here; a failed balance read only marks the commit.
	balance, err := s.engine.AccountBalance(ctx, account.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "Entry recorded but balance unavailable",
			log.FieldTxID, int64(tx.ID), log.FieldAccountID, int64(account.ID), log.FieldError, err)
		commit.BalanceUnavailable = true
		return commit, nil
	}
	commit.NewBalance = balance
	return commit, nil
}

func (s *LedgerService) publishRecorded(ctx context.Context, tx core.Transaction) {
	if s.publisher == nil {
		s.logger.DebugContext(ctx, "AMQP publisher not configured, skipping event", log.FieldMessageType, amqp.TypeTransactionRecorded)
		return
	}
	account, aerr := s.store.GetAccount(ctx, tx.AccountID)
	recorder, uerr := s.store.GetUser(ctx, tx.RecordedBy)
	if err := errors.Join(aerr, uerr); err != nil {
		s.logger.ErrorContext(ctx, "Failed to load event details", "error", err, log.FieldTxID, int64(tx.ID))
		return
	}
	msg := amqp.NewTransactionRecorded(tx, account.Name, recorder.DisplayName)
	if err := s.publisher.PublishTransactionRecorded(ctx, msg); err != nil {
		fields := log.NewFields().WithAccount(tx.AccountID)
		fields[log.FieldMessageType] = amqp.TypeTransactionRecorded
		fields[log.FieldTxID] = int64(tx.ID)
		s.events.LogError(ctx, "Failed to publish event", err, log.ComponentAMQP, log.OpPublish, fields)
	}
}

func (s *LedgerService) publishShared(ctx context.Context, accountID core.AccountID, owner, target core.UserID) {
	if s.publisher == nil {
		s.logger.DebugContext(ctx, "AMQP publisher not configured, skipping event", log.FieldMessageType, amqp.TypeAccountShared)
		return
	}
	account, aerr := s.store.GetAccount(ctx, accountID)
	user, uerr := s.store.GetUser(ctx, owner)
	if err := errors.Join(aerr, uerr); err != nil {
		s.logger.ErrorContext(ctx, "Failed to load event details", "error", err, log.FieldAccountID, int64(accountID))
		return
	}
	msg := amqp.AccountShared{
		AccountID:    accountID,
		AccountName:  account.Name,
		OwnerID:      owner,
		OwnerName:    user.DisplayName,
		TargetUserID: target,
		OccurredAt:   s.now().UTC(),
	}
	if err := s.publisher.PublishAccountShared(ctx, msg); err != nil {
		fields := log.NewFields().WithAccount(accountID).WithUser(target)
		fields[log.FieldMessageType] = amqp.TypeAccountShared
		s.events.LogError(ctx, "Failed to publish event", err, log.ComponentAMQP, log.OpPublish, fields)
	}
}
