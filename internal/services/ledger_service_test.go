package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kassa/internal/amqp"
	"kassa/internal/core"
	"kassa/internal/storage"
)

type recordingPublisher struct {
	mu       sync.Mutex
	recorded []amqp.TransactionRecorded
	shared   []amqp.AccountShared
	err      error
}

func (p *recordingPublisher) PublishTransactionRecorded(_ context.Context, msg amqp.TransactionRecorded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorded = append(p.recorded, msg)
	return p.err
}

func (p *recordingPublisher) PublishAccountShared(_ context.Context, msg amqp.AccountShared) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shared = append(p.shared, msg)
	return p.err
}

type fixture struct {
	ctx       context.Context
	repo      *storage.SQLiteRepository
	svc       *LedgerService
	publisher *recordingPublisher
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), publisher: &recordingPublisher{}}
	f.now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return f.now }

	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "kassa.db"), storage.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	f.repo = repo
	f.svc = NewLedgerService(repo, WithPublisher(f.publisher), WithClock(clock))
	return f
}

func (f *fixture) user(t *testing.T, ext string) core.User {
	u, err := f.svc.GetOrCreateUser(f.ctx, ext, "user-"+ext)
	require.NoError(t, err)
	return u
}

func TestListAccessibleAccountsWithBalances(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "1")
	bob := f.user(t, "2")

	names := []string{"Savings", "Card", "Cash", "Brokerage", "Travel", "Kids"}
	for i, name := range names {
		_, err := f.svc.CreateAccount(f.ctx, alice.ID, name)
		require.NoError(t, err)
		_, err = f.svc.QuickIncome(f.ctx, alice.ID, name, "100", "")
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = f.svc.QuickExpense(f.ctx, alice.ID, name, "30.5", "other", "")
			require.NoError(t, err)
		}
	}
	family, err := f.svc.CreateAccount(f.ctx, bob.ID, "Family")
	require.NoError(t, err)
	require.NoError(t, f.svc.ShareAccount(f.ctx, family.ID, bob.ID, alice.ID))

	summaries, err := f.svc.ListAccessibleAccounts(f.ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, summaries, len(names)+1)

	got := map[string]int64{}
	for i, s := range summaries {
		got[s.Name] = s.Balance.Cents
		if i > 0 {
			assert.LessOrEqual(t, core.FoldName(summaries[i-1].Name), core.FoldName(s.Name), "name order kept")
		}
	}
	assert.Equal(t, int64(6950), got["Savings"])
	assert.Equal(t, int64(10000), got["Card"])
	assert.Equal(t, int64(0), got["Family"])
}

func TestQuickEntries(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "1")
	_, err := f.svc.CreateAccount(f.ctx, alice.ID, "Card")
	require.NoError(t, err)

	commit, err := f.svc.QuickIncome(f.ctx, alice.ID, "card", "1000", "salary")
	require.NoError(t, err)
	assert.Equal(t, "Card", commit.AccountName)
	assert.Equal(t, int64(100000), commit.NewBalance.Cents)

	commit, err = f.svc.QuickExpense(f.ctx, alice.ID, "Card", "12,30", "Food", "pizza")
	require.NoError(t, err)
	assert.Equal(t, "food", commit.Category)
	assert.Equal(t, "pizza", commit.Comment)
	assert.Equal(t, "987.70", commit.NewBalance.String())

	_, err = f.svc.QuickExpense(f.ctx, alice.ID, "Card", "5", "gifts", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.svc.QuickIncome(f.ctx, alice.ID, "Wallet", "5", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.svc.QuickIncome(f.ctx, alice.ID, "Card", "-5", "")
	assert.ErrorIs(t, err, core.ErrInvalidAmount)
}

// flakyReads fails account log reads on demand, after writes have succeeded.
type flakyReads struct {
	*storage.SQLiteRepository
	fail bool
}

func (s *flakyReads) AccountTransactions(ctx context.Context, id core.AccountID) ([]core.Transaction, error) {
	if s.fail {
		return nil, errors.New("disk busy")
	}
	return s.SQLiteRepository.AccountTransactions(ctx, id)
}

func TestQuickEntryKeepsCommitWhenBalanceReadFails(t *testing.T) {
	f := newFixture(t)
	store := &flakyReads{SQLiteRepository: f.repo}
	svc := NewLedgerService(store)
	alice := f.user(t, "1")
	_, err := svc.CreateAccount(f.ctx, alice.ID, "Card")
	require.NoError(t, err)

	store.fail = true
	commit, err := svc.QuickIncome(f.ctx, alice.ID, "Card", "25", "refund")
	require.NoError(t, err)
	assert.NotZero(t, commit.TransactionID)
	assert.True(t, commit.BalanceUnavailable)

	store.fail = false
	balance, err := svc.AccountBalance(f.ctx, commit.AccountID)
	require.NoError(t, err)
	assert.Equal(t, "25.00", balance.String())
}

func TestPeriodStatsCoversSharedAccounts(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "1")
	bob := f.user(t, "2")
	card, err := f.svc.CreateAccount(f.ctx, alice.ID, "Card")
	require.NoError(t, err)
	require.NoError(t, f.svc.ShareAccount(f.ctx, card.ID, alice.ID, bob.ID))

	_, err = f.svc.QuickExpense(f.ctx, alice.ID, "Card", "10", "food", "old")
	require.NoError(t, err)

	f.now = f.now.Add(10 * 24 * time.Hour)
	_, err = f.svc.QuickExpense(f.ctx, bob.ID, "Card", "30", "food", "")
	require.NoError(t, err)
	_, err = f.svc.QuickExpense(f.ctx, alice.ID, "Card", "10", "transport", "")
	require.NoError(t, err)
	_, err = f.svc.QuickIncome(f.ctx, bob.ID, "Card", "100", "")
	require.NoError(t, err)

	stats, err := f.svc.PeriodStats(f.ctx, alice.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, "40.00", stats.TotalExpense.String(), "sharer's expense counted, old one excluded")
	assert.Equal(t, "100.00", stats.TotalIncome.String())
	require.Len(t, stats.ExpenseByCategory, 2)
	assert.Equal(t, "food", stats.ExpenseByCategory[0].Name)
	assert.Equal(t, "75", stats.ExpenseByCategory[0].Percentage.String())

	stats, err = f.svc.PeriodStats(f.ctx, alice.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, "50.00", stats.TotalExpense.String())

	_, err = f.svc.PeriodStats(f.ctx, alice.ID, 0)
	assert.ErrorIs(t, err, core.ErrInvalidPeriod)
}

func TestEventsArePublishedAfterWrites(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "1")
	bob := f.user(t, "2")

	shared, err := f.svc.CreateAccount(f.ctx, alice.ID, "Card")
	require.NoError(t, err)
	account, err := f.svc.ShareAccountByName(f.ctx, alice.ID, "card", bob.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.ID, account.ID)

	_, err = f.svc.QuickIncome(f.ctx, bob.ID, "Card", "5", "tip")
	require.NoError(t, err)

	require.Len(t, f.publisher.shared, 1)
	assert.Equal(t, bob.ID, f.publisher.shared[0].TargetUserID)
	assert.Equal(t, "user-1", f.publisher.shared[0].OwnerName)

	require.Len(t, f.publisher.recorded, 1)
	msg := f.publisher.recorded[0]
	assert.Equal(t, bob.ID, msg.RecordedBy)
	assert.Equal(t, "Card", msg.AccountName)
	assert.Equal(t, "user-2", msg.RecorderName)
	assert.Equal(t, int64(500), msg.AmountCents)

	// A failed share publishes nothing.
	_, err = f.svc.ShareAccountByName(f.ctx, alice.ID, "Card", bob.ID)
	assert.ErrorIs(t, err, core.ErrAlreadyShared)
	assert.Len(t, f.publisher.shared, 1)
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker unreachable")
	alice := f.user(t, "1")
	_, err := f.svc.CreateAccount(f.ctx, alice.ID, "Card")
	require.NoError(t, err)

	commit, err := f.svc.QuickIncome(f.ctx, alice.ID, "Card", "5", "")
	require.NoError(t, err)
	assert.Equal(t, int64(500), commit.NewBalance.Cents)
}

func TestWithoutPublisher(t *testing.T) {
	f := newFixture(t)
	svc := NewLedgerService(f.repo)
	alice, err := svc.GetOrCreateUser(f.ctx, "1", "")
	require.NoError(t, err)
	_, err = svc.CreateAccount(f.ctx, alice.ID, "Card")
	require.NoError(t, err)
	_, err = svc.QuickIncome(f.ctx, alice.ID, "Card", "1", "")
	assert.NoError(t, err)
}
