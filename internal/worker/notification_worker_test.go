package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kassa/internal/amqp"
	"kassa/internal/core"
)

type fakeMembers struct {
	members map[core.AccountID][]core.User
	users   map[core.UserID]core.User
	err     error
}

func (f *fakeMembers) AccountMembers(_ context.Context, id core.AccountID) ([]core.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.members[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return m, nil
}

func (f *fakeMembers) GetUser(_ context.Context, id core.UserID) (core.User, error) {
	u, ok := f.users[id]
	if !ok {
		return core.User{}, core.ErrNotFound
	}
	return u, nil
}

type captureNotifier struct {
	sent []Notification
	fail map[core.UserID]bool
}

func (c *captureNotifier) Notify(_ context.Context, n Notification) error {
	if c.fail[n.Recipient.ID] {
		return errors.New("chat unreachable")
	}
	c.sent = append(c.sent, n)
	return nil
}

var (
	owner  = core.User{ID: 1, ExternalID: "100", DisplayName: "alice"}
	sharer = core.User{ID: 2, ExternalID: "200", DisplayName: "bob"}
	other  = core.User{ID: 3, ExternalID: "300", DisplayName: "carol"}
)

func newWorker() (*NotificationWorker, *fakeMembers, *captureNotifier) {
	members := &fakeMembers{
		members: map[core.AccountID][]core.User{10: {owner, sharer, other}},
		users:   map[core.UserID]core.User{1: owner, 2: sharer, 3: other},
	}
	notifier := &captureNotifier{fail: map[core.UserID]bool{}}
	return NewNotificationWorker(members, notifier, nil), members, notifier
}

func recipients(sent []Notification) []core.UserID {
	ids := make([]core.UserID, 0, len(sent))
	for _, n := range sent {
		ids = append(ids, n.Recipient.ID)
	}
	return ids
}

func TestTransactionRecordedSkipsRecorder(t *testing.T) {
	w, _, notifier := newWorker()
	msg := amqp.TransactionRecorded{
		TransactionID: 5, AccountID: 10, AccountName: "Card", RecordedBy: sharer.ID, RecorderName: "bob",
		Kind: core.Expense, AmountCents: 50000, Category: "food", Comment: "lunch",
	}

	require.NoError(t, w.HandleTransactionRecorded(context.Background(), msg))
	assert.Equal(t, []core.UserID{owner.ID, other.ID}, recipients(notifier.sent))
	assert.Equal(t, `bob recorded expense 500.00 on "Card" (food): lunch`, notifier.sent[0].Text)
}

func TestTransactionRecordedFailures(t *testing.T) {
	ctx := context.Background()
	w, members, notifier := newWorker()

	assert.NoError(t, w.HandleTransactionRecorded(ctx, amqp.TransactionRecorded{AccountID: 99, RecordedBy: 1}),
		"vanished account is dropped, not requeued")

	notifier.fail[other.ID] = true
	err := w.HandleTransactionRecorded(ctx, amqp.TransactionRecorded{AccountID: 10, RecordedBy: owner.ID, Kind: core.Income, AmountCents: 1})
	assert.Error(t, err)
	assert.Equal(t, []core.UserID{sharer.ID}, recipients(notifier.sent), "other members are still notified")

	members.err = errors.New("database is locked")
	assert.ErrorIs(t, w.HandleTransactionRecorded(ctx, amqp.TransactionRecorded{AccountID: 10}), members.err)
}

func TestAccountSharedNotifiesTarget(t *testing.T) {
	ctx := context.Background()
	w, _, notifier := newWorker()

	err := w.HandleAccountShared(ctx, amqp.AccountShared{AccountID: 10, AccountName: "Card", OwnerID: 1, OwnerName: "alice", TargetUserID: 3})
	require.NoError(t, err)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, other.ID, notifier.sent[0].Recipient.ID)
	assert.Equal(t, `alice shared account "Card" with you`, notifier.sent[0].Text)

	assert.NoError(t, w.HandleAccountShared(ctx, amqp.AccountShared{AccountID: 10, OwnerID: 1, TargetUserID: 42}))
	assert.Len(t, notifier.sent, 1)
}

type stubConsumer struct {
	handlers amqp.Handlers
}

func (s *stubConsumer) Consume(ctx context.Context, h amqp.Handlers) error {
	s.handlers = h
	return context.Canceled
}

func TestRunWiresHandlers(t *testing.T) {
	w, _, _ := newWorker()
	consumer := &stubConsumer{}
	assert.NoError(t, w.Run(context.Background(), consumer))
	assert.NotNil(t, consumer.handlers.TransactionRecorded)
	assert.NotNil(t, consumer.handlers.AccountShared)
}
