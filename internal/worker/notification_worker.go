// Package worker consumes ledger events and notifies account members.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kassa/internal/amqp"
	"kassa/internal/core"
	"kassa/internal/log"
)

// Members resolves who can see an account.
type Members interface {
	AccountMembers(ctx context.Context, accountID core.AccountID) ([]core.User, error)
	GetUser(ctx context.Context, id core.UserID) (core.User, error)
}

// Consumer is the subscription side of the event bus.
type Consumer interface {
	Consume(ctx context.Context, h amqp.Handlers) error
}

// NotificationWorker fans ledger events out to account members. Delivery is
// at least once: a failed notification requeues the whole event.
type NotificationWorker struct {
	members  Members
	notifier Notifier
	logger   *log.Logger
}

func NewNotificationWorker(members Members, notifier Notifier, logger *log.Logger) *NotificationWorker {
	if logger == nil {
		logger = log.Discard()
	}
	return &NotificationWorker{
		members:  members,
		notifier: notifier,
		logger:   logger.WithComponent(log.ComponentWorker),
	}
}

// Run consumes until ctx is cancelled.
func (w *NotificationWorker) Run(ctx context.Context, consumer Consumer) error {
	err := consumer.Consume(log.NewContext(ctx, w.logger), amqp.Handlers{
		TransactionRecorded: w.HandleTransactionRecorded,
		AccountShared:       w.HandleAccountShared,
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleTransactionRecorded notifies every member of the account except the
// one who recorded the transaction.
func (w *NotificationWorker) HandleTransactionRecorded(ctx context.Context, msg amqp.TransactionRecorded) error {
	members, err := w.members.AccountMembers(ctx, msg.AccountID)
	if errors.Is(err, core.ErrNotFound) {
		w.logger.WarnContext(ctx, "Account gone, dropping event", log.FieldAccountID, int64(msg.AccountID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load account members: %w", err)
	}

	text := describeTransaction(msg)
	var errs []error
	for _, m := range members {
		if m.ID == msg.RecordedBy {
			continue
		}
		err := w.notifier.Notify(ctx, Notification{
			Recipient: m,
			Event:     amqp.TypeTransactionRecorded,
			AccountID: msg.AccountID,
			Text:      text,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify user %d: %w", m.ID, err))
		}
	}
	return errors.Join(errs...)
}

// HandleAccountShared tells the target it gained access.
func (w *NotificationWorker) HandleAccountShared(ctx context.Context, msg amqp.AccountShared) error {
	target, err := w.members.GetUser(ctx, msg.TargetUserID)
	if errors.Is(err, core.ErrNotFound) {
		w.logger.WarnContext(ctx, "Share target gone, dropping event", log.FieldUserID, int64(msg.TargetUserID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load share target: %w", err)
	}

	owner := msg.OwnerName
	if owner == "" {
		owner = fmt.Sprintf("user %d", msg.OwnerID)
	}
	return w.notifier.Notify(ctx, Notification{
		Recipient: target,
		Event:     amqp.TypeAccountShared,
		AccountID: msg.AccountID,
		Text:      fmt.Sprintf("%s shared account %q with you", owner, msg.AccountName),
	})
}

func describeTransaction(msg amqp.TransactionRecorded) string {
	who := msg.RecorderName
	if who == "" {
		who = fmt.Sprintf("user %d", msg.RecordedBy)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s recorded %s %s on %q", who, msg.Kind, msg.Amount(), msg.AccountName)
	if msg.Category != "" {
		fmt.Fprintf(&b, " (%s)", msg.Category)
	}
	if msg.Comment != "" {
		fmt.Fprintf(&b, ": %s", msg.Comment)
	}
	return b.String()
}
