package worker

import (
	"context"

	"kassa/internal/core"
	"kassa/internal/log"
)

// Notification is a message for one account member.
type Notification struct {
	Recipient core.User
	Event     string
	AccountID core.AccountID
	Text      string
}

// Notifier delivers notifications to a chat transport.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. It is the default when no
// chat transport is wired.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.WithComponent(log.ComponentWorker)}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	n.logger.InfoContext(ctx, "Notification",
		log.FieldUserID, int64(note.Recipient.ID),
		"external_id", note.Recipient.ExternalID,
		log.FieldMessageType, note.Event,
		log.FieldAccountID, int64(note.AccountID),
		"text", note.Text)
	return nil
}
