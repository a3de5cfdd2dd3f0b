package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"kassa/internal/core"
)

// Message types, carried in the AMQP Type property.
const (
	TypeTransactionRecorded = "transaction.recorded"
	TypeAccountShared       = "account.shared"
)

// TransactionRecorded is published after a transaction is committed.
type TransactionRecorded struct {
	TransactionID core.TransactionID `json:"transaction_id"`
	AccountID     core.AccountID     `json:"account_id"`
	AccountName   string             `json:"account_name"`
	RecordedBy    core.UserID        `json:"recorded_by"`
	RecorderName  string             `json:"recorder_name,omitempty"`
	Kind          core.Kind          `json:"kind"`
	AmountCents   int64              `json:"amount_cents"`
	Category      string             `json:"category,omitempty"`
	Comment       string             `json:"comment,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
}

// NewTransactionRecorded builds the event for t on the named account.
func NewTransactionRecorded(t core.Transaction, accountName, recorderName string) TransactionRecorded {
	return TransactionRecorded{
		TransactionID: t.ID,
		AccountID:     t.AccountID,
		AccountName:   accountName,
		RecordedBy:    t.RecordedBy,
		RecorderName:  recorderName,
		Kind:          t.Kind,
		AmountCents:   t.Amount.Cents,
		Category:      t.CategoryName,
		Comment:       t.Comment,
		OccurredAt:    t.CreatedAt,
	}
}

func (m TransactionRecorded) Amount() core.Money {
	return core.Money{Cents: m.AmountCents}
}

func (m TransactionRecorded) validate() error {
	if m.TransactionID == 0 || m.AccountID == 0 || m.RecordedBy == 0 {
		return fmt.Errorf("transaction.recorded: missing ids")
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("transaction.recorded: %w", core.ErrInvalidKind)
	}
	return nil
}

// AccountShared is published after an owner shares an account.
type AccountShared struct {
	AccountID    core.AccountID `json:"account_id"`
	AccountName  string         `json:"account_name"`
	OwnerID      core.UserID    `json:"owner_id"`
	OwnerName    string         `json:"owner_name,omitempty"`
	TargetUserID core.UserID    `json:"target_user_id"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

func (m AccountShared) validate() error {
	if m.AccountID == 0 || m.OwnerID == 0 || m.TargetUserID == 0 {
		return fmt.Errorf("account.shared: missing ids")
	}
	return nil
}

func decode[T interface{ validate() error }](body []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.validate(); err != nil {
		return msg, err
	}
	return msg, nil
}
