package session

import (
	"kassa/internal/core"
)

// EventType tags an inbound user event.
type EventType int

const (
	EventSelectAccount EventType = iota + 1
	EventSelectCategory
	EventText
	EventCancel
)

// Event is one inbound user action for a conversation.
type Event struct {
	Type      EventType
	AccountID core.AccountID
	Category  string
	Text      string
}

func SelectAccount(id core.AccountID) Event { return Event{Type: EventSelectAccount, AccountID: id} }
func SelectCategory(name string) Event     { return Event{Type: EventSelectCategory, Category: name} }
func Text(raw string) Event                { return Event{Type: EventText, Text: raw} }
func Cancel() Event                        { return Event{Type: EventCancel} }

// Step is what the caller should show next.
type Step string

const (
	StepNoAccounts     Step = "no_accounts"
	StepChooseAccount  Step = "choose_account"
	StepChooseCategory Step = "choose_category"
	StepEnterAmount    Step = "enter_amount"
	StepRetry          Step = "retry"
	StepCommitted      Step = "committed"
	StepCancelled      Step = "cancelled"
	StepIgnored        Step = "ignored"
	StepNoSession      Step = "no_session"
	StepInconsistent   Step = "inconsistent"
)

// Commit describes a transaction recorded by a finished flow.
type Commit struct {
	TransactionID core.TransactionID `json:"transaction_id"`
	AccountID     core.AccountID     `json:"account_id"`
	AccountName   string             `json:"account_name"`
	Kind          core.Kind          `json:"kind"`
	Amount        core.Money         `json:"-"`
	Category      string             `json:"category,omitempty"`
	Comment       string             `json:"comment"`
	NewBalance    core.Money         `json:"-"`
	// BalanceUnavailable is set when the transaction was recorded but the
	// balance could not be read back; NewBalance is then meaningless.
	BalanceUnavailable bool `json:"balance_unavailable,omitempty"`
}

// Outcome is the result of feeding an event to the Manager.
type Outcome struct {
	Step        Step
	Kind        core.Kind
	AccountName string
	Candidates  []Candidate // StepChooseAccount
	Categories  []string    // StepChooseCategory
	Commit      *Commit     // StepCommitted
	Reason      error       // StepRetry, StepInconsistent
}
