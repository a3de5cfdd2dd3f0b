// Package session implements the multi-step transaction-entry flow.
//
// A conversation is an explicit value (State plus accumulated fields) that is
// loaded, advanced and saved on every event. Nothing is written to the ledger
// before the final commit, so losing a session only loses the partial entry.
package session

import (
	"context"
	"slices"
	"time"

	"kassa/internal/core"
)

// State is the step the conversation is waiting on. Idle is represented by the
// absence of a stored session.
type State string

const (
	ChoosingAccount  State = "choosing_account"
	ChoosingCategory State = "choosing_category"
	EnteringAmount   State = "entering_amount"
)

// Candidate is an account offered to the user in ChoosingAccount.
type Candidate struct {
	ID   core.AccountID `json:"id"`
	Name string         `json:"name"`
}

// Session is the persisted state of one user's entry conversation.
type Session struct {
	UserID      core.UserID    `json:"user_id"`
	State       State          `json:"state"`
	Kind        core.Kind      `json:"kind"`
	Candidates  []Candidate    `json:"candidates,omitempty"`
	AccountID   core.AccountID `json:"account_id,omitempty"`
	AccountName string         `json:"account_name,omitempty"`
	Category    string         `json:"category,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Store persists sessions between events. Implementations must treat a
// missing session as (Session{}, false, nil).
type Store interface {
	Load(ctx context.Context, userID core.UserID) (Session, bool, error)
	Save(ctx context.Context, s Session) error
	Delete(ctx context.Context, userID core.UserID) error
}

func (s Session) candidate(id core.AccountID) (Candidate, bool) {
	i := slices.IndexFunc(s.Candidates, func(c Candidate) bool { return c.ID == id })
	if i < 0 {
		return Candidate{}, false
	}
	return s.Candidates[i], true
}

// selectAccount stores the chosen account and moves to the next step for the flow's kind.
func (s *Session) selectAccount(c Candidate) {
	s.AccountID = c.ID
	s.AccountName = c.Name
	s.Candidates = nil
	if s.Kind == core.Expense {
		s.State = ChoosingCategory
	} else {
		s.State = EnteringAmount
	}
}
