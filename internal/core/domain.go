package core

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	Income  Kind = "income"
	Expense Kind = "expense"
)

const (
	RoleOwner  Role = "owner"
	RoleShared Role = "shared"
)

// MaxNameLength bounds account names (in runes).
const MaxNameLength = 100

// MaxCommentLength bounds transaction comments (in runes).
const MaxCommentLength = 500

// DefaultCategories is the seed catalog inserted by the initial migration.
var DefaultCategories = []string{"food", "transport", "housing", "entertainment", "other"}

type (
	UserID        int64
	AccountID     int64
	CategoryID    int64
	TransactionID int64

	// Kind is the direction of a transaction.
	Kind string

	// Role is the caller's relation to an account.
	Role string

	User struct {
		ID          UserID
		ExternalID  string
		DisplayName string
		CreatedAt   time.Time
	}

	Category struct {
		ID   CategoryID
		Name string
	}

	Account struct {
		ID        AccountID
		Name      string
		OwnerID   UserID
		CreatedAt time.Time
	}

	AccountShare struct {
		ID        int64
		AccountID AccountID
		UserID    UserID
		CreatedAt time.Time
	}

	// AccessibleAccount is an account as seen by one user.
	AccessibleAccount struct {
		Account
		OwnerDisplayName string
		Role             Role
	}

	// AccountSummary adds the derived balance.
	AccountSummary struct {
		AccessibleAccount
		Balance Money
	}

	Transaction struct {
		ID           TransactionID
		AccountID    AccountID
		RecordedBy   UserID
		Kind         Kind
		Amount       Money
		CategoryID   *CategoryID
		CategoryName string // empty when CategoryID is nil
		Comment      string
		CreatedAt    time.Time
	}

	// NewTransaction is the input to the single mutating ledger operation.
	NewTransaction struct {
		AccountID  AccountID
		RecordedBy UserID
		Kind       Kind
		Amount     Money
		CategoryID *CategoryID
		Comment    string
	}
)

func (k Kind) Valid() bool {
	return k == Income || k == Expense
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind accepts the canonical names case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", ErrInvalidKind
	}
	return k, nil
}

// FoldName normalizes a user-entered name for case-insensitive matching.
func FoldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeAccountName trims the name and checks its length. Names are a
// single word: chat commands split their arguments on whitespace.
func NormalizeAccountName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsFunc(name, unicode.IsSpace) {
		return "", ErrInvalidName
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", ErrInvalidName
	}
	return name, nil
}

func (t NewTransaction) Validate() error {
	if !t.Kind.Valid() {
		return ErrInvalidKind
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if t.Kind == Expense && t.CategoryID == nil {
		return ErrCategoryRequired
	}
	if utf8.RuneCountInString(t.Comment) > MaxCommentLength {
		return ErrCommentTooLong
	}
	return nil
}

// Normalized drops the category from incomes; incomes are never categorized.
func (t NewTransaction) Normalized() NewTransaction {
	if t.Kind == Income {
		t.CategoryID = nil
	}
	t.Comment = strings.TrimSpace(t.Comment)
	return t
}

// SignedAmount is the transaction's contribution to its account balance.
func (t Transaction) SignedAmount() Money {
	if t.Kind == Expense {
		return t.Amount.Neg()
	}
	return t.Amount
}
