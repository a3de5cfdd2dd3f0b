package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"kassa/internal/bot"
	"kassa/internal/core"
	"kassa/internal/log"
	"kassa/internal/session"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

var errorStatuses = []struct {
	target error
	code   string
	status int
}{
	{core.ErrAlreadyExists, "already_exists", http.StatusConflict},
	{core.ErrAlreadyShared, "already_shared", http.StatusConflict},
	{core.ErrDenied, "denied", http.StatusForbidden},
	{core.ErrNotFound, "not_found", http.StatusNotFound},
	{core.ErrInvalidAmount, "invalid_amount", http.StatusUnprocessableEntity},
	{core.ErrInvalidName, "invalid_name", http.StatusUnprocessableEntity},
	{core.ErrInvalidKind, "invalid_kind", http.StatusUnprocessableEntity},
	{core.ErrCategoryRequired, "category_required", http.StatusUnprocessableEntity},
	{core.ErrCommentTooLong, "comment_too_long", http.StatusUnprocessableEntity},
	{core.ErrInvalidPeriod, "invalid_period", http.StatusBadRequest},
	{errBadRequest, "bad_request", http.StatusBadRequest},
}

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps ledger outcomes onto status codes. Anything unknown is a
// 500 with a generic message; the cause only goes to the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.target) {
			writeJSON(w, e.status, errorBody{Error: errorDetail{Code: e.code, Message: err.Error()}})
			return
		}
	}
	log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
		log.FieldError, err,
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
		Code:    "internal",
		Message: "internal error",
	}})
}

type accountDTO struct {
	ID        core.AccountID `json:"id"`
	Name      string         `json:"name"`
	OwnerID   core.UserID    `json:"owner_id"`
	Owner     string         `json:"owner,omitempty"`
	Role      core.Role      `json:"role,omitempty"`
	Balance   *string        `json:"balance,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func newAccountDTO(a core.Account) accountDTO {
	return accountDTO{ID: a.ID, Name: a.Name, OwnerID: a.OwnerID, CreatedAt: a.CreatedAt}
}

func newSummaryDTO(s core.AccountSummary) accountDTO {
	dto := newAccountDTO(s.Account)
	dto.Owner = s.OwnerDisplayName
	dto.Role = s.Role
	balance := s.Balance.String()
	dto.Balance = &balance
	return dto
}

type categoryAmountDTO struct {
	Name       string `json:"name"`
	Amount     string `json:"amount"`
	Percentage string `json:"percentage,omitempty"`
}

type statsDTO struct {
	Since             time.Time           `json:"since"`
	TotalIncome       string              `json:"total_income"`
	TotalExpense      string              `json:"total_expense"`
	Net               string              `json:"net"`
	IncomeByCategory  []categoryAmountDTO `json:"income_by_category"`
	ExpenseByCategory []categoryAmountDTO `json:"expense_by_category"`
}

func newStatsDTO(s core.PeriodStats) statsDTO {
	dto := statsDTO{
		Since:             s.Since,
		TotalIncome:       s.TotalIncome.String(),
		TotalExpense:      s.TotalExpense.String(),
		Net:               s.Net().String(),
		IncomeByCategory:  make([]categoryAmountDTO, 0, len(s.IncomeByCategory)),
		ExpenseByCategory: make([]categoryAmountDTO, 0, len(s.ExpenseByCategory)),
	}
	for _, c := range s.IncomeByCategory {
		dto.IncomeByCategory = append(dto.IncomeByCategory, categoryAmountDTO{Name: c.Name, Amount: c.Amount.String()})
	}
	for _, c := range s.ExpenseByCategory {
		dto.ExpenseByCategory = append(dto.ExpenseByCategory, categoryAmountDTO{
			Name:       c.Name,
			Amount:     c.Amount.String(),
			Percentage: c.Percentage.StringFixed(2),
		})
	}
	return dto
}

type commitDTO struct {
	session.Commit
	Amount     string `json:"amount"`
	NewBalance string `json:"new_balance,omitempty"`
}

func newCommitDTO(c *session.Commit) *commitDTO {
	if c == nil {
		return nil
	}
	dto := &commitDTO{Commit: *c, Amount: c.Amount.String()}
	if !c.BalanceUnavailable {
		dto.NewBalance = c.NewBalance.String()
	}
	return dto
}

type outcomeDTO struct {
	Step        session.Step        `json:"step"`
	Kind        core.Kind           `json:"kind,omitempty"`
	AccountName string              `json:"account_name,omitempty"`
	Candidates  []session.Candidate `json:"candidates,omitempty"`
	Categories  []string            `json:"categories,omitempty"`
	Commit      *commitDTO          `json:"commit,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

func newOutcomeDTO(o session.Outcome) outcomeDTO {
	dto := outcomeDTO{
		Step:        o.Step,
		Kind:        o.Kind,
		AccountName: o.AccountName,
		Candidates:  o.Candidates,
		Categories:  o.Categories,
		Commit:      newCommitDTO(o.Commit),
	}
	if o.Reason != nil {
		dto.Reason = o.Reason.Error()
	}
	return dto
}

type replyDTO struct {
	Kind       bot.ReplyKind `json:"kind"`
	Command    string        `json:"command,omitempty"`
	Categories []string      `json:"categories,omitempty"`
	Account    *accountDTO   `json:"account,omitempty"`
	Accounts   []accountDTO  `json:"accounts,omitempty"`
	Stats      *statsDTO     `json:"stats,omitempty"`
	Commit     *commitDTO    `json:"commit,omitempty"`
	Outcome    *outcomeDTO   `json:"outcome,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func newReplyDTO(r bot.Reply) replyDTO {
	dto := replyDTO{
		Kind:       r.Kind,
		Command:    r.Command,
		Categories: r.Categories,
		Commit:     newCommitDTO(r.Commit),
	}
	if r.Account != nil {
		a := newAccountDTO(*r.Account)
		dto.Account = &a
	}
	for _, s := range r.Accounts {
		dto.Accounts = append(dto.Accounts, newSummaryDTO(s))
	}
	if r.Stats != nil {
		st := newStatsDTO(*r.Stats)
		dto.Stats = &st
	}
	if r.Outcome != nil {
		o := newOutcomeDTO(*r.Outcome)
		dto.Outcome = &o
	}
	if r.Err != nil {
		dto.Error = r.Err.Error()
	}
	return dto
}
