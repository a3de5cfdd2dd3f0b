package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"kassa/internal/bot"
	"kassa/internal/core"
	"kassa/internal/log"
	"kassa/internal/session"
)

const maxBodyBytes = 64 << 10

var statsPeriods = map[string]int{"week": 7, "month": 30}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "Readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// existingUser resolves the path user without creating it.
func (s *Server) existingUser(r *http.Request) (core.User, error) {
	return s.ledger.UserByExternalID(r.Context(), chi.URLParam(r, "externalID"))
}

// actingUser resolves the path user, registering it on first contact.
func (s *Server) actingUser(r *http.Request, displayName string) (core.User, error) {
	return s.ledger.GetOrCreateUser(r.Context(), chi.URLParam(r, "externalID"), displayName)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var u bot.Update
	if err := decode(r, &u); err != nil {
		writeError(w, r, err)
		return
	}
	reply, err := s.updates.Handle(r.Context(), u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReplyDTO(reply))
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.ledger.Categories(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, c.Name)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"categories": names})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	user, err := s.existingUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	summaries, err := s.ledger.ListAccessibleAccounts(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	accounts := make([]accountDTO, 0, len(summaries))
	for _, sum := range summaries {
		accounts = append(accounts, newSummaryDTO(sum))
	}
	writeJSON(w, http.StatusOK, map[string][]accountDTO{"accounts": accounts})
}

type createAccountRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.actingUser(r, req.DisplayName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	account, err := s.ledger.CreateAccount(r.Context(), user.ID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountDTO(account))
}

type shareRequest struct {
	TargetExternalID string `json:"target_external_id"`
}

func (s *Server) handleShareAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: account id", errBadRequest))
		return
	}
	var req shareRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.TargetExternalID) == "" {
		writeError(w, r, fmt.Errorf("%w: target_external_id is required", errBadRequest))
		return
	}

	owner, err := s.existingUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	target, err := s.ledger.GetOrCreateUser(r.Context(), req.TargetExternalID, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ledger.ShareAccount(r.Context(), core.AccountID(accountID), owner.ID, target.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id": accountID,
		"user_id":    target.ID,
	})
}

// statsDays reads ?period=week|month or ?days=N; the default is a week.
func statsDays(r *http.Request) (int, error) {
	q := r.URL.Query()
	if raw := q.Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: days must be an integer", core.ErrInvalidPeriod)
		}
		return days, nil
	}
	period := strings.ToLower(q.Get("period"))
	if period == "" {
		period = "week"
	}
	days, ok := statsPeriods[period]
	if !ok {
		return 0, fmt.Errorf("%w: %q", core.ErrInvalidPeriod, period)
	}
	return days, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days, err := statsDays(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.existingUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := s.ledger.PeriodStats(r.Context(), user.ID, days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatsDTO(stats))
}

type startEntryRequest struct {
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name,omitempty"`
}

func (s *Server) handleStartEntry(w http.ResponseWriter, r *http.Request) {
	var req startEntryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	kind, err := core.ParseKind(req.Kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.actingUser(r, req.DisplayName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.flow.Start(r.Context(), user.ID, kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeDTO(out))
}

type entryEventRequest struct {
	Type      string         `json:"type"`
	AccountID core.AccountID `json:"account_id,omitempty"`
	Category  string         `json:"category,omitempty"`
	Text      string         `json:"text,omitempty"`
}

func (req entryEventRequest) event() (session.Event, error) {
	switch req.Type {
	case "select_account":
		return session.SelectAccount(req.AccountID), nil
	case "select_category":
		return session.SelectCategory(req.Category), nil
	case "text":
		return session.Text(req.Text), nil
	case "cancel":
		return session.Cancel(), nil
	default:
		return session.Event{}, fmt.Errorf("%w: unknown event type %q", errBadRequest, req.Type)
	}
}

func (s *Server) handleEntryEvent(w http.ResponseWriter, r *http.Request) {
	var req entryEventRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := req.event()
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.existingUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.flow.Advance(r.Context(), user.ID, ev)
	if err != nil && session.Committed(out) {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Entry committed but balance unavailable",
			log.FieldTxID, int64(out.Commit.TransactionID),
			log.FieldError, err)
		out.Commit.BalanceUnavailable = true
		err = nil
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeDTO(out))
}

func (s *Server) handleCancelEntry(w http.ResponseWriter, r *http.Request) {
	user, err := s.existingUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.flow.Cancel(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeDTO(out))
}
