package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"kassa/internal/bot"
	"kassa/internal/core"
	"kassa/internal/services"
	"kassa/internal/session"
	"kassa/internal/storage"
)

type ServerTestSuite struct {
	suite.Suite
	repo    *storage.SQLiteRepository
	handler http.Handler
}

func (s *ServerTestSuite) SetupTest() {
	repo, err := storage.NewSQLiteRepository(filepath.Join(s.T().TempDir(), "kassa.db"))
	require.NoError(s.T(), err)
	s.repo = repo

	ledger := services.NewLedgerService(repo)
	manager := session.NewManager(ledger, session.NewMemoryStore())
	dispatcher := bot.NewDispatcher(ledger, manager, nil)
	server := NewServer(Options{Addr: ":0"}, ledger, manager, dispatcher, repo, nil)
	s.handler = server.Handler()
}

func (s *ServerTestSuite) TearDownTest() {
	s.repo.Close()
}

func (s *ServerTestSuite) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *ServerTestSuite) decode(rec *httptest.ResponseRecorder, v any) {
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (s *ServerTestSuite) errorCode(rec *httptest.ResponseRecorder) string {
	var body errorBody
	s.decode(rec, &body)
	return body.Error.Code
}

func (s *ServerTestSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/healthz", "")
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	assert.NotEmpty(s.T(), rec.Header().Get(requestIDHeader))
	assert.Equal(s.T(), "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(http.MethodGet, "/readyz", "")
	assert.Equal(s.T(), http.StatusOK, rec.Code)
}

func (s *ServerTestSuite) TestCreateAccountConflict() {
	rec := s.do(http.MethodPost, "/api/users/100/accounts", `{"name":"Wallet","display_name":"Ann"}`)
	require.Equal(s.T(), http.StatusCreated, rec.Code, rec.Body.String())

	var created accountDTO
	s.decode(rec, &created)
	assert.Equal(s.T(), "Wallet", created.Name)

	rec = s.do(http.MethodPost, "/api/users/100/accounts", `{"name":"wallet"}`)
	assert.Equal(s.T(), http.StatusConflict, rec.Code)
	assert.Equal(s.T(), "already_exists", s.errorCode(rec))

	rec = s.do(http.MethodPost, "/api/users/100/accounts", `{"name":"   "}`)
	assert.Equal(s.T(), http.StatusUnprocessableEntity, rec.Code)
}

func (s *ServerTestSuite) TestListAccounts() {
	rec := s.do(http.MethodGet, "/api/users/nobody/accounts", "")
	assert.Equal(s.T(), http.StatusNotFound, rec.Code)

	s.do(http.MethodPost, "/api/users/100/accounts", `{"name":"Wallet"}`)
	rec = s.do(http.MethodGet, "/api/users/100/accounts", "")
	require.Equal(s.T(), http.StatusOK, rec.Code)

	var body struct {
		Accounts []accountDTO `json:"accounts"`
	}
	s.decode(rec, &body)
	require.Len(s.T(), body.Accounts, 1)
	require.NotNil(s.T(), body.Accounts[0].Balance)
	assert.Equal(s.T(), "0.00", *body.Accounts[0].Balance)
	assert.EqualValues(s.T(), "owner", body.Accounts[0].Role)
}

func (s *ServerTestSuite) TestShareRequiresOwner() {
	rec := s.do(http.MethodPost, "/api/users/100/accounts", `{"name":"Wallet"}`)
	var created accountDTO
	s.decode(rec, &created)
	path := "/api/users/%s/accounts/" + strconv.FormatInt(int64(created.ID), 10) + "/shares"

	rec = s.do(http.MethodPost, fmt.Sprintf(path, "100"), `{"target_external_id":"200"}`)
	require.Equal(s.T(), http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, fmt.Sprintf(path, "100"), `{"target_external_id":"200"}`)
	assert.Equal(s.T(), http.StatusConflict, rec.Code)
	assert.Equal(s.T(), "already_shared", s.errorCode(rec))

	rec = s.do(http.MethodPost, fmt.Sprintf(path, "200"), `{"target_external_id":"300"}`)
	assert.Equal(s.T(), http.StatusForbidden, rec.Code)
	assert.Equal(s.T(), "denied", s.errorCode(rec))

	rec = s.do(http.MethodPost, fmt.Sprintf(path, "100"), `{}`)
	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/users/200/accounts", "")
	var body struct {
		Accounts []accountDTO `json:"accounts"`
	}
	s.decode(rec, &body)
	require.Len(s.T(), body.Accounts, 1)
	assert.EqualValues(s.T(), "shared", body.Accounts[0].Role)
}

func (s *ServerTestSuite) TestEntryFlow() {
	s.do(http.MethodPost, "/api/users/100/accounts", `{"name":"Wallet"}`)

	rec := s.do(http.MethodPost, "/api/users/100/entry", `{"kind":"expense"}`)
	require.Equal(s.T(), http.StatusOK, rec.Code, rec.Body.String())
	var out outcomeDTO
	s.decode(rec, &out)
	assert.Equal(s.T(), session.StepChooseCategory, out.Step)

	rec = s.do(http.MethodPost, "/api/users/100/entry/events", `{"type":"select_category","category":"food"}`)
	s.decode(rec, &out)
	assert.Equal(s.T(), session.StepEnterAmount, out.Step)

	rec = s.do(http.MethodPost, "/api/users/100/entry/events", `{"type":"text","text":"lots"}`)
	require.Equal(s.T(), http.StatusOK, rec.Code)
	out = outcomeDTO{}
	s.decode(rec, &out)
	assert.Equal(s.T(), session.StepRetry, out.Step)
	assert.NotEmpty(s.T(), out.Reason)

	rec = s.do(http.MethodPost, "/api/users/100/entry/events", `{"type":"text","text":"12,50 lunch"}`)
	out = outcomeDTO{}
	s.decode(rec, &out)
	require.Equal(s.T(), session.StepCommitted, out.Step)
	require.NotNil(s.T(), out.Commit)
	assert.Equal(s.T(), "12.50", out.Commit.Amount)
	assert.Equal(s.T(), "-12.50", out.Commit.NewBalance)
	assert.Equal(s.T(), "lunch", out.Commit.Comment)

	rec = s.do(http.MethodDelete, "/api/users/100/entry", "")
	out = outcomeDTO{}
	s.decode(rec, &out)
	assert.Equal(s.T(), session.StepNoSession, out.Step)
}

func (s *ServerTestSuite) TestEntryRejectsBadInput() {
	rec := s.do(http.MethodPost, "/api/users/100/entry", `{"kind":"refund"}`)
	assert.Equal(s.T(), http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodPost, "/api/users/100/entry/events", `{"type":"jump"}`)
	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/users/100/entry", `{"kind":"income","extra":1}`)
	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/users/100/entry", strings.NewReader("kind=income"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(s.T(), http.StatusUnsupportedMediaType, rr.Code)
}

// brokenBalanceFlow commits every text event but fails the balance read after it.
type brokenBalanceFlow struct{ Flow }

func (brokenBalanceFlow) Advance(context.Context, core.UserID, session.Event) (session.Outcome, error) {
	return session.Outcome{
		Step: session.StepCommitted,
		Kind: core.Expense,
		Commit: &session.Commit{
			TransactionID: 9,
			AccountID:     1,
			AccountName:   "Wallet",
			Kind:          core.Expense,
			Amount:        core.Money{Cents: 1250},
			Comment:       "lunch",
		},
	}, errors.New("balance after commit: disk busy")
}

func (s *ServerTestSuite) TestEntryEventKeepsCommitWhenBalanceFails() {
	ledger := services.NewLedgerService(s.repo)
	flow := brokenBalanceFlow{}
	server := NewServer(Options{Addr: ":0"}, ledger, flow, bot.NewDispatcher(ledger, flow, nil), s.repo, nil)
	handler := server.Handler()

	s.do(http.MethodPost, "/api/users/100/accounts", `{"name":"Wallet"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/users/100/entry/events", strings.NewReader(`{"type":"text","text":"12.50 lunch"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(s.T(), http.StatusOK, rec.Code, rec.Body.String())
	var out outcomeDTO
	s.decode(rec, &out)
	require.Equal(s.T(), session.StepCommitted, out.Step)
	require.NotNil(s.T(), out.Commit)
	assert.Equal(s.T(), "12.50", out.Commit.Amount)
	assert.True(s.T(), out.Commit.BalanceUnavailable)
	assert.Empty(s.T(), out.Commit.NewBalance)
	assert.Contains(s.T(), rec.Body.String(), `"balance_unavailable":true`)
}

func (s *ServerTestSuite) TestStats() {
	s.do(http.MethodPost, "/api/updates", `{"external_user_id":"100","text":"/new_account Wallet"}`)
	s.do(http.MethodPost, "/api/updates", `{"external_user_id":"100","text":"/income Wallet 100"}`)
	s.do(http.MethodPost, "/api/updates", `{"external_user_id":"100","text":"/expense Wallet 25 food"}`)

	rec := s.do(http.MethodGet, "/api/users/100/stats?period=month", "")
	require.Equal(s.T(), http.StatusOK, rec.Code, rec.Body.String())
	var stats statsDTO
	s.decode(rec, &stats)
	assert.Equal(s.T(), "100.00", stats.TotalIncome)
	assert.Equal(s.T(), "25.00", stats.TotalExpense)
	assert.Equal(s.T(), "75.00", stats.Net)
	require.Len(s.T(), stats.ExpenseByCategory, 1)
	assert.Equal(s.T(), "100.00", stats.ExpenseByCategory[0].Percentage)

	assert.Equal(s.T(), http.StatusBadRequest, s.do(http.MethodGet, "/api/users/100/stats?period=year", "").Code)
	assert.Equal(s.T(), http.StatusBadRequest, s.do(http.MethodGet, "/api/users/100/stats?days=0", "").Code)
	assert.Equal(s.T(), http.StatusOK, s.do(http.MethodGet, "/api/users/100/stats?days=3", "").Code)
}

func (s *ServerTestSuite) TestUpdates() {
	rec := s.do(http.MethodPost, "/api/updates", `{"external_user_id":"100","text":"/new_account Wallet"}`)
	require.Equal(s.T(), http.StatusOK, rec.Code)
	var reply replyDTO
	s.decode(rec, &reply)
	assert.Equal(s.T(), bot.ReplyAccountCreated, reply.Kind)

	rec = s.do(http.MethodPost, "/api/updates", `{"external_user_id":"100","text":"/new_account wallet"}`)
	reply = replyDTO{}
	s.decode(rec, &reply)
	assert.Equal(s.T(), bot.ReplyAlreadyExists, reply.Kind)
	assert.NotEmpty(s.T(), reply.Error)

	rec = s.do(http.MethodPost, "/api/updates", `{"text":"/start"}`)
	assert.Equal(s.T(), http.StatusUnprocessableEntity, rec.Code)
}

func (s *ServerTestSuite) TestCategories() {
	rec := s.do(http.MethodGet, "/api/categories", "")
	require.Equal(s.T(), http.StatusOK, rec.Code)
	var body map[string][]string
	s.decode(rec, &body)
	assert.Contains(s.T(), body["categories"], "food")
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("disk gone") }

func TestReadyReportsStorageFailure(t *testing.T) {
	server := NewServer(Options{}, nil, nil, nil, failingPinger{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	server := NewServer(Options{RateLimitPerMinute: 2}, nil, nil, nil, nil, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	server.limiter.now = func() time.Time { return now }

	get := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNotFound, get())
	assert.Equal(t, http.StatusNotFound, get())
	assert.Equal(t, http.StatusTooManyRequests, get())

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusNotFound, get())

	now = now.Add(time.Hour)
	assert.Equal(t, 1, server.limiter.cleanup(10*time.Minute))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"direct", "203.0.113.9:4000", nil, "203.0.113.9"},
		{"untrusted peer ignores headers", "203.0.113.9:4000", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "203.0.113.9"},
		{"trusted proxy forwarded for", "10.0.0.2:80", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.2"}, "1.2.3.4"},
		{"trusted proxy real ip", "127.0.0.1:80", map[string]string{"X-Real-IP": "5.6.7.8"}, "5.6.7.8"},
		{"trusted proxy bad header", "127.0.0.1:80", map[string]string{"X-Forwarded-For": "garbage"}, "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestRequestIDReuse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "3f2c1a7e-9a55-4c1b-8f0e-2b7d7d1c9e11")
	assert.Equal(t, "3f2c1a7e-9a55-4c1b-8f0e-2b7d7d1c9e11", requestID(req))

	req.Header.Set(requestIDHeader, "not-a-uuid")
	assert.NotEqual(t, "not-a-uuid", requestID(req))
}
