// Package http exposes the ledger, the entry flow and the bot dispatcher as
// a JSON API.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"kassa/internal/bot"
	"kassa/internal/core"
	"kassa/internal/log"
	"kassa/internal/session"
)

// Ledger is the read and write surface the API exposes.
type Ledger interface {
	GetOrCreateUser(ctx context.Context, externalID, displayName string) (core.User, error)
	UserByExternalID(ctx context.Context, externalID string) (core.User, error)
	CreateAccount(ctx context.Context, ownerID core.UserID, name string) (core.Account, error)
	ListAccessibleAccounts(ctx context.Context, userID core.UserID) ([]core.AccountSummary, error)
	ShareAccount(ctx context.Context, accountID core.AccountID, requester, target core.UserID) error
	PeriodStats(ctx context.Context, userID core.UserID, days int) (core.PeriodStats, error)
	Categories(ctx context.Context) ([]core.Category, error)
}

// Flow drives the interactive entry conversation.
type Flow interface {
	Start(ctx context.Context, userID core.UserID, kind core.Kind) (session.Outcome, error)
	Advance(ctx context.Context, userID core.UserID, ev session.Event) (session.Outcome, error)
	Cancel(ctx context.Context, userID core.UserID) (session.Outcome, error)
}

// Updates handles chat updates.
type Updates interface {
	Handle(ctx context.Context, u bot.Update) (bot.Reply, error)
}

// Pinger reports storage readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Addr               string
	AllowedOrigins     []string
	RateLimitPerMinute int // zero disables rate limiting
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

type Server struct {
	httpServer *http.Server
	ledger     Ledger
	flow       Flow
	updates    Updates
	pinger     Pinger
	limiter    *rateLimiter
	logger     *log.Logger
}

// NewServer builds the router. pinger may be nil, in which case /readyz
// always reports ready.
func NewServer(opts Options, ledger Ledger, flow Flow, updates Updates, pinger Pinger, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Discard()
	}
	s := &Server{
		ledger:  ledger,
		flow:    flow,
		updates: updates,
		pinger:  pinger,
		logger:  logger.WithComponent(log.ComponentHTTP),
	}
	if opts.RateLimitPerMinute > 0 {
		s.limiter = newRateLimiter(opts.RateLimitPerMinute)
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 15 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(opts.AllowedOrigins),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogging)
	r.Use(securityHeaders)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", requestIDHeader},
			ExposedHeaders: []string{requestIDHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/updates", s.handleUpdate)
		r.Get("/categories", s.handleCategories)

		r.Route("/users/{externalID}", func(r chi.Router) {
			r.Get("/accounts", s.handleListAccounts)
			r.Post("/accounts", s.handleCreateAccount)
			r.Post("/accounts/{accountID}/shares", s.handleShareAccount)
			r.Get("/stats", s.handleStats)

			r.Post("/entry", s.handleStartEntry)
			r.Post("/entry/events", s.handleEntryEvent)
			r.Delete("/entry", s.handleCancelEntry)
		})
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks until the server stops. It returns nil after Shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.limiter != nil {
		go s.limiter.run(ctx)
	}
	s.logger.InfoContext(ctx, "HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
