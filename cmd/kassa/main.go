package main

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"kassa/internal/bot"
	"kassa/internal/cache"
	"kassa/internal/cli"
	"kassa/internal/config"
	apphttp "kassa/internal/http"
	"kassa/internal/services"
	"kassa/internal/session"
	"kassa/internal/storage"
)

type sessionStore interface {
	session.Store
	session.Purger
}

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	catalog := cache.NewCatalog(repo, cfg.CategoryCacheTTL)
	caches := cache.NewManager(logger)
	caches.Register(catalog)

	opts := []services.Option{services.WithCatalog(catalog), services.WithLogger(logger)}
	if client := cli.InitAMQP(logger, cfg); client != nil {
		defer client.Close()
		opts = append(opts, services.WithPublisher(client))
	}
	ledger := services.NewLedgerService(repo, opts...)

	var store sessionStore
	switch cfg.SessionBackend {
	case config.SessionBackendMemory:
		store = session.NewMemoryStore()
	default:
		store = storage.NewSessionRepository(repo)
	}
	manager := session.NewManager(ledger, store, session.WithLogger(logger))
	janitor := session.NewJanitor(store, cfg.SessionTTL, logger)
	dispatcher := bot.NewDispatcher(ledger, manager, logger)

	srv := apphttp.NewServer(apphttp.Options{
		Addr:               cfg.Addr(),
		AllowedOrigins:     cfg.CORSAllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
	}, ledger, manager, dispatcher, repo, logger)

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	logger.Info("Starting kassa server",
		"port", cfg.Port,
		"session_backend", cfg.SessionBackend,
		"amqp", cfg.AMQPEnabled())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return janitor.Run(gctx, sessionSweepInterval(cfg.SessionTTL)) })
	g.Go(func() error { return caches.Run(gctx, cfg.CacheCleanupInterval) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

// sessionSweepInterval checks a few times per TTL, at most hourly.
func sessionSweepInterval(ttl time.Duration) time.Duration {
	return min(ttl/4, time.Hour)
}
