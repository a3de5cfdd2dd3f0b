package session

import (
	"context"
	"time"

	"kassa/internal/log"
)

// Purger is a Store that can drop abandoned sessions.
type Purger interface {
	PurgeSessions(ctx context.Context, before time.Time) (int64, error)
}

// Janitor removes sessions left idle for longer than ttl.
type Janitor struct {
	store  Purger
	ttl    time.Duration
	now    func() time.Time
	logger *log.Logger
}

func NewJanitor(store Purger, ttl time.Duration, logger *log.Logger) *Janitor {
	if logger == nil {
		logger = log.Discard()
	}
	return &Janitor{store: store, ttl: ttl, now: time.Now, logger: logger.WithComponent(log.ComponentSession)}
}

// Sweep runs one purge pass.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.store.PurgeSessions(ctx, j.now().Add(-j.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "Abandoned entry sessions purged", "count", n, "ttl", j.ttl)
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. Failed sweeps are logged and retried
// on the next tick.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.ErrorContext(ctx, "Session purge failed", log.FieldError, err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
