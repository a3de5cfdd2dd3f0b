package http

import (
	"context"
	"sync"
	"time"
)

// rateLimiter allows a fixed number of requests per client IP per minute.
type rateLimiter struct {
	mu        sync.Mutex
	perMinute int
	clients   map[string]*clientWindow
	now       func() time.Time
}

type clientWindow struct {
	start    time.Time
	requests int
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		clients:   make(map[string]*clientWindow),
		now:       time.Now,
	}
}

// allow counts one request for clientIP and reports whether it fits the window.
func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.clients[clientIP]
	if !ok || now.Sub(w.start) >= time.Minute {
		rl.clients[clientIP] = &clientWindow{start: now, requests: 1}
		return true
	}
	w.requests++
	return w.requests <= rl.perMinute
}

// cleanup forgets clients idle for longer than maxIdle.
func (rl *rateLimiter) cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for ip, w := range rl.clients {
		if w.start.Before(cutoff) {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

// run prunes stale clients every few minutes until ctx is done.
func (rl *rateLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(10 * time.Minute)
		case <-ctx.Done():
			return
		}
	}
}
