// Package ratelimit implements a token bucket rate limiter capping request
// rate per source, independent of the quota ledger.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/careersift/scraperd/internal/metrics"
	"github.com/careersift/scraperd/internal/scrape"
)

// SourceLimit configures one source's request rate.
type SourceLimit struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	PerSource    map[scrape.SourceID]SourceLimit
}

// Limiter manages per-source token buckets. Free sources get limited too:
// hammering an RSS host or a career page gets the scraper banned.
type Limiter struct {
	mu       sync.Mutex
	limiters map[scrape.SourceID]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.DefaultRPS <= 0 {
		cfg.DefaultRPS = 1
	}
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	return &Limiter{
		limiters: make(map[scrape.SourceID]*rate.Limiter),
		cfg:      cfg,
	}
}

func (l *Limiter) limiter(source scrape.SourceID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[source]
	if !ok {
		rps, burst := l.cfg.DefaultRPS, l.cfg.DefaultBurst
		if sl, found := l.cfg.PerSource[source]; found {
			if sl.RPS > 0 {
				rps = sl.RPS
			}
			if sl.Burst > 0 {
				burst = sl.Burst
			}
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
		l.limiters[source] = limiter
	}
	return limiter
}

// Allow reports whether one call to the source may proceed right now.
// Exceeding the limit denies rather than blocking.
func (l *Limiter) Allow(source scrape.SourceID) bool {
	return l.limiter(source).Allow()
}

// Wait blocks until a token is available or the timeout elapses.
func (l *Limiter) Wait(ctx context.Context, source scrape.SourceID, timeout time.Duration) error {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	if err := l.limiter(source).Wait(waitCtx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", source, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(string(source), waited)
	}
	return nil
}
