// Package pool runs scrape calls for one source through a bounded worker
// pool. Admission order for every call: circuit breaker, rate limiter, quota
// reservation (metered sources only), then the scrape itself.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/metrics"
	"github.com/careersift/scraperd/internal/scrape"
)

// QuotaReserver is the slice of the quota ledger the pool needs.
type QuotaReserver interface {
	TryReserve(source scrape.SourceID) error
	Release(source scrape.SourceID)
	Commit(ctx context.Context, source scrape.SourceID, calls int) error
}

// RateWaiter blocks until the source's token bucket grants a call.
type RateWaiter interface {
	Wait(ctx context.Context, source scrape.SourceID, timeout time.Duration) error
}

// Admitter is the breaker's admission check.
type Admitter interface {
	Allow(source scrape.SourceID) error
}

// Config controls pool sizing and per-call behavior.
type Config struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	ScrapeTimeout   time.Duration `mapstructure:"scrape_timeout"`
	RateWaitTimeout time.Duration `mapstructure:"rate_wait_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = 2 * time.Minute
	}
	if c.RateWaitTimeout <= 0 {
		c.RateWaitTimeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	return c
}

// Item is one queued scrape run. Done is invoked exactly once from a worker
// goroutine when the run finishes.
type Item struct {
	TaskID  string
	Filters scrape.Filters
	Done    func(Outcome)
}

// Outcome reports how a run ended. CallsUsed counts metered API calls
// consumed across all attempts, including failed ones.
type Outcome struct {
	Result    scrape.Result
	CallsUsed int
	Err       error
}

// Deps bundles the collaborators shared across pools.
type Deps struct {
	Quota   QuotaReserver
	Limiter RateWaiter
	Breaker Admitter
	Health  scrape.HealthReporter
	Metered scrape.MeteredPredicate
}

// Pool owns the workers and the bounded queue for one source.
type Pool struct {
	scraper   scrape.Scraper
	isMetered bool
	deps      Deps
	policy    *scrape.ExponentialRetryPolicy
	cfg       Config
	logger    *zap.Logger

	queue  chan Item
	wg     sync.WaitGroup
	active atomic.Int64

	mu     sync.Mutex
	closed bool
}

// New creates a Pool around a scraper. Metered scrapers require a quota
// reserver.
func New(scraper scrape.Scraper, deps Deps, cfg Config, logger *zap.Logger) (*Pool, error) {
	cfg = cfg.withDefaults()

	isMetered := false
	if m, ok := scraper.(scrape.Metered); ok {
		isMetered = m.Metered()
	}
	if isMetered && deps.Quota == nil {
		return nil, fmt.Errorf("pool %s: metered scraper requires a quota reserver", scraper.Source())
	}

	return &Pool{
		scraper:   scraper,
		isMetered: isMetered,
		deps:      deps,
		policy:    scrape.NewExponentialRetryPolicy().WithMaxAttempts(cfg.RetryAttempts),
		cfg:       cfg,
		logger:    logger.Named(string(scraper.Source())),
		queue:     make(chan Item, cfg.QueueSize),
	}, nil
}

// Source reports which source this pool serves.
func (p *Pool) Source() scrape.SourceID { return p.scraper.Source() }

// QueueDepth reports the number of queued items.
func (p *Pool) QueueDepth() int { return len(p.queue) }

// ActiveWorkers reports how many workers are mid-scrape.
func (p *Pool) ActiveWorkers() int { return int(p.active.Load()) }

// Start initializes the scraper and launches the workers. An initialization
// failure disables this pool only.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.scraper.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s scraper: %w", p.Source(), err)
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
	)
	return nil
}

// Submit enqueues a run without blocking. A full queue rejects with
// ErrQueueFull; the queue bound never grows.
func (p *Pool) Submit(item Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pool %s is stopped", p.Source())
	}
	select {
	case p.queue <- item:
		metrics.SetQueueDepth(string(p.Source()), len(p.queue))
		return nil
	default:
		return scrape.ErrQueueFull
	}
}

// Stop drains the workers and cleans the scraper up. Workers keep executing
// queued items while the run context is live; once it is cancelled the
// remaining items finish with the context error instead of running.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return p.scraper.Cleanup(ctx)
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for item := range p.queue {
		metrics.SetQueueDepth(string(p.Source()), len(p.queue))
		if ctx.Err() != nil {
			item.Done(Outcome{Err: ctx.Err()})
			continue
		}
		p.active.Add(1)
		metrics.IncActiveWorkers(string(p.Source()))
		outcome := p.execute(ctx, item)
		metrics.DecActiveWorkers(string(p.Source()))
		p.active.Add(-1)
		item.Done(outcome)
	}
}

// execute runs the admission gates and the scrape, retrying transient
// failures with jittered backoff. The quota reservation is taken once and
// settled at the end: committed with the calls actually consumed, or
// released untouched when no call went out.
func (p *Pool) execute(ctx context.Context, item Item) Outcome {
	source := p.Source()
	metered := p.isMetered && (p.deps.Metered == nil || p.deps.Metered(source, item.Filters))

	var (
		reserved   bool
		totalCalls int
		result     scrape.Result
		lastErr    error
	)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.policy.Backoff(attempt - 1)):
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		if err := p.deps.Breaker.Allow(source); err != nil {
			lastErr = err
			break
		}
		if err := p.deps.Limiter.Wait(ctx, source, p.cfg.RateWaitTimeout); err != nil {
			lastErr = fmt.Errorf("%w: %s", scrape.ErrRateLimited, err)
			break
		}
		if metered && !reserved {
			if err := p.deps.Quota.TryReserve(source); err != nil {
				lastErr = err
				break
			}
			reserved = true
		}

		scrapeCtx, cancel := context.WithTimeout(ctx, p.cfg.ScrapeTimeout)
		start := time.Now()
		res, err := p.scraper.Scrape(scrapeCtx, item.Filters)
		cancel()
		elapsed := time.Since(start)
		totalCalls += res.CallsUsed

		// The run context is still live, so a deadline here is the per-call
		// timeout firing: the canonical transient failure.
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = scrape.Transient(fmt.Errorf("scrape timed out after %s: %w", p.cfg.ScrapeTimeout, err))
		}

		if err == nil {
			p.deps.Health.RecordSuccess(source, elapsed)
			metrics.ObserveScrape(string(source), len(res.Jobs), elapsed)
			result = res
			lastErr = nil
			break
		}

		p.deps.Health.RecordFailure(source, err)
		metrics.ObserveScrape(string(source), 0, elapsed)
		lastErr = err
		if !p.policy.ShouldRetry(err, attempt+1) {
			break
		}
		p.logger.Debug("retrying scrape",
			zap.String("task_id", item.TaskID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	if reserved {
		if totalCalls > 0 {
			if err := p.deps.Quota.Commit(ctx, source, totalCalls); err != nil {
				p.logger.Warn("quota commit failed",
					zap.String("task_id", item.TaskID),
					zap.Error(err),
				)
			}
		} else {
			p.deps.Quota.Release(source)
		}
	}

	return Outcome{Result: result, CallsUsed: totalCalls, Err: lastErr}
}
