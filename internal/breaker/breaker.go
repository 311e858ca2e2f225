// Package breaker implements a per-source circuit breaker that isolates
// degraded sources so they cannot starve quota or time from healthy ones.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/metrics"
	"github.com/careersift/scraperd/internal/scrape"
)

// Config controls the state machine thresholds.
type Config struct {
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold int
	// FailureRate opens the circuit when the failure rate over the rolling
	// window exceeds it, even without a consecutive run.
	FailureRate float64
	// WindowSize is the number of recent outcomes considered for FailureRate.
	WindowSize int
	// Cooldown is how long an open circuit waits before probing.
	Cooldown time.Duration
	// SuccessThreshold closes a half-open circuit after this many successes.
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		c.FailureRate = 0.6
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

type sourceState struct {
	circuit             scrape.CircuitState
	consecutiveFailures int
	halfOpenSuccesses   int
	window              []bool // true = failure
	lastFailureAt       time.Time
	cooldownUntil       time.Time
}

// Breaker tracks one circuit per source.
type Breaker struct {
	mu      sync.Mutex
	sources map[scrape.SourceID]*sourceState
	cfg     Config
	clock   scrape.Clock
	logger  *zap.Logger
}

// New creates a Breaker.
func New(cfg Config, clock scrape.Clock, logger *zap.Logger) *Breaker {
	return &Breaker{
		sources: make(map[scrape.SourceID]*sourceState),
		cfg:     cfg.withDefaults(),
		clock:   clock,
		logger:  logger,
	}
}

func (b *Breaker) state(source scrape.SourceID) *sourceState {
	st, ok := b.sources[source]
	if !ok {
		st = &sourceState{circuit: scrape.CircuitClosed}
		b.sources[source] = st
	}
	return st
}

// Allow reports whether a call to the source may proceed. While open it
// rejects immediately with *scrape.CircuitOpenError, without contacting the
// remote system; once the cooldown elapses the circuit moves to half-open
// and lets probes through.
func (b *Breaker) Allow(source scrape.SourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(source)

	if st.circuit == scrape.CircuitOpen {
		if b.clock.Now().Before(st.cooldownUntil) {
			return &scrape.CircuitOpenError{Source: source, Until: st.cooldownUntil}
		}
		b.transitionLocked(source, st, scrape.CircuitHalfOpen)
	}
	return nil
}

// RecordSuccess feeds one successful call into the state machine.
func (b *Breaker) RecordSuccess(source scrape.SourceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(source)
	st.consecutiveFailures = 0
	b.observeLocked(st, false)

	if st.circuit == scrape.CircuitHalfOpen {
		st.halfOpenSuccesses++
		if st.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(source, st, scrape.CircuitClosed)
		}
	}
}

// RecordFailure feeds one failed call into the state machine. Any failure
// while half-open reopens the circuit immediately.
func (b *Breaker) RecordFailure(source scrape.SourceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	st := b.state(source)
	st.consecutiveFailures++
	st.lastFailureAt = now
	b.observeLocked(st, true)

	switch st.circuit {
	case scrape.CircuitHalfOpen:
		b.openLocked(source, st, now)
	case scrape.CircuitClosed:
		if st.consecutiveFailures >= b.cfg.FailureThreshold || b.failureRateLocked(st) >= b.cfg.FailureRate {
			b.openLocked(source, st, now)
		}
	}
}

// Snapshot returns the circuit fields of the source's health.
func (b *Breaker) Snapshot(source scrape.SourceID) scrape.SourceHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(source)
	health := scrape.SourceHealth{
		Source:              source,
		Circuit:             st.circuit,
		ConsecutiveFailures: st.consecutiveFailures,
	}
	if !st.lastFailureAt.IsZero() {
		lf := st.lastFailureAt
		health.LastFailureAt = &lf
	}
	if st.circuit == scrape.CircuitOpen {
		cu := st.cooldownUntil
		health.CooldownUntil = &cu
	}
	return health
}

func (b *Breaker) openLocked(source scrape.SourceID, st *sourceState, now time.Time) {
	st.cooldownUntil = now.Add(b.cfg.Cooldown)
	b.transitionLocked(source, st, scrape.CircuitOpen)
}

func (b *Breaker) transitionLocked(source scrape.SourceID, st *sourceState, to scrape.CircuitState) {
	if st.circuit == to {
		return
	}
	b.logger.Info("circuit transition",
		zap.String("source", string(source)),
		zap.String("from", string(st.circuit)),
		zap.String("to", string(to)),
	)
	st.circuit = to
	switch to {
	case scrape.CircuitClosed:
		st.consecutiveFailures = 0
		st.halfOpenSuccesses = 0
		st.window = st.window[:0]
		metrics.SetCircuitState(string(source), 0)
	case scrape.CircuitHalfOpen:
		st.halfOpenSuccesses = 0
		metrics.SetCircuitState(string(source), 1)
	case scrape.CircuitOpen:
		metrics.SetCircuitState(string(source), 2)
	}
}

func (b *Breaker) observeLocked(st *sourceState, failure bool) {
	st.window = append(st.window, failure)
	if len(st.window) > b.cfg.WindowSize {
		st.window = st.window[len(st.window)-b.cfg.WindowSize:]
	}
}

func (b *Breaker) failureRateLocked(st *sourceState) float64 {
	if len(st.window) < b.cfg.WindowSize {
		return 0
	}
	failures := 0
	for _, failed := range st.window {
		if failed {
			failures++
		}
	}
	return float64(failures) / float64(len(st.window))
}
