package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/scrape"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(cfg Config, clock *fakeClock) *Breaker {
	return New(cfg, clock, zap.NewNop())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newBreaker(Config{FailureThreshold: 5, Cooldown: time.Minute}, clock)
	src := scrape.SourceGovPortal

	for i := 0; i < 4; i++ {
		b.RecordFailure(src)
		require.NoError(t, b.Allow(src), "failure %d must not open", i+1)
	}
	b.RecordFailure(src)

	err := b.Allow(src)
	var ce *scrape.CircuitOpenError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, src, ce.Source)
	require.Equal(t, scrape.CircuitOpen, b.Snapshot(src).Circuit)
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newBreaker(Config{FailureThreshold: 2, Cooldown: time.Minute, SuccessThreshold: 2}, clock)
	src := scrape.SourceRSS

	b.RecordFailure(src)
	b.RecordFailure(src)
	require.Error(t, b.Allow(src))

	clock.advance(61 * time.Second)
	require.NoError(t, b.Allow(src))
	require.Equal(t, scrape.CircuitHalfOpen, b.Snapshot(src).Circuit)

	// One success is not enough to close.
	b.RecordSuccess(src)
	require.Equal(t, scrape.CircuitHalfOpen, b.Snapshot(src).Circuit)
	b.RecordSuccess(src)
	require.Equal(t, scrape.CircuitClosed, b.Snapshot(src).Circuit)
	require.NoError(t, b.Allow(src))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newBreaker(Config{FailureThreshold: 2, Cooldown: time.Minute}, clock)
	src := scrape.SourceCareerPage

	b.RecordFailure(src)
	b.RecordFailure(src)
	clock.advance(2 * time.Minute)
	require.NoError(t, b.Allow(src))

	b.RecordFailure(src)
	require.Equal(t, scrape.CircuitOpen, b.Snapshot(src).Circuit)
	require.Error(t, b.Allow(src))
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newBreaker(Config{
		FailureThreshold: 100, // out of reach, only the rate can trip it
		FailureRate:      0.5,
		WindowSize:       10,
		Cooldown:         time.Minute,
	}, clock)
	src := scrape.SourceSearchAPI

	// Alternate success/failure: never two consecutive failures, but the
	// window failure rate reaches 50%.
	for i := 0; i < 5; i++ {
		b.RecordSuccess(src)
		b.RecordFailure(src)
	}
	require.Error(t, b.Allow(src))
}

func TestBreakerIsolatesSources(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute}, clock)

	b.RecordFailure(scrape.SourceRSS)
	require.Error(t, b.Allow(scrape.SourceRSS))
	require.NoError(t, b.Allow(scrape.SourceGovPortal))
}

func TestBreakerSnapshotCooldown(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute}, clock)
	src := scrape.SourceRSS

	b.RecordFailure(src)
	health := b.Snapshot(src)
	require.Equal(t, scrape.CircuitOpen, health.Circuit)
	require.NotNil(t, health.CooldownUntil)
	require.Equal(t, clock.Now().Add(time.Minute), *health.CooldownUntil)
	require.NotNil(t, health.LastFailureAt)
}
