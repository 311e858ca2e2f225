package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/careersift/scraperd/internal/scrape"
)

func TestLimiterDeniesOverBurst(t *testing.T) {
	t.Parallel()

	// One token per minute with burst 3: the 4th immediate call within the
	// window is the only denial.
	l := New(Config{DefaultRPS: 1.0 / 60.0, DefaultBurst: 3})

	denied := 0
	for i := 0; i < 4; i++ {
		if !l.Allow(scrape.SourceRSS) {
			denied++
		}
	}
	require.Equal(t, 1, denied)
}

func TestLimiterIsolatesSources(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1.0 / 60.0, DefaultBurst: 1})

	require.True(t, l.Allow(scrape.SourceRSS))
	require.False(t, l.Allow(scrape.SourceRSS))
	// A different source has its own bucket.
	require.True(t, l.Allow(scrape.SourceGovPortal))
}

func TestLimiterPerSourceOverride(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultRPS:   1.0 / 60.0,
		DefaultBurst: 1,
		PerSource: map[scrape.SourceID]SourceLimit{
			scrape.SourceSearchAPI: {RPS: 1.0 / 60.0, Burst: 5},
		},
	})

	granted := 0
	for i := 0; i < 6; i++ {
		if l.Allow(scrape.SourceSearchAPI) {
			granted++
		}
	}
	require.Equal(t, 5, granted)
}

func TestLimiterWaitTimesOut(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1.0 / 3600.0, DefaultBurst: 1})
	require.True(t, l.Allow(scrape.SourceCareerPage))

	start := time.Now()
	err := l.Wait(context.Background(), scrape.SourceCareerPage, 50*time.Millisecond)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestLimiterWaitGrantsWhenTokenFree(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 100, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), scrape.SourceRSS, time.Second))
}
