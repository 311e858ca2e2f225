package scheduler

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

type fakeSubmitter struct {
	mu      sync.Mutex
	err     error
	submits []scrape.SourceID
}

func (f *fakeSubmitter) Submit(source scrape.SourceID, _ scrape.Filters, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.submits = append(f.submits, source)
	return "task-1", nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func dailyStrategy() scrape.SweepStrategy {
	return scrape.SweepStrategy{
		Name:        "morning-rss",
		Source:      scrape.SourceRSS,
		TriggerTime: "06:00",
		Priority:    3,
	}
}

func weeklyStrategy() scrape.SweepStrategy {
	return scrape.SweepStrategy{
		Name:        "sunday-full-sweep",
		Source:      scrape.SourceCareerPage,
		TriggerTime: "02:00",
		Weekly:      true,
		Weekday:     "sunday",
		Priority:    1,
	}
}

func newScheduler(t *testing.T, sub *fakeSubmitter, strategies ...scrape.SweepStrategy) (*Scheduler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	s, err := New(Config{Strategies: strategies}, sub, clock, zap.NewNop())
	require.NoError(t, err)
	return s, clock
}

func TestTickFiresAfterTriggerTime(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	s, _ := newScheduler(t, sub, dailyStrategy())

	// Monday March 30 2026.
	before := time.Date(2026, time.March, 30, 5, 59, 0, 0, time.UTC)
	s.tick(before)
	require.Equal(t, 0, sub.count())

	after := time.Date(2026, time.March, 30, 6, 0, 30, 0, time.UTC)
	s.tick(after)
	require.Equal(t, 1, sub.count())
}

func TestTickFiresOncePerDay(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	s, _ := newScheduler(t, sub, dailyStrategy())

	day := time.Date(2026, time.March, 30, 6, 0, 0, 0, time.UTC)
	s.tick(day)
	s.tick(day.Add(time.Minute))
	s.tick(day.Add(10 * time.Hour))
	require.Equal(t, 1, sub.count())

	nextDay := day.Add(24 * time.Hour)
	s.tick(nextDay)
	require.Equal(t, 2, sub.count())
}

func TestWeeklyStrategyHonorsWeekday(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	s, _ := newScheduler(t, sub, weeklyStrategy())

	monday := time.Date(2026, time.March, 30, 3, 0, 0, 0, time.UTC)
	s.tick(monday)
	require.Equal(t, 0, sub.count())

	sunday := time.Date(2026, time.March, 29, 3, 0, 0, 0, time.UTC)
	s.tick(sunday)
	require.Equal(t, 1, sub.count())
	require.Equal(t, scrape.SourceCareerPage, sub.submits[0])
}

func TestRejectedSweepNotRetriedWithinCycle(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{err: scrape.ErrQueueFull}
	s, _ := newScheduler(t, sub, dailyStrategy())

	now := time.Date(2026, time.March, 30, 6, 5, 0, 0, time.UTC)
	s.tick(now)
	require.Equal(t, 0, sub.count())

	// Pool recovers, but the strategy already ran for today.
	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()
	s.tick(now.Add(time.Minute))
	require.Equal(t, 0, sub.count())

	s.tick(now.Add(24 * time.Hour))
	require.Equal(t, 1, sub.count())
}

func TestNewValidatesStrategies(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	clock := &fakeClock{}

	_, err := New(Config{Strategies: []scrape.SweepStrategy{{Name: "", TriggerTime: "06:00"}}}, sub, clock, zap.NewNop())
	require.Error(t, err)

	_, err = New(Config{Strategies: []scrape.SweepStrategy{{Name: "x", TriggerTime: "6am"}}}, sub, clock, zap.NewNop())
	require.Error(t, err)

	_, err = New(Config{Strategies: []scrape.SweepStrategy{
		{Name: "x", TriggerTime: "06:00", Weekly: true, Weekday: "someday"},
	}}, sub, clock, zap.NewNop())
	require.Error(t, err)

	_, err = New(Config{Strategies: []scrape.SweepStrategy{
		{Name: "x", TriggerTime: "06:00"},
		{Name: "x", TriggerTime: "07:00"},
	}}, sub, clock, zap.NewNop())
	require.Error(t, err)
}
