package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/scrape"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Engineering Jobs</title>
    <item>
      <title>Go Engineer at Acme</title>
      <link>https://jobs.example.com/go-engineer</link>
      <description>Build distributed systems in Go.</description>
      <pubDate>Sat, 28 Mar 2026 10:00:00 +0000</pubDate>
    </item>
    <item>
      <title>Accountant at Ledger Inc</title>
      <link>https://jobs.example.com/accountant</link>
      <description>Monthly close and reporting.</description>
      <pubDate>Fri, 27 Mar 2026 08:30:00 +0000</pubDate>
    </item>
  </channel>
</rss>`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newScraper(feeds ...string) *Scraper {
	clock := &fakeClock{now: time.Date(2026, time.March, 29, 9, 0, 0, 0, time.UTC)}
	return New(Config{Feeds: feeds}, clock, zap.NewNop())
}

func TestScrapeParsesFeed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	s := newScraper(srv.URL)
	require.NoError(t, s.Initialize(context.Background()))

	result, err := s.Scrape(context.Background(), scrape.Filters{})
	require.NoError(t, err)
	require.Equal(t, 0, result.CallsUsed)
	require.Len(t, result.Jobs, 2)
	require.Equal(t, "Go Engineer", result.Jobs[0].Title)
	require.Equal(t, "Acme", result.Jobs[0].Company)
	require.Equal(t, "https://jobs.example.com/go-engineer", result.Jobs[0].URL)
	require.Equal(t, time.March, result.Jobs[0].PostedAt.Month())
}

func TestScrapeFiltersKeywords(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	s := newScraper(srv.URL)
	result, err := s.Scrape(context.Background(), scrape.Filters{Keywords: []string{"distributed"}})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
	require.Equal(t, "Go Engineer", result.Jobs[0].Title)
}

func TestScrapeSurvivesOneDeadFeed(t *testing.T) {
	t.Parallel()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer good.Close()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	s := newScraper(dead.URL, good.URL)
	result, err := s.Scrape(context.Background(), scrape.Filters{})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 2)
}

func TestScrapeFailsWhenAllFeedsDead(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	s := newScraper(dead.URL)
	_, err := s.Scrape(context.Background(), scrape.Filters{})
	require.Error(t, err)
	require.False(t, scrape.IsPermanent(err))
}

func TestScrapeHonorsMaxResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	s := newScraper(srv.URL)
	result, err := s.Scrape(context.Background(), scrape.Filters{MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
}

func TestInitializeRequiresFeeds(t *testing.T) {
	t.Parallel()

	s := newScraper()
	require.Error(t, s.Initialize(context.Background()))
}
