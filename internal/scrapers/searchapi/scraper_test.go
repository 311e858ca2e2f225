package searchapi

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newScraper(t *testing.T, baseURL string) *Scraper {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, time.March, 29, 9, 0, 0, 0, time.UTC)}
	return New(Config{BaseURL: baseURL, APIKey: "test-key", PageSize: 50}, clock, zap.NewNop())
}

func TestScrapeMapsResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/search", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.Equal(t, "golang backend", r.URL.Query().Get("q"))
		require.Equal(t, "Berlin", r.URL.Query().Get("location"))
		require.Equal(t, "10", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"title":"Go Engineer","company":"Acme","location":"Berlin","url":"https://a/1","posted_at":"2026-03-28T10:00:00Z"},
			{"title":"Backend Dev","company":"Beta","url":"https://a/2"}
		]}`))
	}))
	defer srv.Close()

	s := newScraper(t, srv.URL)
	require.NoError(t, s.Initialize(context.Background()))

	result, err := s.Scrape(context.Background(), scrape.Filters{
		Keywords:   []string{"golang", "backend"},
		Location:   "Berlin",
		MaxResults: 10,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.CallsUsed)
	require.Len(t, result.Jobs, 2)
	require.Equal(t, "Go Engineer", result.Jobs[0].Title)
	require.Equal(t, scrape.SourceSearchAPI, result.Jobs[0].Source)
	require.Equal(t, 2026, result.Jobs[0].PostedAt.Year())
	require.True(t, result.Jobs[1].PostedAt.IsZero())
}

func TestScrapeClassifiesServerErrorTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newScraper(t, srv.URL)
	result, err := s.Scrape(context.Background(), scrape.Filters{Keywords: []string{"go"}})
	require.Error(t, err)
	require.False(t, scrape.IsPermanent(err))
	// The failed call still counted against the quota.
	require.Equal(t, 1, result.CallsUsed)
}

func TestScrapeClassifiesClientErrorPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newScraper(t, srv.URL)
	_, err := s.Scrape(context.Background(), scrape.Filters{Keywords: []string{"go"}})
	require.Error(t, err)
	require.True(t, scrape.IsPermanent(err))
}

func TestScrapeThrottledIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newScraper(t, srv.URL)
	_, err := s.Scrape(context.Background(), scrape.Filters{Keywords: []string{"go"}})
	require.Error(t, err)
	require.False(t, scrape.IsPermanent(err))
}

func TestInitializeRequiresAPIKey(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := New(Config{BaseURL: "https://api.example.com"}, clock, zap.NewNop())
	require.Error(t, s.Initialize(context.Background()))
}

func TestMetered(t *testing.T) {
	t.Parallel()

	s := newScraper(t, "https://api.example.com")
	require.True(t, s.Metered())
	require.Equal(t, scrape.SourceSearchAPI, s.Source())
}
