// Package rss scrapes free job board RSS feeds. Calls here are free of
// quota; only the per-source rate limit applies.
package rss

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/scrape"
	"github.com/careersift/scraperd/internal/scrapers"
)

// Config lists the feeds to poll.
type Config struct {
	Feeds     []string      `mapstructure:"feeds"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Scraper polls the configured RSS feeds and maps items to job records.
type Scraper struct {
	cfg    Config
	client *http.Client
	clock  scrape.Clock
	logger *zap.Logger
}

// New creates the RSS scraper.
func New(cfg Config, clock scrape.Clock, logger *zap.Logger) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Scraper{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		clock:  clock,
		logger: logger,
	}
}

// Source identifies this scraper.
func (s *Scraper) Source() scrape.SourceID { return scrape.SourceRSS }

// Initialize validates the feed list.
func (s *Scraper) Initialize(_ context.Context) error {
	if len(s.cfg.Feeds) == 0 {
		return fmt.Errorf("rss: at least one feed url is required")
	}
	return nil
}

// Cleanup releases pooled connections.
func (s *Scraper) Cleanup(_ context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

type rssDocument struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

// pubDateLayouts covers the date formats seen across job board feeds.
var pubDateLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC822Z, time.RFC822}

// Scrape polls every feed. One dead feed does not fail the run; the run
// fails only when no feed could be fetched at all.
func (s *Scraper) Scrape(ctx context.Context, filters scrape.Filters) (scrape.Result, error) {
	var (
		jobs     []scrape.JobRecord
		fetched  int
		firstErr error
	)
	now := s.clock.Now().UTC()

	for _, feed := range s.cfg.Feeds {
		items, err := s.fetchFeed(ctx, feed)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("rss feed fetch failed", zap.String("feed", feed), zap.Error(err))
			continue
		}
		fetched++
		for _, item := range items {
			if filters.MaxResults > 0 && len(jobs) >= filters.MaxResults {
				break
			}
			if !matchesKeywords(item, filters.Keywords) {
				continue
			}
			jobs = append(jobs, itemToJob(item, now))
		}
	}

	if fetched == 0 && firstErr != nil {
		return scrape.Result{}, firstErr
	}
	return scrape.Result{Jobs: jobs}, nil
}

func (s *Scraper) fetchFeed(ctx context.Context, feed string) ([]rssItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed, nil)
	if err != nil {
		return nil, scrape.Permanent(fmt.Errorf("build request: %w", err))
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, scrapers.ClassifyFetchError(err)
	}
	defer resp.Body.Close()

	if err := scrapers.ClassifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, scrapers.ClassifyFetchError(err)
	}

	var doc rssDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, scrape.Permanent(fmt.Errorf("parse feed: %w", err))
	}
	return doc.Channel.Items, nil
}

func itemToJob(item rssItem, scrapedAt time.Time) scrape.JobRecord {
	job := scrape.JobRecord{
		Title:       strings.TrimSpace(item.Title),
		URL:         strings.TrimSpace(item.Link),
		Description: strings.TrimSpace(item.Description),
		Source:      scrape.SourceRSS,
		ScrapedAt:   scrapedAt,
	}
	// Job board feeds commonly format titles as "Role at Company".
	if idx := strings.LastIndex(job.Title, " at "); idx > 0 {
		job.Company = job.Title[idx+len(" at "):]
		job.Title = job.Title[:idx]
	}
	for _, layout := range pubDateLayouts {
		if ts, err := time.Parse(layout, item.PubDate); err == nil {
			job.PostedAt = ts
			break
		}
	}
	return job
}

func matchesKeywords(item rssItem, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(item.Title + " " + item.Description)
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
