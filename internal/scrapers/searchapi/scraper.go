// Package searchapi implements the metered paid job search API source. It is
// the only scraper whose calls consume the monthly quota.
package searchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/scrape"
	"github.com/careersift/scraperd/internal/scrapers"
)

// Config captures the search API connection parameters.
type Config struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PageSize int           `mapstructure:"page_size"`
}

// Scraper calls the paid search API over plain HTTP/JSON.
type Scraper struct {
	cfg    Config
	client *http.Client
	clock  scrape.Clock
	logger *zap.Logger
}

// New creates the search API scraper.
func New(cfg Config, clock scrape.Clock, logger *zap.Logger) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Scraper{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		clock:  clock,
		logger: logger,
	}
}

// Source identifies this scraper.
func (s *Scraper) Source() scrape.SourceID { return scrape.SourceSearchAPI }

// Metered reports that every call here spends paid quota.
func (s *Scraper) Metered() bool { return true }

// Initialize validates the configuration. A missing API key disables this
// source only; the rest of the service keeps running.
func (s *Scraper) Initialize(_ context.Context) error {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return fmt.Errorf("search api: api key is required")
	}
	if _, err := url.Parse(s.cfg.BaseURL); err != nil || s.cfg.BaseURL == "" {
		return fmt.Errorf("search api: invalid base url %q", s.cfg.BaseURL)
	}
	return nil
}

// Cleanup releases pooled connections.
func (s *Scraper) Cleanup(_ context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Location    string `json:"location"`
	URL         string `json:"url"`
	Salary      string `json:"salary"`
	Description string `json:"description"`
	PostedAt    string `json:"posted_at"`
}

// Scrape runs one search call and maps the response to job records.
func (s *Scraper) Scrape(ctx context.Context, filters scrape.Filters) (scrape.Result, error) {
	limit := filters.MaxResults
	if limit <= 0 || limit > s.cfg.PageSize {
		limit = s.cfg.PageSize
	}

	query := url.Values{}
	query.Set("q", strings.Join(filters.Keywords, " "))
	if filters.Location != "" {
		query.Set("location", filters.Location)
	}
	query.Set("limit", strconv.Itoa(limit))

	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/search?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return scrape.Result{}, scrape.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return scrape.Result{CallsUsed: 1}, scrapers.ClassifyFetchError(err)
	}
	defer resp.Body.Close()

	if err := scrapers.ClassifyStatus(resp.StatusCode); err != nil {
		return scrape.Result{CallsUsed: 1}, err
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return scrape.Result{CallsUsed: 1}, scrape.Permanent(fmt.Errorf("decode response: %w", err))
	}

	now := s.clock.Now().UTC()
	jobs := make([]scrape.JobRecord, 0, len(payload.Results))
	for _, r := range payload.Results {
		if len(jobs) >= limit {
			break
		}
		job := scrape.JobRecord{
			Title:       r.Title,
			Company:     r.Company,
			Location:    r.Location,
			URL:         r.URL,
			Salary:      r.Salary,
			Description: r.Description,
			Source:      scrape.SourceSearchAPI,
			ScrapedAt:   now,
		}
		if ts, err := time.Parse(time.RFC3339, r.PostedAt); err == nil {
			job.PostedAt = ts
		}
		jobs = append(jobs, job)
	}

	s.logger.Debug("search api call completed",
		zap.Int("results", len(jobs)),
		zap.Int("limit", limit),
	)
	return scrape.Result{Jobs: jobs, CallsUsed: 1}, nil
}
