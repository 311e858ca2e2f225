// Package govportal scrapes public-sector job portal listing pages.
package govportal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/scrape"
	"github.com/careersift/scraperd/internal/scrapers"
)

// Portal configures one listing page.
type Portal struct {
	Name           string `mapstructure:"name"`
	URL            string `mapstructure:"url"`
	RowSelector    string `mapstructure:"row_selector"`
	TitleSelector  string `mapstructure:"title_selector"`
	LinkSelector   string `mapstructure:"link_selector"`
	AgencySelector string `mapstructure:"agency_selector"`
}

// Config holds the scraper settings.
type Config struct {
	Portals   []Portal      `mapstructure:"portals"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Scraper walks the configured portals with colly.
type Scraper struct {
	cfg           Config
	baseCollector *colly.Collector
	clock         scrape.Clock
	logger        *zap.Logger
}

// New creates the portal scraper.
func New(cfg Config, clock scrape.Clock, logger *zap.Logger) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Scraper{
		cfg:           cfg,
		baseCollector: c,
		clock:         clock,
		logger:        logger,
	}
}

// Source identifies this scraper.
func (s *Scraper) Source() scrape.SourceID { return scrape.SourceGovPortal }

// Initialize validates the portal list.
func (s *Scraper) Initialize(_ context.Context) error {
	if len(s.cfg.Portals) == 0 {
		return fmt.Errorf("govportal: at least one portal is required")
	}
	for i, portal := range s.cfg.Portals {
		if portal.URL == "" {
			return fmt.Errorf("govportal: portal %d has no url", i)
		}
		if portal.RowSelector == "" {
			return fmt.Errorf("govportal: portal %q has no row selector", portal.URL)
		}
	}
	return nil
}

// Cleanup is a no-op; colly holds no long-lived resources here.
func (s *Scraper) Cleanup(_ context.Context) error { return nil }

// Scrape visits every portal. A single unreachable portal does not fail the
// run; the run fails only when nothing could be fetched.
func (s *Scraper) Scrape(ctx context.Context, filters scrape.Filters) (scrape.Result, error) {
	var (
		jobs     []scrape.JobRecord
		fetched  int
		firstErr error
	)
	now := s.clock.Now().UTC()

	for _, portal := range s.cfg.Portals {
		portalJobs, err := s.scrapePortal(ctx, portal, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("portal fetch failed",
				zap.String("portal", portal.Name),
				zap.Error(err),
			)
			continue
		}
		fetched++
		for _, job := range portalJobs {
			if filters.MaxResults > 0 && len(jobs) >= filters.MaxResults {
				break
			}
			if !matchesKeywords(job, filters.Keywords) {
				continue
			}
			jobs = append(jobs, job)
		}
	}

	if fetched == 0 && firstErr != nil {
		return scrape.Result{}, firstErr
	}
	return scrape.Result{Jobs: jobs}, nil
}

func (s *Scraper) scrapePortal(ctx context.Context, portal Portal, scrapedAt time.Time) ([]scrape.JobRecord, error) {
	var (
		jobs       []scrape.JobRecord
		statusCode int
		fetchErr   error
	)
	collector := s.baseCollector.Clone()
	collector.OnHTML(portal.RowSelector, func(e *colly.HTMLElement) {
		job := scrape.JobRecord{
			Company:   portal.Name,
			Source:    scrape.SourceGovPortal,
			ScrapedAt: scrapedAt,
		}
		if portal.TitleSelector != "" {
			job.Title = strings.TrimSpace(e.ChildText(portal.TitleSelector))
		} else {
			job.Title = strings.TrimSpace(e.Text)
		}
		if portal.AgencySelector != "" {
			if agency := strings.TrimSpace(e.ChildText(portal.AgencySelector)); agency != "" {
				job.Company = agency
			}
		}
		if portal.LinkSelector != "" {
			job.URL = e.Request.AbsoluteURL(e.ChildAttr(portal.LinkSelector, "href"))
		}
		if job.Title != "" {
			jobs = append(jobs, job)
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(portal.URL)
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if fetchErr != nil {
			if statusCode > 0 {
				return nil, scrapers.ClassifyStatus(statusCode)
			}
			return nil, scrapers.ClassifyFetchError(fetchErr)
		}
		if err != nil {
			return nil, scrapers.ClassifyFetchError(err)
		}
	}
	return jobs, nil
}

func matchesKeywords(job scrape.JobRecord, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(job.Title + " " + job.Company)
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
