// Package careerpage scrapes configured company career pages. Static pages
// go through colly; JS-heavy pages are rendered by headless Chrome first.
package careerpage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/scrape"
	"github.com/careersift/scraperd/internal/scrapers"
)

// Page configures one company career page.
type Page struct {
	Company          string `mapstructure:"company"`
	URL              string `mapstructure:"url"`
	RenderJS         bool   `mapstructure:"render_js"`
	JobSelector      string `mapstructure:"job_selector"`
	TitleSelector    string `mapstructure:"title_selector"`
	LinkSelector     string `mapstructure:"link_selector"`
	LocationSelector string `mapstructure:"location_selector"`
}

// Config holds the scraper settings.
type Config struct {
	Pages     []Page         `mapstructure:"pages"`
	UserAgent string         `mapstructure:"user_agent"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	Headless  HeadlessConfig `mapstructure:"headless"`
}

// Scraper walks the configured pages and extracts listings via selectors.
type Scraper struct {
	cfg           Config
	baseCollector *colly.Collector
	renderer      *Renderer
	clock         scrape.Clock
	logger        *zap.Logger
}

// New creates the career page scraper.
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
func (s *Scraper) Source() scrape.SourceID { return scrape.SourceCareerPage }

// Initialize validates the page list and starts the renderer when any page
// needs JavaScript.
func (s *Scraper) Initialize(_ context.Context) error {
	if len(s.cfg.Pages) == 0 {
		return fmt.Errorf("careerpage: at least one page is required")
	}
	needsRenderer := false
	for i, page := range s.cfg.Pages {
		if page.URL == "" {
			return fmt.Errorf("careerpage: page %d has no url", i)
		}
		if page.JobSelector == "" {
			return fmt.Errorf("careerpage: page %q has no job selector", page.URL)
		}
		if page.RenderJS {
			needsRenderer = true
		}
	}
	if needsRenderer && s.cfg.Headless.Enabled {
		renderer, err := NewRenderer(s.cfg.Headless)
		if err != nil {
			return fmt.Errorf("careerpage: start renderer: %w", err)
		}
		s.renderer = renderer
	}
	return nil
}

// Cleanup shuts the renderer down.
func (s *Scraper) Cleanup(_ context.Context) error {
	if s.renderer != nil {
		s.renderer.Close()
		s.renderer = nil
	}
	return nil
}

// Scrape visits every configured page. A single broken page does not fail
// the run; the run fails only when nothing could be fetched.
func (s *Scraper) Scrape(ctx context.Context, filters scrape.Filters) (scrape.Result, error) {
	var (
		result   scrape.Result
		fetched  int
		firstErr error
	)
	now := s.clock.Now().UTC()

	for _, page := range s.cfg.Pages {
		html, err := s.fetch(ctx, page)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("career page fetch failed",
				zap.String("url", page.URL),
				zap.Error(err),
			)
			continue
		}
		fetched++

		jobs, err := s.parse(page, html, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, job := range jobs {
			if filters.MaxResults > 0 && len(result.Jobs) >= filters.MaxResults {
				break
			}
			if !matchesKeywords(job, filters.Keywords) {
				continue
			}
			result.Jobs = append(result.Jobs, job)
		}
		if page.Company != "" {
			result.Companies = append(result.Companies, scrape.CompanyRecord{
				Name:      page.Company,
				Website:   siteOf(page.URL),
				Source:    scrape.SourceCareerPage,
				ScrapedAt: now,
			})
		}
	}

	if fetched == 0 && firstErr != nil {
		return scrape.Result{}, firstErr
	}
	return result, nil
}

func (s *Scraper) fetch(ctx context.Context, page Page) (string, error) {
	if page.RenderJS && s.renderer != nil {
		html, err := s.renderer.Render(ctx, page.URL)
		if err != nil {
			return "", scrapers.ClassifyFetchError(err)
		}
		return html, nil
	}
	return s.fetchStatic(ctx, page.URL)
}

func (s *Scraper) fetchStatic(ctx context.Context, pageURL string) (string, error) {
	var (
		body       []byte
		statusCode int
		fetchErr   error
	)
	collector := s.baseCollector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-done:
		if fetchErr != nil {
			if statusCode > 0 {
				return "", scrapers.ClassifyStatus(statusCode)
			}
			return "", scrapers.ClassifyFetchError(fetchErr)
		}
		if err != nil {
			return "", scrapers.ClassifyFetchError(err)
		}
	}
	return string(body), nil
}

func (s *Scraper) parse(page Page, html string, scrapedAt time.Time) ([]scrape.JobRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, scrape.Permanent(fmt.Errorf("parse %s: %w", page.URL, err))
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, scrape.Permanent(fmt.Errorf("parse page url: %w", err))
	}

	var jobs []scrape.JobRecord
	doc.Find(page.JobSelector).Each(func(_ int, sel *goquery.Selection) {
		job := scrape.JobRecord{
			Company:   page.Company,
			Source:    scrape.SourceCareerPage,
			ScrapedAt: scrapedAt,
		}
		if page.TitleSelector != "" {
			job.Title = strings.TrimSpace(sel.Find(page.TitleSelector).First().Text())
		} else {
			job.Title = strings.TrimSpace(sel.Text())
		}
		if page.LocationSelector != "" {
			job.Location = strings.TrimSpace(sel.Find(page.LocationSelector).First().Text())
		}
		link := sel.Find(page.LinkSelector).First()
		if page.LinkSelector == "" {
			link = sel
		}
		if href, ok := link.Attr("href"); ok {
			if ref, err := url.Parse(href); err == nil {
				job.URL = base.ResolveReference(ref).String()
			}
		}
		if job.Title != "" {
			jobs = append(jobs, job)
		}
	})
	return jobs, nil
}

func matchesKeywords(job scrape.JobRecord, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(job.Title + " " + job.Location)
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func siteOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
