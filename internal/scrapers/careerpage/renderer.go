package careerpage

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// HeadlessConfig controls the chromedp renderer used for JS-heavy pages.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// Renderer drives a shared headless Chrome to produce fully rendered DOM for
// pages whose listings only exist after JavaScript runs.
type Renderer struct {
	cfg         HeadlessConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewRenderer creates a Renderer backed by a chromedp exec allocator.
func NewRenderer(cfg HeadlessConfig) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and terminates the browser.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to pageURL and returns the rendered HTML.
func (r *Renderer) Render(ctx context.Context, pageURL string) (string, error) {
	if err := r.acquire(ctx); err != nil {
		return "", err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()

	// Cancel the browser task when the caller's context ends.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	var html string
	actions := []chromedp.Action{
		network.Enable(),
	}
	if r.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(r.cfg.UserAgent))
	}
	actions = append(actions,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Renderer) release() {
	if r.limiter != nil {
		<-r.limiter
	}
}
