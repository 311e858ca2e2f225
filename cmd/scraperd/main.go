// Package main wires together the scraperd service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/api"
	"github.com/careersift/scraperd/internal/breaker"
	"github.com/careersift/scraperd/internal/clock/system"
	"github.com/careersift/scraperd/internal/config"
	"github.com/careersift/scraperd/internal/health"
	"github.com/careersift/scraperd/internal/id/uuid"
	"github.com/careersift/scraperd/internal/logging"
	"github.com/careersift/scraperd/internal/orchestrator"
	"github.com/careersift/scraperd/internal/pool"
	memorypublisher "github.com/careersift/scraperd/internal/publisher/memory"
	pubsubpublisher "github.com/careersift/scraperd/internal/publisher/pubsub"
	"github.com/careersift/scraperd/internal/quota"
	"github.com/careersift/scraperd/internal/ratelimit"
	"github.com/careersift/scraperd/internal/scheduler"
	"github.com/careersift/scraperd/internal/scrape"
	"github.com/careersift/scraperd/internal/scrapers/careerpage"
	"github.com/careersift/scraperd/internal/scrapers/govportal"
	"github.com/careersift/scraperd/internal/scrapers/rss"
	"github.com/careersift/scraperd/internal/scrapers/searchapi"
	"github.com/careersift/scraperd/internal/spool"
	gcsstorage "github.com/careersift/scraperd/internal/storage/gcs"
	localstorage "github.com/careersift/scraperd/internal/storage/local"
	memorystorage "github.com/careersift/scraperd/internal/storage/memory"
	"github.com/careersift/scraperd/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("scraperd failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()

	quotaStore, closeStore, err := buildQuotaStore(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("quota store init: %w", err)
	}
	defer closeStore()

	ledger, err := quota.New(ctx, quota.Config{
		MonthlyBudget:      cfg.Quota.MonthlyBudget,
		SafetyFactor:       cfg.Quota.SafetyFactor,
		MinimumDailyFloor:  cfg.Quota.MinimumDailyFloor,
		MinimumHourlyFloor: cfg.Quota.MinimumHourlyFloor,
		EffectiveHours:     cfg.Quota.EffectiveHours,
	}, quotaStore, clock, logger.Named("quota"))
	if err != nil {
		return fmt.Errorf("quota ledger init: %w", err)
	}

	limiter := ratelimit.New(buildRateConfig(cfg.RateLimit))
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureRate:      cfg.Breaker.FailureRate,
		WindowSize:       cfg.Breaker.WindowSize,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, clock, logger.Named("breaker"))
	monitor := health.New(brk, logger.Named("health"))

	publisher, closePublisher, err := buildPublisher(ctx, cfg.Publisher)
	if err != nil {
		return fmt.Errorf("publisher init: %w", err)
	}
	defer closePublisher()

	blobs, err := buildBlobStore(ctx, cfg.Spool)
	if err != nil {
		return fmt.Errorf("spool store init: %w", err)
	}

	pusher := spool.New(publisher, blobs, cfg.Pusher, clock, logger.Named("pusher"))

	pools, err := buildPools(cfg, ledger, limiter, brk, monitor, clock, logger)
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		return fmt.Errorf("no pools configured")
	}

	orch := orchestrator.New(pools, pusher, ledger, monitor, cfg.Orchestrator, idGen, clock, logger.Named("orchestrator"))
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}

	sched, err := scheduler.New(cfg.Scheduler, orch, clock, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	sched.Start(ctx)

	apiServer := api.NewServer(orch, ledger, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	sched.Stop()
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildQuotaStore(ctx context.Context, cfg config.DBConfig) (scrape.QuotaStateStore, func(), error) {
	switch cfg.Backend {
	case "postgres":
		store, err := postgres.NewQuotaStore(ctx, postgres.QuotaStoreConfig{
			DSN:      cfg.DSN,
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return memorystorage.NewQuotaStore(), func() {}, nil
	}
}

func buildRateConfig(cfg config.RateLimitConfig) ratelimit.Config {
	perSource := make(map[scrape.SourceID]ratelimit.SourceLimit, len(cfg.PerSource))
	for name, limit := range cfg.PerSource {
		perSource[scrape.SourceID(name)] = ratelimit.SourceLimit{
			RPS:   limit.RPS,
			Burst: limit.Burst,
		}
	}
	return ratelimit.Config{
		DefaultRPS:   cfg.DefaultRPS,
		DefaultBurst: cfg.DefaultBurst,
		PerSource:    perSource,
	}
}

func buildPublisher(ctx context.Context, cfg config.PublisherConfig) (scrape.Publisher, func(), error) {
	switch cfg.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub, err := pubsubpublisher.New(client)
		if err != nil {
			return nil, nil, err
		}
		return pub, func() { _ = pub.Close() }, nil
	default:
		return memorypublisher.New(), func() {}, nil
	}
}

func buildBlobStore(ctx context.Context, cfg config.SpoolConfig) (scrape.BlobStore, error) {
	switch cfg.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
	case "local":
		return localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

// buildPools creates one worker pool per configured source. Sources absent
// from the pools map never run, even when their scraper is configured.
func buildPools(
	cfg config.Config,
	ledger *quota.Ledger,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	monitor *health.Monitor,
	clock scrape.Clock,
	logger *zap.Logger,
) ([]orchestrator.PoolRunner, error) {
	scrapers := map[scrape.SourceID]scrape.Scraper{
		scrape.SourceSearchAPI:  searchapi.New(cfg.Scrapers.SearchAPI, clock, logger.Named("searchapi")),
		scrape.SourceRSS:        rss.New(cfg.Scrapers.RSS, clock, logger.Named("rss")),
		scrape.SourceCareerPage: careerpage.New(cfg.Scrapers.CareerPage, clock, logger.Named("careerpage")),
		scrape.SourceGovPortal:  govportal.New(cfg.Scrapers.GovPortal, clock, logger.Named("govportal")),
	}

	deps := pool.Deps{
		Quota:   ledger,
		Limiter: limiter,
		Breaker: brk,
		Health:  monitor,
		Metered: meteredPredicate(cfg.Metered),
	}

	pools := make([]orchestrator.PoolRunner, 0, len(cfg.Pools))
	for name, poolCfg := range cfg.Pools {
		scraper, ok := scrapers[scrape.SourceID(name)]
		if !ok {
			return nil, fmt.Errorf("pools.%s: unknown source", name)
		}
		p, err := pool.New(scraper, deps, poolCfg, logger.Named("pool"))
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", name, err)
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// meteredPredicate gates metered API spend to high-value queries.
func meteredPredicate(cfg config.MeteredConfig) scrape.MeteredPredicate {
	return func(_ scrape.SourceID, filters scrape.Filters) bool {
		if len(filters.Keywords) < cfg.MinKeywords {
			return false
		}
		if cfg.RequireLocation && filters.Location == "" {
			return false
		}
		return true
	}
}
