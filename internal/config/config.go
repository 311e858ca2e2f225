// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/careersift/scraperd/internal/orchestrator"
	"github.com/careersift/scraperd/internal/pool"
	"github.com/careersift/scraperd/internal/scheduler"
	"github.com/careersift/scraperd/internal/scrapers/careerpage"
	"github.com/careersift/scraperd/internal/scrapers/govportal"
	"github.com/careersift/scraperd/internal/scrapers/rss"
	"github.com/careersift/scraperd/internal/scrapers/searchapi"
	"github.com/careersift/scraperd/internal/spool"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig           `mapstructure:"server"`
	Auth         AuthConfig             `mapstructure:"auth"`
	Logging      LoggingConfig          `mapstructure:"logging"`
	Quota        QuotaConfig            `mapstructure:"quota"`
	DB           DBConfig               `mapstructure:"db"`
	RateLimit    RateLimitConfig        `mapstructure:"rate_limit"`
	Breaker      BreakerConfig          `mapstructure:"breaker"`
	Pools        map[string]pool.Config `mapstructure:"pools"`
	Metered      MeteredConfig          `mapstructure:"metered"`
	Scrapers     ScrapersConfig         `mapstructure:"scrapers"`
	Publisher    PublisherConfig        `mapstructure:"publisher"`
	Spool        SpoolConfig            `mapstructure:"spool"`
	Pusher       spool.Config           `mapstructure:"pusher"`
	Scheduler    scheduler.Config       `mapstructure:"scheduler"`
	Orchestrator orchestrator.Config    `mapstructure:"orchestrator"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// QuotaConfig governs the metered API budget.
type QuotaConfig struct {
	MonthlyBudget      int     `mapstructure:"monthly_budget"`
	SafetyFactor       float64 `mapstructure:"safety_factor"`
	MinimumDailyFloor  int     `mapstructure:"minimum_daily_floor"`
	MinimumHourlyFloor int     `mapstructure:"minimum_hourly_floor"`
	EffectiveHours     int     `mapstructure:"effective_hours"`
}

// DBConfig controls where quota state persists.
type DBConfig struct {
	// Backend is "postgres" or "memory".
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// SourceRateConfig overrides the default bucket for one source.
type SourceRateConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RateLimitConfig governs per-source request rates.
type RateLimitConfig struct {
	DefaultRPS   float64                     `mapstructure:"default_rps"`
	DefaultBurst int                         `mapstructure:"default_burst"`
	PerSource    map[string]SourceRateConfig `mapstructure:"per_source"`
}

// BreakerConfig governs the per-source circuit breakers.
type BreakerConfig struct {
	FailureThreshold int     `mapstructure:"failure_threshold"`
	FailureRate      float64 `mapstructure:"failure_rate"`
	WindowSize       int     `mapstructure:"window_size"`
	CooldownSeconds  int     `mapstructure:"cooldown_seconds"`
	SuccessThreshold int     `mapstructure:"success_threshold"`
}

// MeteredConfig is the declarative high-value-query predicate: a metered call
// is only spent on queries that meet these bars.
type MeteredConfig struct {
	MinKeywords     int  `mapstructure:"min_keywords"`
	RequireLocation bool `mapstructure:"require_location"`
}

// ScrapersConfig bundles the per-source scraper settings.
type ScrapersConfig struct {
	SearchAPI  searchapi.Config  `mapstructure:"search_api"`
	RSS        rss.Config        `mapstructure:"rss_feeds"`
	CareerPage careerpage.Config `mapstructure:"career_pages"`
	GovPortal  govportal.Config  `mapstructure:"gov_portal"`
}

// PublisherConfig selects the result push backend.
type PublisherConfig struct {
	// Backend is "pubsub" or "memory".
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
}

// SpoolConfig selects where unpushable batches are spooled.
type SpoolConfig struct {
	// Backend is "gcs", "local" or "memory".
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("quota.monthly_budget", 250)
	v.SetDefault("quota.safety_factor", 0.9)
	v.SetDefault("quota.minimum_daily_floor", 3)
	v.SetDefault("quota.minimum_hourly_floor", 1)
	v.SetDefault("quota.effective_hours", 24)
	v.SetDefault("db.backend", "memory")
	v.SetDefault("rate_limit.default_rps", 0.5)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_rate", 0.6)
	v.SetDefault("breaker.window_size", 20)
	v.SetDefault("breaker.cooldown_seconds", 300)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("metered.min_keywords", 1)
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("spool.backend", "memory")
	v.SetDefault("pusher.topic", "jobs.scraped")
	v.SetDefault("pusher.push_attempts", 3)
	v.SetDefault("scheduler.check_interval", "30s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Quota.MonthlyBudget <= 0 {
		return fmt.Errorf("quota.monthly_budget must be > 0")
	}
	if c.Quota.SafetyFactor <= 0 || c.Quota.SafetyFactor > 1 {
		return fmt.Errorf("quota.safety_factor must be in (0, 1]")
	}
	switch c.DB.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("db.backend must be postgres or memory, got %q", c.DB.Backend)
	}
	switch c.Publisher.Backend {
	case "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("publisher.backend must be pubsub or memory, got %q", c.Publisher.Backend)
	}
	switch c.Spool.Backend {
	case "memory":
	case "gcs":
		if c.Spool.Bucket == "" {
			return fmt.Errorf("spool.bucket must be set for the gcs backend")
		}
	case "local":
		if c.Spool.BaseDir == "" {
			return fmt.Errorf("spool.base_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("spool.backend must be gcs, local or memory, got %q", c.Spool.Backend)
	}
	return nil
}
