// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careersift/scraperd/internal/scrape"
)

// QuotaStoreConfig controls the Postgres connection pool used for quota state.
type QuotaStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type quotaDB interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// QuotaStore persists the single quota-state row so consumption survives
// process restarts.
type QuotaStore struct {
	pool quotaDB
}

// NewQuotaStore creates a Postgres-backed QuotaStore using the provided config.
func NewQuotaStore(ctx context.Context, cfg QuotaStoreConfig) (*QuotaStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &QuotaStore{pool: pool}, nil
}

// NewQuotaStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewQuotaStoreWithPool(pool quotaDB) (*QuotaStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &QuotaStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *QuotaStore) Close() {
	s.pool.Close()
}

// Load reads the persisted quota state. found=false means the row has never
// been written.
func (s *QuotaStore) Load(ctx context.Context) (scrape.QuotaState, bool, error) {
	query := `
		SELECT monthly_budget, used, remaining, daily_limit, hourly_limit,
		       daily_used, hourly_used, reset_month, reset_year,
		       window_day, window_hour
		FROM quota_state
		WHERE id = 1;
	`
	var (
		st         scrape.QuotaState
		resetMonth int
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&st.MonthlyBudget,
		&st.Used,
		&st.Remaining,
		&st.DailyLimit,
		&st.HourlyLimit,
		&st.DailyUsed,
		&st.HourlyUsed,
		&resetMonth,
		&st.ResetYear,
		&st.WindowDay,
		&st.WindowHour,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.QuotaState{}, false, nil
		}
		return scrape.QuotaState{}, false, fmt.Errorf("load quota state: %w", err)
	}
	st.ResetMonth = time.Month(resetMonth)
	return st, true, nil
}

// Save upserts the quota state row.
func (s *QuotaStore) Save(ctx context.Context, st scrape.QuotaState) error {
	query := `
		INSERT INTO quota_state (
			id, monthly_budget, used, remaining, daily_limit, hourly_limit,
			daily_used, hourly_used, reset_month, reset_year,
			window_day, window_hour, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (id) DO UPDATE SET
			monthly_budget = EXCLUDED.monthly_budget,
			used = EXCLUDED.used,
			remaining = EXCLUDED.remaining,
			daily_limit = EXCLUDED.daily_limit,
			hourly_limit = EXCLUDED.hourly_limit,
			daily_used = EXCLUDED.daily_used,
			hourly_used = EXCLUDED.hourly_used,
			reset_month = EXCLUDED.reset_month,
			reset_year = EXCLUDED.reset_year,
			window_day = EXCLUDED.window_day,
			window_hour = EXCLUDED.window_hour,
			updated_at = now();
	`
	_, err := s.pool.Exec(ctx, query,
		st.MonthlyBudget,
		st.Used,
		st.Remaining,
		st.DailyLimit,
		st.HourlyLimit,
		st.DailyUsed,
		st.HourlyUsed,
		int(st.ResetMonth),
		st.ResetYear,
		st.WindowDay,
		st.WindowHour,
	)
	if err != nil {
		return fmt.Errorf("save quota state: %w", err)
	}
	return nil
}
