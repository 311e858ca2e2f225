package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/metrics"
	"github.com/careersift/scraperd/internal/scrape"
)

// Config controls ledger behavior.
type Config struct {
	MonthlyBudget      int
	SafetyFactor       float64
	MinimumDailyFloor  int
	MinimumHourlyFloor int
	EffectiveHours     int
}

func (c Config) withDefaults() Config {
	if c.SafetyFactor <= 0 || c.SafetyFactor > 1 {
		c.SafetyFactor = 0.9
	}
	if c.MinimumDailyFloor <= 0 {
		c.MinimumDailyFloor = 3
	}
	if c.MinimumHourlyFloor <= 0 {
		c.MinimumHourlyFloor = 1
	}
	if c.EffectiveHours <= 0 {
		c.EffectiveHours = 24
	}
	return c
}

// Ledger tracks metered API consumption against monthly, daily and hourly
// budgets. Reservations and commits are linearized under a single mutex;
// persistence happens outside it so the lock is never held across I/O.
type Ledger struct {
	mu      sync.Mutex
	state   scrape.QuotaState
	pending int

	saveMu sync.Mutex

	cfg    Config
	store  scrape.QuotaStateStore
	clock  scrape.Clock
	logger *zap.Logger
}

// New builds a Ledger, restoring persisted state when present and rolling it
// forward to the current window.
func New(
	ctx context.Context,
	cfg Config,
	store scrape.QuotaStateStore,
	clock scrape.Clock,
	logger *zap.Logger,
) (*Ledger, error) {
	if cfg.MonthlyBudget <= 0 {
		return nil, fmt.Errorf("monthly budget must be > 0")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	cfg = cfg.withDefaults()

	l := &Ledger{
		cfg:    cfg,
		store:  store,
		clock:  clock,
		logger: logger,
	}

	persisted, found, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load quota state: %w", err)
	}

	now := clock.Now()
	if found {
		l.state = persisted
		// Budget may have been reconfigured since the state was written.
		l.state.MonthlyBudget = cfg.MonthlyBudget
		if l.state.Used > cfg.MonthlyBudget {
			l.state.Used = cfg.MonthlyBudget
		}
		l.state.Remaining = cfg.MonthlyBudget - l.state.Used
		l.rollLocked(now)
	} else {
		l.state = scrape.QuotaState{
			MonthlyBudget: cfg.MonthlyBudget,
			Remaining:     cfg.MonthlyBudget,
			ResetMonth:    now.Month(),
			ResetYear:     now.Year(),
			WindowDay:     now.Day(),
			WindowHour:    now.Hour(),
		}
		l.recomputeLimitsLocked(now)
	}
	metrics.SetQuota(l.state.Used, l.state.Remaining)

	if err := l.persist(ctx); err != nil {
		return nil, fmt.Errorf("persist initial quota state: %w", err)
	}
	return l, nil
}

// TryReserve checks the monthly, daily and hourly budgets in that order and
// holds one pending unit on success, so concurrent callers can never both
// claim the last unit. A nil return grants one call; otherwise a
// *scrape.QuotaExhaustedError names the exhausted window. Exhaustion is an
// expected outcome, not a fault.
func (l *Ledger) TryReserve(scrape.SourceID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(l.clock.Now())

	var reason scrape.DenialReason
	switch {
	case l.state.Remaining-l.pending <= 0:
		reason = scrape.DenialMonthlyExhausted
	case l.state.DailyUsed+l.pending >= l.state.DailyLimit:
		reason = scrape.DenialDailyLimit
	case l.state.HourlyUsed+l.pending >= l.state.HourlyLimit:
		reason = scrape.DenialHourlyLimit
	default:
		l.pending++
		return nil
	}
	metrics.ObserveQuotaDenial(string(reason))
	return &scrape.QuotaExhaustedError{Reason: reason}
}

// Release returns an unused reservation, for calls that failed before
// consuming the metered API.
func (l *Ledger) Release(scrape.SourceID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending > 0 {
		l.pending--
	}
}

// Commit settles a reservation with the calls actually consumed and persists
// the new state. A commit is never rolled back, even if the task is later
// cancelled: conservative accounting protects the budget, not the caller.
func (l *Ledger) Commit(ctx context.Context, source scrape.SourceID, calls int) error {
	if calls <= 0 {
		calls = 1
	}
	l.mu.Lock()
	l.rollLocked(l.clock.Now())
	if l.pending > 0 {
		l.pending--
	}
	l.state.Used += calls
	if l.state.Used > l.state.MonthlyBudget {
		l.logger.Warn("quota commit exceeded monthly budget, clamping",
			zap.String("source", string(source)),
			zap.Int("used", l.state.Used),
			zap.Int("budget", l.state.MonthlyBudget),
		)
		l.state.Used = l.state.MonthlyBudget
	}
	l.state.Remaining = l.state.MonthlyBudget - l.state.Used
	l.state.DailyUsed += calls
	l.state.HourlyUsed += calls
	used, remaining := l.state.Used, l.state.Remaining
	l.mu.Unlock()

	metrics.SetQuota(used, remaining)
	if err := l.persist(ctx); err != nil {
		return fmt.Errorf("persist quota state: %w", err)
	}
	return nil
}

// Status returns a copy of the current quota state, rolled forward to now.
func (l *Ledger) Status() scrape.QuotaState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(l.clock.Now())
	return l.state
}

// rollLocked resets the hourly, daily and monthly windows that have lapsed
// since the last observation. Each counter resets exactly once per calendar
// rollover; the daily and hourly limits are recomputed from the remaining
// budget rather than restored to a stale value.
func (l *Ledger) rollLocked(now time.Time) {
	monthChanged := now.Month() != l.state.ResetMonth || now.Year() != l.state.ResetYear
	dayChanged := monthChanged || now.Day() != l.state.WindowDay
	hourChanged := dayChanged || now.Hour() != l.state.WindowHour

	if monthChanged {
		l.logger.Info("monthly quota rollover",
			zap.Int("previous_used", l.state.Used),
			zap.Int("budget", l.state.MonthlyBudget),
		)
		l.state.Used = 0
		l.state.Remaining = l.state.MonthlyBudget
		l.state.ResetMonth = now.Month()
		l.state.ResetYear = now.Year()
	}
	if dayChanged {
		l.state.DailyUsed = 0
		l.state.WindowDay = now.Day()
	}
	if hourChanged {
		l.state.HourlyUsed = 0
		l.state.WindowHour = now.Hour()
	}
	if dayChanged {
		l.recomputeLimitsLocked(now)
	}
}

// recomputeLimitsLocked derives the daily and hourly caps from the remaining
// budget and the days left in the current month.
func (l *Ledger) recomputeLimitsLocked(now time.Time) {
	l.state.DailyLimit = DailyLimit(
		l.state.Remaining,
		DaysRemaining(now),
		l.cfg.SafetyFactor,
		l.cfg.MinimumDailyFloor,
	)
	l.state.HourlyLimit = HourlyLimit(l.state.DailyLimit, l.cfg.EffectiveHours, l.cfg.MinimumHourlyFloor)
	l.logger.Debug("quota limits recomputed",
		zap.Int("remaining", l.state.Remaining),
		zap.Int("daily_limit", l.state.DailyLimit),
		zap.Int("hourly_limit", l.state.HourlyLimit),
	)
}

// persist writes the latest snapshot through the state store. saveMu
// serializes writers so an older snapshot can never overwrite a newer one.
func (l *Ledger) persist(ctx context.Context) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	l.mu.Lock()
	snapshot := l.state
	l.mu.Unlock()
	if err := l.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("save quota state: %w", err)
	}
	return nil
}
