// Package scheduler turns declarative sweep strategies into submitted tasks.
// Each strategy fires at most once per day; a submission rejected by
// backpressure is logged as skipped and not retried until the next cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/metrics"
	"github.com/careersift/scraperd/internal/scrape"
)

// Submitter is the slice of the orchestrator the scheduler drives.
type Submitter interface {
	Submit(source scrape.SourceID, filters scrape.Filters, priority int) (string, error)
}

// Config holds the strategy list and the polling cadence.
type Config struct {
	Strategies    []scrape.SweepStrategy `mapstructure:"strategies"`
	CheckInterval time.Duration          `mapstructure:"check_interval"`
}

type compiledStrategy struct {
	scrape.SweepStrategy
	hour    int
	minute  int
	weekday time.Weekday
}

// Scheduler runs the strategy loop.
type Scheduler struct {
	strategies []compiledStrategy
	interval   time.Duration
	submitter  Submitter
	clock      scrape.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	lastRun map[string]string // strategy name -> date of last trigger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates and compiles the strategies.
func New(cfg Config, submitter Submitter, clock scrape.Clock, logger *zap.Logger) (*Scheduler, error) {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	compiled := make([]compiledStrategy, 0, len(cfg.Strategies))
	seen := make(map[string]bool)
	for _, strategy := range cfg.Strategies {
		if strategy.Name == "" {
			return nil, fmt.Errorf("sweep strategy has no name")
		}
		if seen[strategy.Name] {
			return nil, fmt.Errorf("duplicate sweep strategy %q", strategy.Name)
		}
		seen[strategy.Name] = true

		hour, minute, err := parseTriggerTime(strategy.TriggerTime)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: %w", strategy.Name, err)
		}
		cs := compiledStrategy{SweepStrategy: strategy, hour: hour, minute: minute}
		if strategy.Weekly {
			weekday, err := parseWeekday(strategy.Weekday)
			if err != nil {
				return nil, fmt.Errorf("strategy %q: %w", strategy.Name, err)
			}
			cs.weekday = weekday
		}
		compiled = append(compiled, cs)
	}
	return &Scheduler{
		strategies: compiled,
		interval:   cfg.CheckInterval,
		submitter:  submitter,
		clock:      clock,
		logger:     logger,
		lastRun:    make(map[string]string),
		stop:       make(chan struct{}),
	}, nil
}

// Start launches the ticking loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick(s.clock.Now())
			}
		}
	}()
}

// Stop halts the loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// tick fires every strategy that is due at now. A strategy counts as run for
// the day even when the submission is rejected.
func (s *Scheduler) tick(now time.Time) {
	today := now.Format("2006-01-02")
	for _, strategy := range s.strategies {
		if !s.due(strategy, now, today) {
			continue
		}
		s.mu.Lock()
		s.lastRun[strategy.Name] = today
		s.mu.Unlock()

		taskID, err := s.submitter.Submit(strategy.Source, strategy.Filters, strategy.Priority)
		switch {
		case err == nil:
			metrics.ObserveSweepRun(strategy.Name, "submitted")
			s.logger.Info("sweep triggered",
				zap.String("strategy", strategy.Name),
				zap.String("task_id", taskID),
			)
		case errors.Is(err, scrape.ErrQueueFull):
			metrics.ObserveSweepRun(strategy.Name, "skipped")
			s.logger.Warn("sweep skipped: pool backpressure",
				zap.String("strategy", strategy.Name),
			)
		default:
			metrics.ObserveSweepRun(strategy.Name, "error")
			s.logger.Error("sweep submission failed",
				zap.String("strategy", strategy.Name),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) due(strategy compiledStrategy, now time.Time, today string) bool {
	if strategy.Weekly && now.Weekday() != strategy.weekday {
		return false
	}
	trigger := time.Date(now.Year(), now.Month(), now.Day(), strategy.hour, strategy.minute, 0, 0, now.Location())
	if now.Before(trigger) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun[strategy.Name] != today
}

func parseTriggerTime(value string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid trigger time %q (want HH:MM)", value)
	}
	return t.Hour(), t.Minute(), nil
}

func parseWeekday(name string) (time.Weekday, error) {
	weekdays := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
	weekday, ok := weekdays[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("invalid weekday %q", name)
	}
	return weekday, nil
}
