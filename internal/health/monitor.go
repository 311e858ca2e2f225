// Package health observes per-source success rates and latency, feeding
// circuit breaker decisions and the orchestrator status report.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/breaker"
	"github.com/careersift/scraperd/internal/scrape"
)

// ewmaAlpha weights recent outcomes; ~20 calls of memory.
const ewmaAlpha = 0.1

// degradedThreshold marks a source as degraded in the warnings list.
const degradedThreshold = 0.5

type sourceStats struct {
	successes     int
	failures      int
	ewmaSuccess   float64
	ewmaLatencyMs float64
	seeded        bool
}

// Monitor aggregates call outcomes per source. It implements
// scrape.HealthReporter and forwards every outcome to the breaker.
type Monitor struct {
	mu      sync.Mutex
	sources map[scrape.SourceID]*sourceStats
	breaker *breaker.Breaker
	logger  *zap.Logger
}

// New creates a Monitor wired to the given breaker.
func New(b *breaker.Breaker, logger *zap.Logger) *Monitor {
	return &Monitor{
		sources: make(map[scrape.SourceID]*sourceStats),
		breaker: b,
		logger:  logger,
	}
}

func (m *Monitor) stats(source scrape.SourceID) *sourceStats {
	st, ok := m.sources[source]
	if !ok {
		st = &sourceStats{ewmaSuccess: 1}
		m.sources[source] = st
	}
	return st
}

// RecordSuccess notes a successful call and its latency.
func (m *Monitor) RecordSuccess(source scrape.SourceID, latency time.Duration) {
	m.mu.Lock()
	st := m.stats(source)
	st.successes++
	st.ewmaSuccess = st.ewmaSuccess*(1-ewmaAlpha) + ewmaAlpha
	ms := float64(latency.Milliseconds())
	if !st.seeded {
		st.ewmaLatencyMs = ms
		st.seeded = true
	} else {
		st.ewmaLatencyMs = st.ewmaLatencyMs*(1-ewmaAlpha) + ms*ewmaAlpha
	}
	m.mu.Unlock()

	m.breaker.RecordSuccess(source)
}

// RecordFailure notes a failed call.
func (m *Monitor) RecordFailure(source scrape.SourceID, err error) {
	m.mu.Lock()
	st := m.stats(source)
	st.failures++
	st.ewmaSuccess = st.ewmaSuccess * (1 - ewmaAlpha)
	m.mu.Unlock()

	m.logger.Debug("source failure recorded",
		zap.String("source", string(source)),
		zap.Error(err),
	)
	m.breaker.RecordFailure(source)
}

// Snapshot returns the observed health of every known source, sorted by
// source ID for stable output.
func (m *Monitor) Snapshot() []scrape.SourceHealth {
	m.mu.Lock()
	ids := make([]scrape.SourceID, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]scrape.SourceHealth, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.Health(id))
	}
	return out
}

// Health returns the merged breaker and statistics view for one source.
func (m *Monitor) Health(source scrape.SourceID) scrape.SourceHealth {
	health := m.breaker.Snapshot(source)

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats(source)
	health.SuccessRate = st.ewmaSuccess
	health.AvgLatencyMs = int64(st.ewmaLatencyMs)
	return health
}

// Warnings lists human-readable degradation notices for the status report.
func (m *Monitor) Warnings() []string {
	var warnings []string
	for _, h := range m.Snapshot() {
		switch {
		case h.Circuit == scrape.CircuitOpen:
			warnings = append(warnings, fmt.Sprintf("source %s: circuit open", h.Source))
		case h.SuccessRate < degradedThreshold:
			warnings = append(warnings, fmt.Sprintf("source %s: degraded (success rate %.0f%%)", h.Source, h.SuccessRate*100))
		}
	}
	return warnings
}
