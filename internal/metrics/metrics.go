// Package metrics exposes Prometheus collectors for the scraping service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_tasks_total",
			Help: "Total number of scrape tasks processed, labeled by source and terminal status.",
		},
		[]string{"source", "status"},
	)

	scraperJobsScrapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_jobs_scraped_total",
			Help: "Total number of job records scraped, labeled by source.",
		},
		[]string{"source"},
	)

	scrapeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_scrape_duration_seconds",
			Help:    "Histogram of single scrape call latencies, labeled by source.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"source"},
	)

	scraperActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scraper_active_workers",
			Help: "Number of workers currently executing a scrape, labeled by source.",
		},
		[]string{"source"},
	)

	scraperQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scraper_queue_depth",
			Help: "Current pool queue depth, labeled by source.",
		},
		[]string{"source"},
	)

	quotaUsedTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_quota_used",
			Help: "Metered API calls consumed in the current billing month.",
		},
	)

	quotaRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_quota_remaining",
			Help: "Metered API calls remaining in the current billing month.",
		},
	)

	quotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_quota_denials_total",
			Help: "Total quota reservation denials, labeled by reason.",
		},
		[]string{"reason"},
	)

	circuitStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scraper_circuit_state",
			Help: "Circuit state per source: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"source"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations, labeled by source.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	resultPushFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_result_push_failures_total",
			Help: "Total result batches that failed to push and were spooled, labeled by source.",
		},
		[]string{"source"},
	)

	sweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_sweep_runs_total",
			Help: "Total sweep strategy triggers, labeled by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask increments the task counter for a terminal status.
func ObserveTask(source, status string) {
	scraperTasksTotal.WithLabelValues(source, status).Inc()
}

// ObserveScrape records one scrape call's latency and yield.
func ObserveScrape(source string, jobs int, duration time.Duration) {
	scrapeDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
	if jobs > 0 {
		scraperJobsScrapedTotal.WithLabelValues(source).Add(float64(jobs))
	}
}

// IncActiveWorkers increments the active workers gauge for a source.
func IncActiveWorkers(source string) {
	scraperActiveWorkers.WithLabelValues(source).Inc()
}

// DecActiveWorkers decrements the active workers gauge for a source.
func DecActiveWorkers(source string) {
	scraperActiveWorkers.WithLabelValues(source).Dec()
}

// SetQueueDepth records the current pool queue depth for a source.
func SetQueueDepth(source string, depth int) {
	scraperQueueDepth.WithLabelValues(source).Set(float64(depth))
}

// SetQuota updates the quota gauges after a commit or rollover.
func SetQuota(used, remaining int) {
	quotaUsedTotal.Set(float64(used))
	quotaRemaining.Set(float64(remaining))
}

// ObserveQuotaDenial increments the denial counter for a reason.
func ObserveQuotaDenial(reason string) {
	quotaDenialsTotal.WithLabelValues(reason).Inc()
}

// SetCircuitState records the breaker state for a source.
func SetCircuitState(source string, state float64) {
	circuitStateGauge.WithLabelValues(source).Set(state)
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveResultPushFailure counts a result batch that had to be spooled.
func ObserveResultPushFailure(source string) {
	resultPushFailuresTotal.WithLabelValues(source).Inc()
}

// ObserveSweepRun counts one scheduler trigger outcome.
func ObserveSweepRun(strategy, outcome string) {
	sweepRunsTotal.WithLabelValues(strategy, outcome).Inc()
}
