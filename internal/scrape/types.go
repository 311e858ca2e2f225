// Package scrape defines core types shared across subsystems.
package scrape

import (
	"time"
)

// SourceID identifies one remote data source.
type SourceID string

// Built-in sources wired at startup. Additional sources may be declared in
// configuration as long as a scraper implementation is registered for them.
const (
	SourceSearchAPI  SourceID = "search_api"
	SourceRSS        SourceID = "rss_feeds"
	SourceGovPortal  SourceID = "gov_portal"
	SourceCareerPage SourceID = "career_pages"
)

// TaskStatus represents the lifecycle state of a scrape task.
type TaskStatus string

// Task status values exposed through the API.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Filters narrows what a scrape run looks for.
type Filters struct {
	Keywords   []string `json:"keywords" mapstructure:"keywords"`
	Location   string   `json:"location" mapstructure:"location"`
	MaxResults int      `json:"max_results" mapstructure:"max_results"`
}

// Task is the unit of work tracked by the orchestrator. It is owned
// exclusively by the orchestrator and mutated only through its
// state-transition methods.
type Task struct {
	ID          string     `json:"id"`
	Source      SourceID   `json:"source"`
	Filters     Filters    `json:"filters"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`
	Progress    float64    `json:"progress"`
	JobsFound   int        `json:"jobs_found"`
	CallsUsed   int        `json:"api_calls_used"`
	Errors      []string   `json:"errors,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// EstimatedCompletion is filled on status queries for running tasks,
	// based on the source's recent average scrape latency.
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// JobRecord is one scraped job listing, handed off to the ingestion
// collaborator after the task completes.
type JobRecord struct {
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location,omitempty"`
	URL         string    `json:"url"`
	Salary      string    `json:"salary,omitempty"`
	Description string    `json:"description,omitempty"`
	PostedAt    time.Time `json:"posted_at,omitempty"`
	Source      SourceID  `json:"source"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// CompanyRecord is a company discovered while scraping.
type CompanyRecord struct {
	Name      string    `json:"name"`
	Website   string    `json:"website,omitempty"`
	Industry  string    `json:"industry,omitempty"`
	Source    SourceID  `json:"source"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// Result is the transient output of one scrape run. Ownership transfers to
// the result pusher once the task finishes; the core keeps only counters.
type Result struct {
	Jobs      []JobRecord     `json:"jobs"`
	Companies []CompanyRecord `json:"companies,omitempty"`
	CallsUsed int             `json:"api_calls_used"`
}

// CircuitState is the per-source breaker state.
type CircuitState string

// Breaker states.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// SourceHealth is a snapshot of one source's observed health.
type SourceHealth struct {
	Source              SourceID     `json:"source"`
	Circuit             CircuitState `json:"circuit_state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	SuccessRate         float64      `json:"success_rate"`
	AvgLatencyMs        int64        `json:"avg_latency_ms"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	CooldownUntil       *time.Time   `json:"cooldown_until,omitempty"`
}

// SweepStrategy is immutable scheduler configuration: one recurring sweep
// over one source.
type SweepStrategy struct {
	Name        string   `json:"name" mapstructure:"name"`
	Source      SourceID `json:"source" mapstructure:"source"`
	Filters     Filters  `json:"filters" mapstructure:"filters"`
	TriggerTime string   `json:"trigger_time" mapstructure:"trigger_time"`
	Weekly      bool     `json:"weekly" mapstructure:"weekly"`
	Weekday     string   `json:"weekday,omitempty" mapstructure:"weekday"`
	Priority    int      `json:"priority" mapstructure:"priority"`
}

// QuotaState is the persisted consumption state for the metered API.
type QuotaState struct {
	MonthlyBudget int        `json:"monthly_budget"`
	Used          int        `json:"used"`
	Remaining     int        `json:"remaining"`
	DailyLimit    int        `json:"daily_limit"`
	HourlyLimit   int        `json:"hourly_limit"`
	DailyUsed     int        `json:"daily_used"`
	HourlyUsed    int        `json:"hourly_used"`
	ResetMonth    time.Month `json:"reset_month"`
	ResetYear     int        `json:"reset_year"`
	WindowDay     int        `json:"window_day"`
	WindowHour    int        `json:"window_hour"`
}
