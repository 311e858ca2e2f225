package scrape

import (
	"context"
	"time"
)

// Scraper is the uniform capability every source implementation provides.
// The pool and orchestrator depend only on this interface.
type Scraper interface {
	Source() SourceID
	Initialize(ctx context.Context) error
	Scrape(ctx context.Context, filters Filters) (Result, error)
	Cleanup(ctx context.Context) error
}

// Metered reports whether calls to a source consume the paid quota. Scrapers
// that cost nothing simply omit this interface.
type Metered interface {
	Metered() bool
}

// QuotaStateStore persists quota consumption across restarts. Load returns
// found=false when no state has ever been written.
type QuotaStateStore interface {
	Load(ctx context.Context) (state QuotaState, found bool, err error)
	Save(ctx context.Context, state QuotaState) error
}

// Publisher pushes completed result batches to the ingestion collaborator.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI. Used to spool result
// batches that could not be pushed.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// HealthReporter receives per-call outcomes from pool workers.
type HealthReporter interface {
	RecordSuccess(source SourceID, latency time.Duration)
	RecordFailure(source SourceID, err error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// MeteredPredicate decides whether one scrape run should be allowed to spend
// metered quota. The high-value-query heuristic is supplied by configuration,
// not hard-coded here.
type MeteredPredicate func(source SourceID, filters Filters) bool
