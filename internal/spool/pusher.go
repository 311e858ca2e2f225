// Package spool pushes completed result batches to the ingestion pipeline and
// spools them to blob storage when the push cannot be delivered. A scrape that
// succeeded is never lost to a push failure.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/metrics"
	"github.com/careersift/scraperd/internal/scrape"
)

// Batch is the envelope published for one completed task.
type Batch struct {
	TaskID    string                 `json:"task_id"`
	Source    scrape.SourceID        `json:"source"`
	ScrapedAt time.Time              `json:"scraped_at"`
	Jobs      []scrape.JobRecord     `json:"jobs"`
	Companies []scrape.CompanyRecord `json:"companies,omitempty"`
}

// Config holds pusher settings.
type Config struct {
	Topic        string `mapstructure:"topic"`
	PushAttempts int    `mapstructure:"push_attempts"`
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "jobs.scraped"
	}
	if c.PushAttempts <= 0 {
		c.PushAttempts = 3
	}
	return c
}

// Pusher delivers batches through a Publisher, falling back to a BlobStore.
type Pusher struct {
	publisher scrape.Publisher
	blobs     scrape.BlobStore
	policy    *scrape.ExponentialRetryPolicy
	cfg       Config
	clock     scrape.Clock
	logger    *zap.Logger
}

// New creates a Pusher.
func New(publisher scrape.Publisher, blobs scrape.BlobStore, cfg Config, clock scrape.Clock, logger *zap.Logger) *Pusher {
	cfg = cfg.withDefaults()
	return &Pusher{
		publisher: publisher,
		blobs:     blobs,
		policy:    scrape.NewExponentialRetryPolicy().WithMaxAttempts(cfg.PushAttempts),
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
	}
}

// Push publishes the batch, retrying transient failures. When every attempt
// fails the batch is spooled to blob storage; only a spool failure on top of
// a push failure is returned as an error.
func (p *Pusher) Push(ctx context.Context, taskID string, source scrape.SourceID, result scrape.Result) error {
	batch := Batch{
		TaskID:    taskID,
		Source:    source,
		ScrapedAt: p.clock.Now().UTC(),
		Jobs:      result.Jobs,
		Companies: result.Companies,
	}

	pushErr := p.publish(ctx, batch)
	if pushErr == nil {
		return nil
	}

	metrics.ObserveResultPushFailure(string(source))
	p.logger.Warn("result push failed, spooling batch",
		zap.String("task_id", taskID),
		zap.String("source", string(source)),
		zap.Error(pushErr),
	)

	uri, err := p.spool(ctx, batch)
	if err != nil {
		return fmt.Errorf("push failed (%v) and spool failed: %w", pushErr, err)
	}
	p.logger.Info("batch spooled",
		zap.String("task_id", taskID),
		zap.String("uri", uri),
	)
	return nil
}

func (p *Pusher) publish(ctx context.Context, batch Batch) error {
	var lastErr error
	for attempt := 0; attempt < p.policy.MaxAttempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.policy.Backoff(attempt - 1)):
			}
		}
		_, err := p.publisher.Publish(ctx, p.cfg.Topic, batch)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.policy.ShouldRetry(err, attempt+1) {
			break
		}
	}
	return lastErr
}

func (p *Pusher) spool(ctx context.Context, batch Batch) (string, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}
	path := fmt.Sprintf("spool/%s/%s/%s.json",
		batch.Source,
		batch.ScrapedAt.Format("2006/01/02"),
		batch.TaskID,
	)
	return p.blobs.PutObject(ctx, path, "application/json", data)
}
