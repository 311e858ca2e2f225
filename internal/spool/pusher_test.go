package spool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	publishermem "github.com/careersift/scraperd/internal/publisher/memory"
	"github.com/careersift/scraperd/internal/scrape"
	storagemem "github.com/careersift/scraperd/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func sampleResult() scrape.Result {
	return scrape.Result{
		Jobs: []scrape.JobRecord{{
			Title:   "Backend Engineer",
			Company: "Acme",
			URL:     "https://jobs.example.com/1",
			Source:  scrape.SourceRSS,
		}},
		CallsUsed: 1,
	}
}

func TestPusherPublishesBatch(t *testing.T) {
	t.Parallel()

	pub := publishermem.New()
	blobs := storagemem.NewBlobStore()
	clock := &fakeClock{now: time.Date(2026, time.March, 29, 9, 0, 0, 0, time.UTC)}
	p := New(pub, blobs, Config{Topic: "jobs.scraped"}, clock, zap.NewNop())

	err := p.Push(context.Background(), "task-1", scrape.SourceRSS, sampleResult())
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "jobs.scraped", msgs[0].Topic)
	batch, ok := msgs[0].Payload.(Batch)
	require.True(t, ok)
	require.Equal(t, "task-1", batch.TaskID)
	require.Len(t, batch.Jobs, 1)
	require.Equal(t, 0, blobs.Len())
}

func TestPusherSpoolsOnPushFailure(t *testing.T) {
	t.Parallel()

	pub := publishermem.New()
	pub.FailWith(errors.New("broker unavailable"))
	blobs := storagemem.NewBlobStore()
	clock := &fakeClock{now: time.Date(2026, time.March, 29, 9, 0, 0, 0, time.UTC)}
	p := New(pub, blobs, Config{PushAttempts: 1}, clock, zap.NewNop())

	err := p.Push(context.Background(), "task-2", scrape.SourceGovPortal, sampleResult())
	require.NoError(t, err)

	data, ok := blobs.Object("spool/gov_portal/2026/03/29/task-2.json")
	require.True(t, ok)
	var batch Batch
	require.NoError(t, json.Unmarshal(data, &batch))
	require.Equal(t, "task-2", batch.TaskID)
	require.Len(t, batch.Jobs, 1)
}

func TestPusherRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	pub := publishermem.New()
	pub.FailWith(errors.New("transient"))
	blobs := storagemem.NewBlobStore()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := New(pub, blobs, Config{PushAttempts: 3}, clock, zap.NewNop())

	// Recover the publisher while the pusher backs off before its retry.
	go func() {
		time.Sleep(50 * time.Millisecond)
		pub.FailWith(nil)
	}()

	err := p.Push(context.Background(), "task-3", scrape.SourceRSS, sampleResult())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(pub.Messages()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, blobs.Len())
}

func TestPusherReportsDoubleFailure(t *testing.T) {
	t.Parallel()

	pub := publishermem.New()
	pub.FailWith(errors.New("broker unavailable"))
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := New(pub, failingBlobStore{}, Config{PushAttempts: 1}, clock, zap.NewNop())

	err := p.Push(context.Background(), "task-4", scrape.SourceRSS, sampleResult())
	require.Error(t, err)
}

type failingBlobStore struct{}

func (failingBlobStore) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("disk full")
}
