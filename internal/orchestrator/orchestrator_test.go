package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/pool"
	"github.com/careersift/scraperd/internal/scrape"
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

type fakeIDs struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDs) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("task-%d", f.n), nil
}

type fakePool struct {
	source   scrape.SourceID
	startErr error
	outcome  pool.Outcome

	mu        sync.Mutex
	rejects   int
	submitted []pool.Item
}

func (p *fakePool) Source() scrape.SourceID     { return p.source }
func (p *fakePool) Start(context.Context) error { return p.startErr }
func (p *fakePool) Stop(context.Context) error  { return nil }
func (p *fakePool) QueueDepth() int             { return 0 }
func (p *fakePool) ActiveWorkers() int          { return 0 }

func (p *fakePool) Submit(item pool.Item) error {
	p.mu.Lock()
	if p.rejects > 0 {
		p.rejects--
		p.mu.Unlock()
		return scrape.ErrQueueFull
	}
	p.submitted = append(p.submitted, item)
	outcome := p.outcome
	p.mu.Unlock()
	go item.Done(outcome)
	return nil
}

func (p *fakePool) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []string
	err    error
}

func (f *fakePusher) Push(_ context.Context, taskID string, _ scrape.SourceID, _ scrape.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushes = append(f.pushes, taskID)
	return nil
}

func (f *fakePusher) pushed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pushes...)
}

type fakeHealthStatus struct{}

func (fakeHealthStatus) Health(source scrape.SourceID) scrape.SourceHealth {
	return scrape.SourceHealth{Source: source, Circuit: scrape.CircuitClosed, SuccessRate: 1}
}
func (fakeHealthStatus) Warnings() []string { return nil }

type fakeQuotaStatus struct{ state scrape.QuotaState }

func (f fakeQuotaStatus) Status() scrape.QuotaState { return f.state }

func newOrchestrator(t *testing.T, pools ...PoolRunner) (*Orchestrator, *fakePusher) {
	t.Helper()
	pusher := &fakePusher{}
	clock := &fakeClock{now: time.Date(2026, time.March, 29, 9, 0, 0, 0, time.UTC)}
	o := New(
		pools,
		pusher,
		fakeQuotaStatus{state: scrape.QuotaState{MonthlyBudget: 250, Remaining: 234}},
		fakeHealthStatus{},
		Config{DispatchInterval: 10 * time.Millisecond},
		&fakeIDs{},
		clock,
		zap.NewNop(),
	)
	return o, pusher
}

func waitTerminal(t *testing.T, o *Orchestrator, taskID string) scrape.Task {
	t.Helper()
	var task scrape.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = o.Task(taskID)
		return err == nil && task.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return task
}

func TestSubmitRunsTaskToCompletion(t *testing.T) {
	t.Parallel()

	p := &fakePool{
		source: scrape.SourceRSS,
		outcome: pool.Outcome{
			Result: scrape.Result{Jobs: []scrape.JobRecord{{Title: "Go Engineer"}, {Title: "SRE"}}},
		},
	}
	o, pusher := newOrchestrator(t, p)
	require.NoError(t, o.Start(context.Background()))
	defer func() { require.NoError(t, o.Stop(context.Background())) }()

	id, err := o.Submit(scrape.SourceRSS, scrape.Filters{Keywords: []string{"go"}}, 5)
	require.NoError(t, err)

	task := waitTerminal(t, o, id)
	require.Equal(t, scrape.TaskStatusCompleted, task.Status)
	require.Equal(t, 2, task.JobsFound)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)
	require.Eventually(t, func() bool {
		return len(pusher.pushed()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitUnknownSource(t *testing.T) {
	t.Parallel()

	o, _ := newOrchestrator(t, &fakePool{source: scrape.SourceRSS})
	_, err := o.Submit(scrape.SourceGovPortal, scrape.Filters{}, 0)
	require.Error(t, err)
}

func TestCancelPendingTask(t *testing.T) {
	t.Parallel()

	// Without Start there is no dispatcher, so the task stays pending.
	o, _ := newOrchestrator(t, &fakePool{source: scrape.SourceRSS})
	id, err := o.Submit(scrape.SourceRSS, scrape.Filters{}, 0)
	require.NoError(t, err)

	require.NoError(t, o.Cancel(id))
	task, err := o.Task(id)
	require.NoError(t, err)
	require.Equal(t, scrape.TaskStatusCancelled, task.Status)

	// Terminal states reject cancellation and never move backward.
	require.Error(t, o.Cancel(id))
	again, err := o.Task(id)
	require.NoError(t, err)
	require.Equal(t, scrape.TaskStatusCancelled, again.Status)
}

func TestCancelledTaskNeverDispatched(t *testing.T) {
	t.Parallel()

	p := &fakePool{source: scrape.SourceRSS}
	o, _ := newOrchestrator(t, p)

	id, err := o.Submit(scrape.SourceRSS, scrape.Filters{}, 0)
	require.NoError(t, err)
	require.NoError(t, o.Cancel(id))

	require.NoError(t, o.Start(context.Background()))
	defer func() { require.NoError(t, o.Stop(context.Background())) }()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, p.submitCount())
}

func TestQuotaExhaustionCompletesWithWarning(t *testing.T) {
	t.Parallel()

	p := &fakePool{
		source:  scrape.SourceSearchAPI,
		outcome: pool.Outcome{Err: &scrape.QuotaExhaustedError{Reason: scrape.DenialDailyLimit}},
	}
	o, pusher := newOrchestrator(t, p)
	require.NoError(t, o.Start(context.Background()))
	defer func() { require.NoError(t, o.Stop(context.Background())) }()

	id, err := o.Submit(scrape.SourceSearchAPI, scrape.Filters{}, 0)
	require.NoError(t, err)

	task := waitTerminal(t, o, id)
	require.Equal(t, scrape.TaskStatusCompleted, task.Status)
	require.Equal(t, 0, task.JobsFound)
	require.NotEmpty(t, task.Warnings)
	require.Empty(t, task.Errors)
	require.Empty(t, pusher.pushed())
}

func TestFailedOutcomeIsTerminal(t *testing.T) {
	t.Parallel()

	p := &fakePool{
		source:  scrape.SourceGovPortal,
		outcome: pool.Outcome{Err: errors.New("portal unreachable")},
	}
	o, _ := newOrchestrator(t, p)
	require.NoError(t, o.Start(context.Background()))
	defer func() { require.NoError(t, o.Stop(context.Background())) }()

	id, err := o.Submit(scrape.SourceGovPortal, scrape.Filters{}, 0)
	require.NoError(t, err)

	task := waitTerminal(t, o, id)
	require.Equal(t, scrape.TaskStatusFailed, task.Status)
	require.NotEmpty(t, task.Errors)

	// Repeated queries are idempotent.
	again, err := o.Task(id)
	require.NoError(t, err)
	require.Equal(t, task.Status, again.Status)
}

func TestBackpressureRedispatch(t *testing.T) {
	t.Parallel()

	p := &fakePool{
		source:  scrape.SourceRSS,
		rejects: 3,
		outcome: pool.Outcome{Result: scrape.Result{Jobs: []scrape.JobRecord{{Title: "ok"}}}},
	}
	o, _ := newOrchestrator(t, p)
	require.NoError(t, o.Start(context.Background()))
	defer func() { require.NoError(t, o.Stop(context.Background())) }()

	id, err := o.Submit(scrape.SourceRSS, scrape.Filters{}, 0)
	require.NoError(t, err)

	task := waitTerminal(t, o, id)
	require.Equal(t, scrape.TaskStatusCompleted, task.Status)
	require.Equal(t, 1, p.submitCount())
}

func TestPriorityBeforeFIFO(t *testing.T) {
	t.Parallel()

	var order []string
	var mu sync.Mutex
	p := &fakePool{source: scrape.SourceRSS}
	o, _ := newOrchestrator(t, p)

	// Queue tasks before starting so the dispatcher sees them all at once.
	// Lower priority value means more urgent.
	low, err := o.Submit(scrape.SourceRSS, scrape.Filters{}, 9)
	require.NoError(t, err)
	urgent, err := o.Submit(scrape.SourceRSS, scrape.Filters{}, 1)
	require.NoError(t, err)
	mid, err := o.Submit(scrape.SourceRSS, scrape.Filters{}, 5)
	require.NoError(t, err)

	p.mu.Lock()
	p.outcome = pool.Outcome{}
	p.mu.Unlock()

	require.NoError(t, o.Start(context.Background()))
	defer func() { require.NoError(t, o.Stop(context.Background())) }()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		mu.Lock()
		defer mu.Unlock()
		order = order[:0]
		for _, item := range p.submitted {
			order = append(order, item.TaskID)
		}
		return len(order) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{urgent, mid, low}, order)
}

func TestStatusAggregates(t *testing.T) {
	t.Parallel()

	p := &fakePool{source: scrape.SourceRSS}
	o, _ := newOrchestrator(t, p)

	_, err := o.Submit(scrape.SourceRSS, scrape.Filters{}, 0)
	require.NoError(t, err)

	st := o.Status()
	require.Equal(t, 1, st.TasksTotal)
	require.Equal(t, 1, st.Pending)
	require.Len(t, st.Sources, 1)
	require.Equal(t, scrape.SourceRSS, st.Sources[0].Source)
	require.Equal(t, 1, st.Sources[0].PendingTasks)
	require.Equal(t, 250, st.Quota.MonthlyBudget)
}

func TestDisabledPoolRejectsSubmissions(t *testing.T) {
	t.Parallel()

	broken := &fakePool{source: scrape.SourceSearchAPI, startErr: errors.New("api key missing")}
	healthy := &fakePool{source: scrape.SourceRSS}
	o, _ := newOrchestrator(t, broken, healthy)
	require.NoError(t, o.Start(context.Background()))
	defer func() { require.NoError(t, o.Stop(context.Background())) }()

	_, err := o.Submit(scrape.SourceSearchAPI, scrape.Filters{}, 0)
	require.Error(t, err)
	_, err = o.Submit(scrape.SourceRSS, scrape.Filters{}, 0)
	require.NoError(t, err)
}
