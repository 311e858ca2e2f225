// Package orchestrator owns task lifecycles and feeds the per-source pools.
// Tasks move pending -> running -> completed|failed, or pending -> cancelled;
// there are no backward transitions.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/careersift/scraperd/internal/metrics"
	"github.com/careersift/scraperd/internal/pool"
	"github.com/careersift/scraperd/internal/scrape"
)

// PoolRunner is the slice of a source pool the orchestrator drives.
type PoolRunner interface {
	Source() scrape.SourceID
	Start(ctx context.Context) error
	Submit(item pool.Item) error
	Stop(ctx context.Context) error
	QueueDepth() int
	ActiveWorkers() int
}

// ResultPusher hands completed batches to the ingestion pipeline.
type ResultPusher interface {
	Push(ctx context.Context, taskID string, source scrape.SourceID, result scrape.Result) error
}

// QuotaStatus exposes the ledger's current state for reporting.
type QuotaStatus interface {
	Status() scrape.QuotaState
}

// HealthStatus exposes per-source health for reporting.
type HealthStatus interface {
	Health(source scrape.SourceID) scrape.SourceHealth
	Warnings() []string
}

// Config controls orchestrator behavior.
type Config struct {
	// DispatchInterval bounds how long a queued task waits after pool
	// backpressure before dispatch is retried.
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 100 * time.Millisecond
	}
	return c
}

type queueEntry struct {
	taskID   string
	priority int
	seq      uint64
}

type sourceQueue struct {
	mu      sync.Mutex
	entries []queueEntry
	signal  chan struct{}
}

func (q *sourceQueue) push(e queueEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop returns the most urgent entry, FIFO within a priority. Lower priority
// values dispatch first.
func (q *sourceQueue) pop() (queueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return queueEntry{}, false
	}
	best := 0
	for i, e := range q.entries {
		if e.priority < q.entries[best].priority ||
			(e.priority == q.entries[best].priority && e.seq < q.entries[best].seq) {
			best = i
		}
	}
	entry := q.entries[best]
	q.entries = append(q.entries[:best], q.entries[best+1:]...)
	return entry, true
}

func (q *sourceQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Orchestrator tracks every task and dispatches them to pools, one
// dispatcher goroutine per source.
type Orchestrator struct {
	mu     sync.Mutex
	tasks  map[string]*scrape.Task
	queues map[scrape.SourceID]*sourceQueue
	seq    uint64

	pools  map[scrape.SourceID]PoolRunner
	pusher ResultPusher
	quota  QuotaStatus
	health HealthStatus

	cfg    Config
	ids    scrape.IDGenerator
	clock  scrape.Clock
	logger *zap.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// New creates an Orchestrator over the given pools. The quota status may be
// nil when no metered source is configured.
func New(
	pools []PoolRunner,
	pusher ResultPusher,
	quota QuotaStatus,
	health HealthStatus,
	cfg Config,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	logger *zap.Logger,
) *Orchestrator {
	bySource := make(map[scrape.SourceID]PoolRunner, len(pools))
	queues := make(map[scrape.SourceID]*sourceQueue, len(pools))
	for _, p := range pools {
		bySource[p.Source()] = p
		queues[p.Source()] = &sourceQueue{signal: make(chan struct{}, 1)}
	}
	return &Orchestrator{
		tasks:  make(map[string]*scrape.Task),
		queues: queues,
		pools:  bySource,
		pusher: pusher,
		quota:  quota,
		health: health,
		cfg:    cfg.withDefaults(),
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// Start launches the pools and dispatchers. A pool whose scraper fails to
// initialize is disabled and logged; the other sources keep running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.runCtx, o.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Unlock()

	for source, p := range o.pools {
		if err := p.Start(o.runCtx); err != nil {
			o.logger.Error("source disabled: pool failed to start",
				zap.String("source", string(source)),
				zap.Error(err),
			)
			o.mu.Lock()
			delete(o.pools, source)
			delete(o.queues, source)
			o.mu.Unlock()
			continue
		}
		o.wg.Add(1)
		go o.dispatch(source)
	}
	return nil
}

// Stop halts dispatching and drains the pools.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	cancel := o.runCancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	var firstErr error
	for _, p := range o.pools {
		if err := p.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Submit registers a new pending task and queues it for its source.
func (o *Orchestrator) Submit(source scrape.SourceID, filters scrape.Filters, priority int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue, ok := o.queues[source]
	if !ok {
		return "", fmt.Errorf("unknown or disabled source %q", source)
	}
	id, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}

	task := &scrape.Task{
		ID:        id,
		Source:    source,
		Filters:   filters,
		Priority:  priority,
		Status:    scrape.TaskStatusPending,
		CreatedAt: o.clock.Now().UTC(),
	}
	o.tasks[id] = task
	o.seq++
	queue.push(queueEntry{taskID: id, priority: priority, seq: o.seq})

	o.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.String("source", string(source)),
		zap.Int("priority", priority),
	)
	return id, nil
}

// Cancel moves a pending task to cancelled. Running and terminal tasks
// cannot be cancelled.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, ok := o.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.Status != scrape.TaskStatusPending {
		return fmt.Errorf("task %s is %s, only pending tasks can be cancelled", taskID, task.Status)
	}
	o.finishLocked(task, scrape.TaskStatusCancelled)
	return nil
}

// Task returns a copy of the task.
func (o *Orchestrator) Task(taskID string) (scrape.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return scrape.Task{}, fmt.Errorf("task %s not found", taskID)
	}
	out := *task
	if out.Status == scrape.TaskStatusRunning && out.StartedAt != nil && o.health != nil {
		if avg := o.health.Health(out.Source).AvgLatencyMs; avg > 0 {
			est := out.StartedAt.Add(time.Duration(avg) * time.Millisecond)
			out.EstimatedCompletion = &est
		}
	}
	return out, nil
}

// SourceStatus is the per-source slice of the status report.
type SourceStatus struct {
	Source        scrape.SourceID     `json:"source"`
	PendingTasks  int                 `json:"pending_tasks"`
	QueueDepth    int                 `json:"queue_depth"`
	ActiveWorkers int                 `json:"active_workers"`
	Health        scrape.SourceHealth `json:"health"`
}

// Status is the aggregated orchestrator report.
type Status struct {
	OrchestratorRunning bool `json:"orchestrator_running"`

	TasksTotal int               `json:"tasks_total"`
	Pending    int               `json:"pending"`
	Running    int               `json:"running"`
	Completed  int               `json:"completed"`
	Failed     int               `json:"failed"`
	Cancelled  int               `json:"cancelled"`
	Sources    []SourceStatus    `json:"sources"`
	Quota      scrape.QuotaState `json:"quota"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// Status aggregates task counts, pool load, source health and quota state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	var st Status
	st.OrchestratorRunning = o.started
	st.TasksTotal = len(o.tasks)
	for _, task := range o.tasks {
		switch task.Status {
		case scrape.TaskStatusPending:
			st.Pending++
		case scrape.TaskStatusRunning:
			st.Running++
		case scrape.TaskStatusCompleted:
			st.Completed++
		case scrape.TaskStatusFailed:
			st.Failed++
		case scrape.TaskStatusCancelled:
			st.Cancelled++
		}
	}
	type poolRef struct {
		source scrape.SourceID
		pool   PoolRunner
		queue  *sourceQueue
	}
	refs := make([]poolRef, 0, len(o.pools))
	for source, p := range o.pools {
		refs = append(refs, poolRef{source: source, pool: p, queue: o.queues[source]})
	}
	o.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].source < refs[j].source })
	for _, ref := range refs {
		ss := SourceStatus{
			Source:        ref.source,
			PendingTasks:  ref.queue.len(),
			QueueDepth:    ref.pool.QueueDepth(),
			ActiveWorkers: ref.pool.ActiveWorkers(),
		}
		if o.health != nil {
			ss.Health = o.health.Health(ref.source)
		}
		st.Sources = append(st.Sources, ss)
	}
	if o.quota != nil {
		st.Quota = o.quota.Status()
	}
	if o.health != nil {
		st.Warnings = o.health.Warnings()
	}
	return st
}

// dispatch feeds one source's pool, most urgent entries first, and backs off
// while the pool pushes back.
func (o *Orchestrator) dispatch(source scrape.SourceID) {
	defer o.wg.Done()
	o.mu.Lock()
	queue := o.queues[source]
	p := o.pools[source]
	ctx := o.runCtx
	o.mu.Unlock()

	timer := time.NewTicker(o.cfg.DispatchInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-queue.signal:
		case <-timer.C:
		}

		for {
			entry, ok := queue.pop()
			if !ok {
				break
			}
			if !o.markRunning(entry.taskID) {
				// Cancelled while queued.
				continue
			}
			taskID := entry.taskID
			err := p.Submit(pool.Item{
				TaskID:  taskID,
				Filters: o.taskFilters(taskID),
				Done: func(outcome pool.Outcome) {
					o.complete(ctx, taskID, outcome)
				},
			})
			if err != nil {
				// Pool is saturated: park the task again and wait.
				o.markPendingAgain(taskID)
				queue.push(entry)
				break
			}
		}
	}
}

func (o *Orchestrator) taskFilters(taskID string) scrape.Filters {
	o.mu.Lock()
	defer o.mu.Unlock()
	if task, ok := o.tasks[taskID]; ok {
		return task.Filters
	}
	return scrape.Filters{}
}

// markRunning transitions a pending task to running. It reports false when
// the task is no longer eligible to run.
func (o *Orchestrator) markRunning(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[taskID]
	if !ok || task.Status != scrape.TaskStatusPending {
		return false
	}
	task.Status = scrape.TaskStatusRunning
	task.Progress = 0.5
	now := o.clock.Now().UTC()
	task.StartedAt = &now
	return true
}

// markPendingAgain reverts a task that never reached a pool back to pending.
// The intermediate running state was never observable outside the dispatcher.
func (o *Orchestrator) markPendingAgain(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[taskID]
	if !ok || task.Status != scrape.TaskStatusRunning {
		return
	}
	task.Status = scrape.TaskStatusPending
	task.Progress = 0
	task.StartedAt = nil
}

// complete settles a task from its pool outcome. Quota exhaustion is an
// expected outcome: the task completes with a warning and zero results.
func (o *Orchestrator) complete(ctx context.Context, taskID string, outcome pool.Outcome) {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	if task.Status.Terminal() {
		o.mu.Unlock()
		return
	}

	task.CallsUsed = outcome.CallsUsed
	switch {
	case outcome.Err == nil:
		task.JobsFound = len(outcome.Result.Jobs)
		o.finishLocked(task, scrape.TaskStatusCompleted)
	case scrape.IsQuotaExhausted(outcome.Err):
		task.Warnings = append(task.Warnings, outcome.Err.Error())
		o.finishLocked(task, scrape.TaskStatusCompleted)
	default:
		task.Errors = append(task.Errors, outcome.Err.Error())
		o.finishLocked(task, scrape.TaskStatusFailed)
	}
	source := task.Source
	o.mu.Unlock()

	if outcome.Err == nil && (len(outcome.Result.Jobs) > 0 || len(outcome.Result.Companies) > 0) {
		if err := o.pusher.Push(ctx, taskID, source, outcome.Result); err != nil {
			o.logger.Error("result push and spool both failed, batch lost",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) finishLocked(task *scrape.Task, status scrape.TaskStatus) {
	task.Status = status
	task.Progress = 1
	now := o.clock.Now().UTC()
	task.CompletedAt = &now
	metrics.ObserveTask(string(task.Source), string(status))
	o.logger.Info("task finished",
		zap.String("task_id", task.ID),
		zap.String("source", string(task.Source)),
		zap.String("status", string(status)),
		zap.Int("jobs_found", task.JobsFound),
	)
}
