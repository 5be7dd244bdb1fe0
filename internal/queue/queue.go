// Package queue implements the in-process transfer queue: FIFO scheduling
// with bounded concurrency and exponential backoff retry. It is an
// accelerator in front of the durable queue, which stays the source of
// truth for job state.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quangdm/mediaq-be/internal/events"
	"github.com/quangdm/mediaq-be/internal/job"
	"github.com/quangdm/mediaq-be/internal/metrics"
)

// Handler executes one job. Transient failures are signalled with
// job.TransientError and retried with backoff; validation failures are
// terminal immediately.
type Handler func(ctx context.Context, j *job.Job) error

// Emitter receives lifecycle events for fan-out. The events.Manager
// satisfies it.
type Emitter interface {
	Emit(name string, data events.Data)
}

// TransitionFunc observes every job state change, outside the queue lock.
// The API service uses it to write state through to the durable queue.
type TransitionFunc func(j *job.Job)

// Config holds queue configuration
type Config struct {
	MaxWorkers  int
	MaxRetries  int
	Tick        time.Duration
	BaseBackoff time.Duration
}

type entry struct {
	seq uint64
	j   *job.Job
}

// Queue is a single-process FIFO job queue with a bounded worker pool.
// The queue exclusively owns its job registry; external code interacts
// only through Enqueue, Submit and Status.
type Queue struct {
	cfg          Config
	handler      Handler
	emitter      Emitter
	onTransition TransitionFunc
	logger       *slog.Logger

	mu      sync.Mutex
	nextSeq uint64
	jobs    map[string]*entry
	pending []*entry

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a queue. emitter and onTransition may be nil.
func New(cfg Config, handler Handler, emitter Emitter, onTransition TransitionFunc, logger *slog.Logger) *Queue {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 250 * time.Millisecond
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}

	return &Queue{
		cfg:          cfg,
		handler:      handler,
		emitter:      emitter,
		onTransition: onTransition,
		logger:       logger,
		jobs:         make(map[string]*entry),
		sem:          semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		stopCh:       make(chan struct{}),
	}
}

// Enqueue validates the payload, appends a queued job and returns its id
// synchronously. It never blocks on the work itself.
func (q *Queue) Enqueue(jobType job.Type, payload job.Payload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}

	j := job.New(jobType, payload, q.cfg.MaxRetries)
	if err := q.Submit(j); err != nil {
		return "", err
	}
	return j.ID, nil
}

// Submit appends an already-built job record, preserving its id. Used when
// the durable queue has created the record first.
func (q *Queue) Submit(j *job.Job) error {
	if err := j.Payload.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	q.nextSeq++
	e := &entry{seq: q.nextSeq, j: j}
	q.jobs[j.ID] = e
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	q.logger.Info("Job enqueued",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
		slog.String("project_id", j.Payload.ProjectID),
	)

	if q.emitter != nil {
		q.emitter.Emit(events.EventProcessingAdded, events.Data{
			ProjectID: j.Payload.ProjectID,
			Fields: map[string]any{
				"job_id":   j.ID,
				"job_type": string(j.Type),
			},
		})
	}

	return nil
}

// Status returns a non-blocking snapshot of the queue. Only live jobs
// appear in items; terminal outcomes are kept by the durable record.
func (q *Queue) Status() job.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := job.Snapshot{
		QueueLength: len(q.pending),
		MaxWorkers:  q.cfg.MaxWorkers,
		Items:       make([]job.Item, 0, len(q.jobs)),
	}

	for _, e := range q.jobs {
		if e.j.State == job.StateProcessing {
			snap.Processing++
		}
		snap.Items = append(snap.Items, job.Item{
			JobID:        e.j.ID,
			Type:         e.j.Type,
			State:        e.j.State,
			Retries:      e.j.Retries,
			ScheduledFor: e.j.ScheduledFor,
		})
	}
	snap.Workers = snap.Processing

	return snap
}

// Start launches the dispatch loop.
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

// Stop halts dispatch and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.fill(ctx)
			q.observe()
		}
	}
}

// observe refreshes the depth gauges once per tick.
func (q *Queue) observe() {
	q.mu.Lock()
	pending := len(q.pending)
	processing := 0
	for _, e := range q.jobs {
		if e.j.State == job.StateProcessing {
			processing++
		}
	}
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues("queued").Set(float64(pending))
	metrics.QueueDepth.WithLabelValues("processing").Set(float64(processing))
}

// fill hands eligible jobs to workers until either the pool is saturated
// or nothing is eligible.
func (q *Queue) fill(ctx context.Context) {
	for {
		if !q.sem.TryAcquire(1) {
			return
		}

		e := q.takeEligible()
		if e == nil {
			q.sem.Release(1)
			return
		}

		q.wg.Add(1)
		go q.execute(ctx, e)
	}
}

// takeEligible removes and returns the earliest-inserted pending job whose
// schedule has arrived. FIFO ties break by insertion sequence, which bounds
// starvation.
func (q *Queue) takeEligible() *entry {
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, e := range q.pending {
		if e.j.ScheduledFor.After(now) {
			continue
		}
		if best == -1 || e.seq < q.pending[best].seq {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	e := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	e.j.State = job.StateProcessing
	e.j.UpdatedAt = now
	return e
}

func (q *Queue) execute(ctx context.Context, e *entry) {
	defer q.wg.Done()
	defer q.sem.Release(1)

	j := e.j
	q.transition(j)

	err := q.handler(ctx, j)
	if err == nil {
		q.complete(e)
		return
	}

	if job.IsValidation(err) {
		// Bad input never heals; retrying would burn the budget for nothing.
		q.fail(e, err)
		return
	}

	q.retryOrFail(e, err)
}

func (q *Queue) complete(e *entry) {
	j := e.j

	q.mu.Lock()
	j.State = job.StateCompleted
	j.UpdatedAt = time.Now().UTC()
	delete(q.jobs, j.ID)
	q.mu.Unlock()

	q.logger.Info("Job completed",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
	)

	metrics.JobsProcessed.WithLabelValues(string(j.Type), "completed").Inc()

	q.transition(j)
	q.emitOutcome(j, "completed")
}

func (q *Queue) retryOrFail(e *entry, cause error) {
	j := e.j
	now := time.Now().UTC()

	q.mu.Lock()
	j.Retries++
	j.LastError = cause.Error()
	j.UpdatedAt = now

	if j.Retries > j.MaxRetries {
		j.State = job.StateFailed
		// Terminal jobs leave the registry; the durable record keeps the
		// outcome for status queries.
		delete(q.jobs, j.ID)
		q.mu.Unlock()

		q.logger.Warn("Job exceeded max retries",
			slog.String("job_id", j.ID),
			slog.Int("retries", j.Retries),
			slog.Int("max_retries", j.MaxRetries),
			slog.String("error", cause.Error()),
		)

		metrics.JobsProcessed.WithLabelValues(string(j.Type), "failed").Inc()

		q.transition(j)
		q.emitOutcome(j, "failed")
		return
	}

	j.State = job.StateQueued
	j.ScheduledFor = now.Add(q.backoff(j.Retries))
	// Re-insert with the original sequence so the retried job keeps its
	// place among equally-eligible jobs.
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	q.logger.Info("Job scheduled for retry",
		slog.String("job_id", j.ID),
		slog.Int("retries", j.Retries),
		slog.Time("scheduled_for", j.ScheduledFor),
		slog.String("error", cause.Error()),
	)

	metrics.JobsProcessed.WithLabelValues(string(j.Type), "retried").Inc()

	q.transition(j)
}

func (q *Queue) fail(e *entry, cause error) {
	j := e.j

	q.mu.Lock()
	j.State = job.StateFailed
	j.LastError = cause.Error()
	j.UpdatedAt = time.Now().UTC()
	delete(q.jobs, j.ID)
	q.mu.Unlock()

	q.logger.Error("Job failed",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
		slog.String("error", cause.Error()),
	)

	metrics.JobsProcessed.WithLabelValues(string(j.Type), "failed").Inc()

	q.transition(j)
	q.emitOutcome(j, "failed")
}

// backoff is exponential in the retry count: base * 2^(retries-1).
func (q *Queue) backoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	return q.cfg.BaseBackoff * time.Duration(uint(1)<<uint(retries-1))
}

func (q *Queue) transition(j *job.Job) {
	if q.onTransition != nil {
		q.onTransition(j)
	}
}

func (q *Queue) emitOutcome(j *job.Job, state string) {
	if q.emitter == nil {
		return
	}
	q.emitter.Emit(events.EventProcessingCompleted, events.Data{
		ProjectID: j.Payload.ProjectID,
		Fields: map[string]any{
			"job_id":   j.ID,
			"job_type": string(j.Type),
			"state":    state,
		},
	})
}
