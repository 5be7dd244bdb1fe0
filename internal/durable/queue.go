// Package durable implements the database-backed transfer queue. Every
// mutation is written through to PostgreSQL before being acknowledged, so
// queue state survives a process restart. On disagreement with the
// in-process queue, the durable record wins.
package durable

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quangdm/mediaq-be/internal/job"
)

// Config holds durable queue configuration
type Config struct {
	MaxRetries int
	MaxWorkers int // advertised in status snapshots; workers run elsewhere
	StaleAfter time.Duration
	MaxItems   int // cap on items returned by Status
}

// jobStore is the persistence surface the queue needs. *Storage implements
// it over PostgreSQL.
type jobStore interface {
	InsertJob(ctx context.Context, j *job.Job) error
	UpdateJobState(ctx context.Context, j *job.Job) error
	GetJobByID(ctx context.Context, jobID string) (*job.Job, error)
	Snapshot(ctx context.Context, maxItems int) (job.Snapshot, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*job.Job, error)
	DeleteTerminal(ctx context.Context, cutoff time.Time) (int64, error)
	JobStates(ctx context.Context, ids []string) (map[string]job.State, error)
}

// Queue is the durable mirror of the in-process transfer queue. It shares
// the enqueue/status surface but holds no workers of its own: the local
// pool or a remote consumer drains it.
type Queue struct {
	cfg     Config
	storage jobStore
	logger  *slog.Logger
}

// NewQueue creates a durable queue over the given storage.
func NewQueue(cfg Config, storage jobStore, logger *slog.Logger) *Queue {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 100
	}

	return &Queue{
		cfg:     cfg,
		storage: storage,
		logger:  logger,
	}
}

// Enqueue validates the payload, persists a queued job and returns it.
// The insert completes before the caller is acknowledged: a crash after
// Enqueue returns can no longer lose the job.
func (q *Queue) Enqueue(ctx context.Context, jobType job.Type, payload job.Payload) (*job.Job, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	j := job.New(jobType, payload, q.cfg.MaxRetries)
	if err := q.storage.InsertJob(ctx, j); err != nil {
		return nil, err
	}

	q.logger.Info("Job persisted",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(jobType)),
		slog.String("project_id", payload.ProjectID),
		slog.String("source", payload.Source),
	)

	return j, nil
}

// Status returns the durable queue snapshot. This is the view status pages
// trust; the in-process queue is an optimization layer, not a second
// source of truth.
func (q *Queue) Status(ctx context.Context) (job.Snapshot, error) {
	snap, err := q.storage.Snapshot(ctx, q.cfg.MaxItems)
	if err != nil {
		return job.Snapshot{}, err
	}
	snap.MaxWorkers = q.cfg.MaxWorkers
	return snap, nil
}

// Recover requeues jobs abandoned mid-processing by a crashed process.
// Called once on startup. Each recovery costs one retry; jobs out of
// budget go terminal instead of looping forever through recovery.
func (q *Queue) Recover(ctx context.Context) error {
	now := time.Now().UTC()
	stale, err := q.storage.ListStale(ctx, now.Add(-q.cfg.StaleAfter))
	if err != nil {
		return err
	}

	recovered := 0
	for _, j := range stale {
		j.Retries++
		j.LastError = "abandoned by crashed worker"
		j.ScheduledFor = now
		j.UpdatedAt = now
		if j.Retries > j.MaxRetries {
			j.State = job.StateFailed
		} else {
			j.State = job.StateQueued
		}

		if err := q.storage.UpdateJobState(ctx, j); err != nil {
			return fmt.Errorf("failed to recover job %s: %w", j.ID, err)
		}
		recovered++
	}

	if recovered > 0 {
		q.logger.Info("Recovered abandoned jobs",
			slog.Int("count", recovered),
			slog.Duration("stale_after", q.cfg.StaleAfter),
		)
	}

	return nil
}

// Prune deletes terminal records older than retain. Completed and failed
// jobs are kept for status queries, not forever.
func (q *Queue) Prune(ctx context.Context, retain time.Duration) error {
	cutoff := time.Now().UTC().Add(-retain)
	n, err := q.storage.DeleteTerminal(ctx, cutoff)
	if err != nil {
		return err
	}

	if n > 0 {
		q.logger.Info("Pruned finished jobs",
			slog.Int64("count", n),
			slog.Duration("retain", retain),
		)
	}

	return nil
}

// WriteThrough mirrors an in-process state transition into the durable
// record. It is installed as the local queue's transition callback.
// Failures are logged, not propagated: the local execution must not stall
// on a status write, and recovery will reconcile on the next start.
func (q *Queue) WriteThrough(j *job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.storage.UpdateJobState(ctx, j); err != nil {
		q.logger.Error("Failed to write job state through to durable queue",
			slog.String("job_id", j.ID),
			slog.String("state", string(j.State)),
			slog.Any("error", err),
		)
	}
}

// MarkOutcome records an outcome reported by a remote consumer. Terminal
// records are left alone so a redelivered completion never regresses state.
func (q *Queue) MarkOutcome(ctx context.Context, jobID string, state job.State, lastError string) error {
	j, err := q.storage.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}

	j.State = state
	j.LastError = lastError
	j.UpdatedAt = time.Now().UTC()
	return q.storage.UpdateJobState(ctx, j)
}

// JobStates exposes the storage lookup for the transfer status aggregator.
func (q *Queue) JobStates(ctx context.Context, ids []string) (map[string]job.State, error) {
	return q.storage.JobStates(ctx, ids)
}
