package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quangdm/mediaq-be/internal/job"
)

// Storage handles all database operations for the durable queue
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS transfer_jobs (
	job_id         UUID PRIMARY KEY,
	job_type       TEXT NOT NULL,
	resource_id    TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	owner_id       TEXT NOT NULL,
	estimated_size BIGINT NOT NULL DEFAULT 0,
	source         TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL,
	retries        INT NOT NULL DEFAULT 0,
	max_retries    INT NOT NULL DEFAULT 3,
	last_error     TEXT NOT NULL DEFAULT '',
	scheduled_for  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfer_jobs_state ON transfer_jobs (state);
CREATE INDEX IF NOT EXISTS idx_transfer_jobs_project ON transfer_jobs (project_id);
`

// EnsureSchema creates the transfer_jobs table if it does not exist yet.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure transfer_jobs schema: %w", err)
	}
	return nil
}

type jobRow struct {
	JobID         string    `db:"job_id"`
	JobType       string    `db:"job_type"`
	ResourceID    string    `db:"resource_id"`
	ProjectID     string    `db:"project_id"`
	OwnerID       string    `db:"owner_id"`
	EstimatedSize int64     `db:"estimated_size"`
	Source        string    `db:"source"`
	State         string    `db:"state"`
	Retries       int       `db:"retries"`
	MaxRetries    int       `db:"max_retries"`
	LastError     string    `db:"last_error"`
	ScheduledFor  time.Time `db:"scheduled_for"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r jobRow) toJob() *job.Job {
	return &job.Job{
		ID:   r.JobID,
		Type: job.Type(r.JobType),
		Payload: job.Payload{
			ResourceID:    r.ResourceID,
			ProjectID:     r.ProjectID,
			OwnerID:       r.OwnerID,
			EstimatedSize: r.EstimatedSize,
			Source:        r.Source,
		},
		State:        job.State(r.State),
		Retries:      r.Retries,
		MaxRetries:   r.MaxRetries,
		LastError:    r.LastError,
		ScheduledFor: r.ScheduledFor,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// InsertJob persists a new job record. The write must succeed before the
// enqueue is acknowledged to the caller.
func (s *Storage) InsertJob(ctx context.Context, j *job.Job) error {
	query := `
		INSERT INTO transfer_jobs (
			job_id, job_type, resource_id, project_id, owner_id,
			estimated_size, source, state, retries, max_retries,
			last_error, scheduled_for, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		j.ID,
		j.Type,
		j.Payload.ResourceID,
		j.Payload.ProjectID,
		j.Payload.OwnerID,
		j.Payload.EstimatedSize,
		j.Payload.Source,
		j.State,
		j.Retries,
		j.MaxRetries,
		j.LastError,
		j.ScheduledFor,
		j.CreatedAt,
		j.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// UpdateJobState writes a job's mutable lifecycle fields through to the
// record.
func (s *Storage) UpdateJobState(ctx context.Context, j *job.Job) error {
	query := `
		UPDATE transfer_jobs
		SET state = $1,
		    retries = $2,
		    last_error = $3,
		    scheduled_for = $4,
		    updated_at = NOW()
		WHERE job_id = $5
	`

	result, err := s.db.ExecContext(ctx, query, j.State, j.Retries, j.LastError, j.ScheduledFor, j.ID)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return job.ErrNotFound
	}

	return nil
}

// GetJobByID retrieves a job record by its id
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*job.Job, error) {
	query := `
		SELECT job_id, job_type, resource_id, project_id, owner_id,
		       estimated_size, source, state, retries, max_retries,
		       last_error, scheduled_for, created_at, updated_at
		FROM transfer_jobs
		WHERE job_id = $1
	`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toJob(), nil
}

// JobStates resolves the current state of each id. Ids without a record are
// absent from the result; the aggregator treats those as failed.
func (s *Storage) JobStates(ctx context.Context, ids []string) (map[string]job.State, error) {
	if len(ids) == 0 {
		return map[string]job.State{}, nil
	}

	query, args, err := sqlx.In(`SELECT job_id, state FROM transfer_jobs WHERE job_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build job states query: %w", err)
	}
	query = s.db.Rebind(query)

	rows := []struct {
		JobID string `db:"job_id"`
		State string `db:"state"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select job states: %w", err)
	}

	states := make(map[string]job.State, len(rows))
	for _, r := range rows {
		states[r.JobID] = job.State(r.State)
	}
	return states, nil
}

// Snapshot returns the durable equivalent of the in-process queue status.
// Only non-terminal jobs appear in items.
func (s *Storage) Snapshot(ctx context.Context, maxItems int) (job.Snapshot, error) {
	var snap job.Snapshot

	counts := []struct {
		State string `db:"state"`
		Count int    `db:"count"`
	}{}
	err := s.db.SelectContext(ctx, &counts,
		`SELECT state, COUNT(*) AS count FROM transfer_jobs GROUP BY state`)
	if err != nil {
		return snap, fmt.Errorf("failed to count jobs: %w", err)
	}

	for _, c := range counts {
		switch job.State(c.State) {
		case job.StateQueued:
			snap.QueueLength = c.Count
		case job.StateProcessing, job.StateSending:
			snap.Processing += c.Count
		}
	}

	rows := []jobRow{}
	err = s.db.SelectContext(ctx, &rows, `
		SELECT job_id, job_type, resource_id, project_id, owner_id,
		       estimated_size, source, state, retries, max_retries,
		       last_error, scheduled_for, created_at, updated_at
		FROM transfer_jobs
		WHERE state NOT IN ($1, $2)
		ORDER BY created_at ASC
		LIMIT $3
	`, job.StateCompleted, job.StateFailed, maxItems)
	if err != nil {
		return snap, fmt.Errorf("failed to select active jobs: %w", err)
	}

	snap.Items = make([]job.Item, 0, len(rows))
	for _, r := range rows {
		j := r.toJob()
		snap.Items = append(snap.Items, job.Item{
			JobID:        j.ID,
			Type:         j.Type,
			State:        j.State,
			Retries:      j.Retries,
			ScheduledFor: j.ScheduledFor,
		})
	}

	return snap, nil
}

// ListStale returns jobs stuck in processing with no update since the
// cutoff. Recovery decides per job whether it is requeued or failed.
func (s *Storage) ListStale(ctx context.Context, cutoff time.Time) ([]*job.Job, error) {
	rows := []jobRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT job_id, job_type, resource_id, project_id, owner_id,
		       estimated_size, source, state, retries, max_retries,
		       last_error, scheduled_for, created_at, updated_at
		FROM transfer_jobs
		WHERE state = $1
		  AND updated_at < $2
		ORDER BY created_at ASC
	`, job.StateProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale jobs: %w", err)
	}

	stale := make([]*job.Job, 0, len(rows))
	for _, r := range rows {
		stale = append(stale, r.toJob())
	}
	return stale, nil
}

// DeleteTerminal archives finished work by removing terminal rows older
// than the cutoff.
func (s *Storage) DeleteTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM transfer_jobs
		WHERE state IN ($1, $2) AND updated_at < $3
	`, job.StateCompleted, job.StateFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
