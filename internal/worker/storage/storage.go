package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/quangdm/mediaq-be/internal/job"
	"github.com/quangdm/mediaq-be/internal/worker/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS media_items (
	id                TEXT PRIMARY KEY,
	storage_key       TEXT NOT NULL UNIQUE,
	project_id        TEXT NOT NULL,
	owner_id          TEXT NOT NULL,
	content_type      TEXT NOT NULL DEFAULT '',
	size_bytes        BIGINT NOT NULL DEFAULT 0,
	analysis_state    TEXT NOT NULL DEFAULT 'PENDING',
	analysis_attempts INT NOT NULL DEFAULT 0,
	labels            TEXT NOT NULL DEFAULT '[]',
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_media_items_project ON media_items (project_id);
CREATE INDEX IF NOT EXISTS idx_media_items_state ON media_items (analysis_state);
`

// Storage handles all database operations for the consumer
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

// EnsureSchema creates the media_items table when it does not exist yet.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure media_items schema: %w", err)
	}
	return nil
}

type mediaRow struct {
	ID               string `db:"id"`
	StorageKey       string `db:"storage_key"`
	ProjectID        string `db:"project_id"`
	OwnerID          string `db:"owner_id"`
	ContentType      string `db:"content_type"`
	SizeBytes        int64  `db:"size_bytes"`
	AnalysisState    string `db:"analysis_state"`
	AnalysisAttempts int    `db:"analysis_attempts"`
	Labels           string `db:"labels"`
	LastError        string `db:"last_error"`
}

func (r mediaRow) toItem() *domain.MediaItem {
	return &domain.MediaItem{
		ID:               r.ID,
		StorageKey:       r.StorageKey,
		ProjectID:        r.ProjectID,
		OwnerID:          r.OwnerID,
		ContentType:      r.ContentType,
		SizeBytes:        r.SizeBytes,
		AnalysisState:    r.AnalysisState,
		AnalysisAttempts: r.AnalysisAttempts,
		Labels:           r.Labels,
		LastError:        r.LastError,
	}
}

// GetByStorageKey retrieves a media item by its storage key
func (s *Storage) GetByStorageKey(ctx context.Context, storageKey string) (*domain.MediaItem, error) {
	query := `
		SELECT id, storage_key, project_id, owner_id, content_type, size_bytes,
		       analysis_state, analysis_attempts, labels, last_error
		FROM media_items
		WHERE storage_key = $1
	`

	var row mediaRow
	if err := s.db.GetContext(ctx, &row, query, storageKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("media item %s: %w", storageKey, job.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get media item: %w", err)
	}

	return row.toItem(), nil
}

// IncrementAttempts bumps the analysis attempt counter and marks the item
// running. Returns the new attempt count.
func (s *Storage) IncrementAttempts(ctx context.Context, storageKey string) (int, error) {
	query := `
		UPDATE media_items
		SET analysis_attempts = analysis_attempts + 1,
		    analysis_state = $1,
		    updated_at = NOW()
		WHERE storage_key = $2
		RETURNING analysis_attempts
	`

	var attempts int
	if err := s.db.QueryRowContext(ctx, query, domain.AnalysisRunning, storageKey).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("media item %s: %w", storageKey, job.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return attempts, nil
}

// MarkAnalyzed records a successful analysis with its labels.
func (s *Storage) MarkAnalyzed(ctx context.Context, storageKey string, labels []string) error {
	if labels == nil {
		labels = []string{}
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	query := `
		UPDATE media_items
		SET analysis_state = $1,
		    labels = $2,
		    last_error = '',
		    updated_at = NOW()
		WHERE storage_key = $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.AnalysisDone, string(encoded), storageKey)
	if err != nil {
		return fmt.Errorf("failed to mark item analyzed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("media item %s: %w", storageKey, job.ErrNotFound)
	}
	return nil
}

// MarkAnalysisFailed records a failed analysis attempt with its reason.
func (s *Storage) MarkAnalysisFailed(ctx context.Context, storageKey, reason string) error {
	query := `
		UPDATE media_items
		SET analysis_state = $1,
		    last_error = $2,
		    updated_at = NOW()
		WHERE storage_key = $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.AnalysisFailed, reason, storageKey)
	if err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("media item %s: %w", storageKey, job.ErrNotFound)
	}
	return nil
}
