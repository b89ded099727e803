package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pipeflow-io/pipeflow-engine/pkg/database"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
)

// SyncHistoryRepository provides data access for the append-only sync audit
// log. Rows are never updated after a terminal status except completion fields.
type SyncHistoryRepository interface {
	// Create inserts a pending sync attempt and fills in ID and StartedAt.
	Create(ctx context.Context, h *models.SyncHistory) error

	// MarkRunning transitions a pending attempt to running.
	MarkRunning(ctx context.Context, id uuid.UUID) error

	// Complete writes the terminal status and completion fields.
	Complete(ctx context.Context, id uuid.UUID, status string, recordsSynced, recordsFailed int, errorMessage *string) error

	// ListBySource returns the most recent attempts for a source, newest first.
	ListBySource(ctx context.Context, dataSourceID uuid.UUID, limit int) ([]*models.SyncHistory, error)

	// GetLastSyncTime returns the started_at of the most recent COMPLETED sync
	// for the source, or nil if none exists. Incremental fetches use this as
	// an exclusive lower bound: rows strictly newer than the watermark.
	GetLastSyncTime(ctx context.Context, dataSourceID uuid.UUID) (*time.Time, error)
}

type syncHistoryRepository struct {
	db *database.DB
}

// NewSyncHistoryRepository creates a new SyncHistoryRepository.
func NewSyncHistoryRepository(db *database.DB) SyncHistoryRepository {
	return &syncHistoryRepository{db: db}
}

var _ SyncHistoryRepository = (*syncHistoryRepository)(nil)

func (r *syncHistoryRepository) Create(ctx context.Context, h *models.SyncHistory) error {
	if h.Status == "" {
		h.Status = models.SyncStatusPending
	}
	if h.Metadata == nil {
		h.Metadata = map[string]any{}
	}

	query := `
		INSERT INTO engine_sync_history (data_source_id, sync_type, trigger_type, status, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, started_at`

	err := r.db.QueryRow(ctx, query,
		h.DataSourceID,
		h.SyncType,
		h.Trigger,
		h.Status,
		h.Metadata,
	).Scan(&h.ID, &h.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync history: %w", err)
	}
	return nil
}

func (r *syncHistoryRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE engine_sync_history SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.SyncStatusRunning, models.SyncStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark sync running: %w", err)
	}
	return nil
}

func (r *syncHistoryRepository) Complete(ctx context.Context, id uuid.UUID, status string, recordsSynced, recordsFailed int, errorMessage *string) error {
	query := `
		UPDATE engine_sync_history
		SET status = $2,
		    completed_at = now(),
		    duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::BIGINT,
		    records_synced = $3,
		    records_failed = $4,
		    error_message = $5
		WHERE id = $1`

	_, err := r.db.Exec(ctx, query, id, status, recordsSynced, recordsFailed, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to complete sync history: %w", err)
	}
	return nil
}

func (r *syncHistoryRepository) ListBySource(ctx context.Context, dataSourceID uuid.UUID, limit int) ([]*models.SyncHistory, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, data_source_id, sync_type, trigger_type, status,
		       started_at, completed_at, duration_ms,
		       records_synced, records_failed, error_message, metadata
		FROM engine_sync_history
		WHERE data_source_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, dataSourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	defer rows.Close()

	var history []*models.SyncHistory
	for rows.Next() {
		var h models.SyncHistory
		err := rows.Scan(
			&h.ID,
			&h.DataSourceID,
			&h.SyncType,
			&h.Trigger,
			&h.Status,
			&h.StartedAt,
			&h.CompletedAt,
			&h.DurationMs,
			&h.RecordsSynced,
			&h.RecordsFailed,
			&h.ErrorMessage,
			&h.Metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}

func (r *syncHistoryRepository) GetLastSyncTime(ctx context.Context, dataSourceID uuid.UUID) (*time.Time, error) {
	query := `
		SELECT started_at
		FROM engine_sync_history
		WHERE data_source_id = $1 AND status = $2
		ORDER BY started_at DESC
		LIMIT 1`

	var ts time.Time
	err := r.db.QueryRow(ctx, query, dataSourceID, models.SyncStatusCompleted).Scan(&ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last sync time: %w", err)
	}
	return &ts, nil
}
