package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pipeflow-io/pipeflow-engine/pkg/database"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
)

// RefreshHistoryRepository provides data access for the append-only data
// model refresh audit log.
type RefreshHistoryRepository interface {
	// Create inserts a refresh attempt in refreshing state and fills in ID and
	// StartedAt.
	Create(ctx context.Context, h *models.RefreshHistory) error

	// Complete writes the terminal status, row deltas and error detail.
	Complete(ctx context.Context, h *models.RefreshHistory) error

	// ListByModel returns the most recent attempts for a model, newest first.
	ListByModel(ctx context.Context, dataModelID uuid.UUID, limit int) ([]*models.RefreshHistory, error)
}

type refreshHistoryRepository struct {
	db *database.DB
}

// NewRefreshHistoryRepository creates a new RefreshHistoryRepository.
func NewRefreshHistoryRepository(db *database.DB) RefreshHistoryRepository {
	return &refreshHistoryRepository{db: db}
}

var _ RefreshHistoryRepository = (*refreshHistoryRepository)(nil)

func (r *refreshHistoryRepository) Create(ctx context.Context, h *models.RefreshHistory) error {
	if h.Status == "" {
		h.Status = models.RefreshStatusRefreshing
	}

	query := `
		INSERT INTO engine_data_model_refresh_history (
			data_model_id, status, rows_before, triggered_by,
			trigger_user_id, trigger_source_id, reason, query_text
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, started_at`

	err := r.db.QueryRow(ctx, query,
		h.DataModelID,
		h.Status,
		h.RowsBefore,
		h.TriggeredBy,
		h.TriggerUserID,
		h.TriggerSourceID,
		h.Reason,
		h.QueryText,
	).Scan(&h.ID, &h.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh history: %w", err)
	}
	return nil
}

func (r *refreshHistoryRepository) Complete(ctx context.Context, h *models.RefreshHistory) error {
	query := `
		UPDATE engine_data_model_refresh_history
		SET status = $2,
		    completed_at = now(),
		    duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::BIGINT,
		    rows_after = $3,
		    rows_changed = $4,
		    error_message = $5,
		    error_stack = $6,
		    query_text = $7
		WHERE id = $1`

	_, err := r.db.Exec(ctx, query,
		h.ID, h.Status, h.RowsAfter, h.RowsChanged, h.ErrorMessage, h.ErrorStack, h.QueryText)
	if err != nil {
		return fmt.Errorf("failed to complete refresh history: %w", err)
	}
	return nil
}

func (r *refreshHistoryRepository) ListByModel(ctx context.Context, dataModelID uuid.UUID, limit int) ([]*models.RefreshHistory, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, data_model_id, status, started_at, completed_at, duration_ms,
		       rows_before, rows_after, rows_changed, triggered_by,
		       trigger_user_id, trigger_source_id, reason, error_message, error_stack, query_text
		FROM engine_data_model_refresh_history
		WHERE data_model_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, dataModelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh history: %w", err)
	}
	defer rows.Close()

	var history []*models.RefreshHistory
	for rows.Next() {
		var h models.RefreshHistory
		err := rows.Scan(
			&h.ID,
			&h.DataModelID,
			&h.Status,
			&h.StartedAt,
			&h.CompletedAt,
			&h.DurationMs,
			&h.RowsBefore,
			&h.RowsAfter,
			&h.RowsChanged,
			&h.TriggeredBy,
			&h.TriggerUserID,
			&h.TriggerSourceID,
			&h.Reason,
			&h.ErrorMessage,
			&h.ErrorStack,
			&h.QueryText,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refresh history: %w", err)
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}
