package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pipeflow-io/pipeflow-engine/pkg/database"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
)

// JoinSuggestionRepository caches join discovery results per schema hash.
// A hash mismatch against the live schema means the cached rows are stale and
// will be replaced on the next discovery run.
type JoinSuggestionRepository interface {
	// ListForHash returns cached suggestions for the source at a schema hash.
	ListForHash(ctx context.Context, dataSourceID uuid.UUID, schemaHash string) ([]*models.JoinSuggestion, error)

	// ReplaceForSource drops all cached suggestions for the source and inserts
	// the new set atomically.
	ReplaceForSource(ctx context.Context, dataSourceID uuid.UUID, suggestions []*models.JoinSuggestion) error
}

type joinSuggestionRepository struct {
	db *database.DB
}

// NewJoinSuggestionRepository creates a new JoinSuggestionRepository.
func NewJoinSuggestionRepository(db *database.DB) JoinSuggestionRepository {
	return &joinSuggestionRepository{db: db}
}

var _ JoinSuggestionRepository = (*joinSuggestionRepository)(nil)

func (r *joinSuggestionRepository) ListForHash(ctx context.Context, dataSourceID uuid.UUID, schemaHash string) ([]*models.JoinSuggestion, error) {
	query := `
		SELECT id, data_source_id, schema_hash, left_table, right_table,
		       left_column, right_column, confidence_score, reasoning, created_at
		FROM engine_join_suggestions
		WHERE data_source_id = $1 AND schema_hash = $2
		ORDER BY confidence_score DESC, left_table, right_table`

	rows, err := r.db.Query(ctx, query, dataSourceID, schemaHash)
	if err != nil {
		return nil, fmt.Errorf("failed to list join suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []*models.JoinSuggestion
	for rows.Next() {
		var s models.JoinSuggestion
		err := rows.Scan(
			&s.ID,
			&s.DataSourceID,
			&s.SchemaHash,
			&s.LeftTable,
			&s.RightTable,
			&s.LeftColumn,
			&s.RightColumn,
			&s.ConfidenceScore,
			&s.Reasoning,
			&s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan join suggestion: %w", err)
		}
		suggestions = append(suggestions, &s)
	}
	return suggestions, rows.Err()
}

func (r *joinSuggestionRepository) ReplaceForSource(ctx context.Context, dataSourceID uuid.UUID, suggestions []*models.JoinSuggestion) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if _, err := tx.Exec(ctx, `DELETE FROM engine_join_suggestions WHERE data_source_id = $1`, dataSourceID); err != nil {
		return fmt.Errorf("failed to clear join suggestions: %w", err)
	}

	for _, s := range suggestions {
		err := tx.QueryRow(ctx, `
			INSERT INTO engine_join_suggestions (
				data_source_id, schema_hash, left_table, right_table,
				left_column, right_column, confidence_score, reasoning
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at`,
			s.DataSourceID, s.SchemaHash, s.LeftTable, s.RightTable,
			s.LeftColumn, s.RightColumn, s.ConfidenceScore, s.Reasoning,
		).Scan(&s.ID, &s.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert join suggestion: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
