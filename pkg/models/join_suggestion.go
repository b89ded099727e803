package models

import (
	"time"

	"github.com/google/uuid"
)

// JoinSuggestion is a cached join discovery result between two tables of a
// data source. Keyed by (data_source_id, schema_hash, left_table, right_table);
// a schema hash mismatch against the live schema implicitly invalidates the
// cache and suggestions are recomputed lazily.
type JoinSuggestion struct {
	ID              uuid.UUID `json:"id"`
	DataSourceID    uuid.UUID `json:"data_source_id"`
	SchemaHash      string    `json:"schema_hash"`
	LeftTable       string    `json:"left_table"`
	RightTable      string    `json:"right_table"`
	LeftColumn      string    `json:"left_column"`
	RightColumn     string    `json:"right_column"`
	ConfidenceScore float64   `json:"confidence_score"`
	Reasoning       string    `json:"reasoning"`
	CreatedAt       time.Time `json:"created_at"`
}
