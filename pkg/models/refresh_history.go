package models

import (
	"time"

	"github.com/google/uuid"
)

// Refresh trigger constants.
const (
	RefreshTriggerManual    = "manual"
	RefreshTriggerScheduled = "scheduled"
	RefreshTriggerCascade   = "cascade" // Underlying data source just completed a sync
)

// RefreshHistory is one row per data model refresh attempt. Append-only.
// Actor and source foreign keys null out when the referenced row is deleted;
// the data model reference cascades.
type RefreshHistory struct {
	ID              uuid.UUID  `json:"id"`
	DataModelID     uuid.UUID  `json:"data_model_id"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMs      *int64     `json:"duration_ms,omitempty"`
	RowsBefore      int64      `json:"rows_before"`
	RowsAfter       int64      `json:"rows_after"`
	RowsChanged     int64      `json:"rows_changed"`
	TriggeredBy     string     `json:"triggered_by"`
	TriggerUserID   *uuid.UUID `json:"trigger_user_id,omitempty"`
	TriggerSourceID *uuid.UUID `json:"trigger_source_id,omitempty"`
	Reason          *string    `json:"reason,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	ErrorStack      *string    `json:"error_stack,omitempty"`
	QueryText       string     `json:"query_text"` // The exact SQL executed
}
