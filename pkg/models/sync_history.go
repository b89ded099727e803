package models

import (
	"time"

	"github.com/google/uuid"
)

// Sync type constants.
const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
)

// Sync trigger constants.
const (
	SyncTriggerManual    = "manual"
	SyncTriggerScheduled = "scheduled"
)

// Sync status constants. Transitions follow
// pending -> running -> {completed, failed, partial, cancelled}.
const (
	SyncStatusPending   = "pending"
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
	SyncStatusPartial   = "partial"
	SyncStatusCancelled = "cancelled"
)

// SyncHistory is one row per sync attempt. Append-only: after a terminal
// status only completion fields are ever written.
type SyncHistory struct {
	ID            uuid.UUID      `json:"id"`
	DataSourceID  uuid.UUID      `json:"data_source_id"`
	SyncType      string         `json:"sync_type"`
	Trigger       string         `json:"trigger"`
	Status        string         `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	RecordsSynced int            `json:"records_synced"`
	RecordsFailed int            `json:"records_failed"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the sync reached a final status.
func (h *SyncHistory) Terminal() bool {
	switch h.Status {
	case SyncStatusCompleted, SyncStatusFailed, SyncStatusPartial, SyncStatusCancelled:
		return true
	}
	return false
}
