package models

import (
	"time"

	"github.com/google/uuid"
)

// Table type constants for synced tables.
const (
	TableTypeTable  = "table"  // Relational table pulled as-is
	TableTypeSheet  = "sheet"  // One worksheet of an uploaded workbook
	TableTypeFile   = "file"   // One-shot parse of an uploaded artifact (PDF)
	TableTypeReport = "report" // Materialized marketing API report
)

// TableMetadata maps a physical table materialized in the unified store to a
// stable logical name, independent of how the source named it (sheet names,
// file IDs, report dimensions). Physical identity is unique per
// (data_source_id, schema_name, physical_name); logical names need not be
// unique.
type TableMetadata struct {
	ID                uuid.UUID `json:"id"`
	DataSourceID      uuid.UUID `json:"data_source_id"`
	SchemaName        string    `json:"schema_name"`
	PhysicalName      string    `json:"physical_name"`
	LogicalName       string    `json:"logical_name"`
	OriginalSheetName *string   `json:"original_sheet_name,omitempty"`
	FileID            *string   `json:"file_id,omitempty"`
	TableType         string    `json:"table_type"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Qualified returns the schema-qualified physical name for display and
// diagnostics. Not safe for SQL emission; the compiler quotes identifiers
// itself.
func (m *TableMetadata) Qualified() string {
	if m.SchemaName == "" {
		return m.PhysicalName
	}
	return m.SchemaName + "." + m.PhysicalName
}
