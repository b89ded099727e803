// Package connector holds one adapter per external source type behind a flat
// capability interface. Variants: relational (direct query pull), document
// store (batched cursor pull), file based (one-shot parse of an uploaded
// artifact), and OAuth marketing APIs.
package connector

import (
	"context"
	"time"

	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// TableSchema describes the column set a connector materializes for one table.
type TableSchema struct {
	Name    string            `json:"name"`
	Columns []store.ColumnDef `json:"columns"`
}

// SyncRequest carries everything a connector needs for one sync run.
// ConnectionDetails on the data source are already decrypted.
type SyncRequest struct {
	DataSource *models.DataSource

	// SchemaName is the unified store schema the tables land in.
	SchemaName string

	// BatchSize is the number of rows per insert batch.
	BatchSize int

	// Incremental limits the fetch to rows newer than Since. Connectors that
	// do not support watermarking ignore both and perform a full sync.
	Incremental bool
	Since       *time.Time

	// Cancelled is polled at batch boundaries. When it returns true the
	// connector stops after the current batch and returns ErrCancelled.
	Cancelled func() bool
}

// SyncedTable reports one physical table the sync materialized.
type SyncedTable struct {
	PhysicalName      string
	LogicalName       string
	TableType         string
	OriginalSheetName *string
	FileID            *string
	Columns           []store.ColumnDef
}

// SyncResult reports the outcome of a sync run. RecordsFailed > 0 with
// RecordsSynced > 0 means the run was partial.
type SyncResult struct {
	RecordsSynced int64
	RecordsFailed int64
	Tables        []SyncedTable
}

// Connector is the uniform contract every source adapter implements.
type Connector interface {
	// Type returns the source type this connector handles.
	Type() string

	// Authenticate validates or refreshes credentials. OAuth variants exchange
	// the refresh token for a fresh access token. Fails with AuthError when
	// credentials are invalid or revoked.
	Authenticate(ctx context.Context, details map[string]any) error

	// GetSchema describes the column set that would be materialized, used to
	// populate table metadata and validate data model column references.
	GetSchema(ctx context.Context, details map[string]any) ([]TableSchema, error)

	// SupportsIncremental reports whether this connector can watermark fetches
	// for the given connection details.
	SupportsIncremental(details map[string]any) bool

	// SyncToDatabase fetches rows and writes them into the unified store in
	// batches. Full mode replaces the target tables' content; incremental mode
	// appends rows newer than the watermark.
	SyncToDatabase(ctx context.Context, req *SyncRequest) (*SyncResult, error)
}
