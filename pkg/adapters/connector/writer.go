package connector

import (
	"context"

	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// tableWriter accumulates rows for one target table and flushes them in
// batches. A failed batch is counted, not fatal; the caller decides whether
// the run was partial or failed from the final counts.
type tableWriter struct {
	store     store.Store
	schema    string
	table     string
	columns   []store.ColumnDef
	batchSize int
	cancelled func() bool
	logger    *zap.Logger

	pending [][]any
	synced  int64
	failed  int64
	lastErr error
}

func newTableWriter(s store.Store, req *SyncRequest, table string, columns []store.ColumnDef, logger *zap.Logger) *tableWriter {
	batchSize := req.BatchSize
	if batchSize < 1 {
		batchSize = 1000
	}
	cancelled := req.Cancelled
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &tableWriter{
		store:     s,
		schema:    req.SchemaName,
		table:     table,
		columns:   columns,
		batchSize: batchSize,
		cancelled: cancelled,
		logger:    logger,
	}
}

// begin creates the target table. Full syncs truncate before the first batch
// so a re-run replaces rather than appends.
func (w *tableWriter) begin(ctx context.Context, truncate bool) error {
	if err := w.store.EnsureTable(ctx, w.schema, w.table, w.columns); err != nil {
		return err
	}
	if truncate {
		return w.store.TruncateTable(ctx, w.schema, w.table)
	}
	return nil
}

// clearRange deletes the stored rows of a date window before an incremental
// report sync re-inserts it. The fetch window starts at the watermark date,
// so without the delete a re-run would append the same days again.
func (w *tableWriter) clearRange(ctx context.Context, column string, from, to any) error {
	return w.store.DeleteRows(ctx, w.schema, w.table, column, from, to)
}

// partial reports the counts committed so far, for the history row of a run
// that dies mid-fetch.
func (w *tableWriter) partial() *SyncResult {
	return &SyncResult{RecordsSynced: w.synced, RecordsFailed: w.failed}
}

// add buffers one row and flushes when a full batch is ready. Returns
// ErrCancelled when cancellation was observed at a batch boundary.
func (w *tableWriter) add(ctx context.Context, row []any) error {
	w.pending = append(w.pending, row)
	if len(w.pending) >= w.batchSize {
		return w.flush(ctx)
	}
	return nil
}

// flush writes the pending batch. Cancellation is checked here, at the batch
// boundary, never mid-batch.
func (w *tableWriter) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	if w.cancelled() {
		return apperrors.ErrCancelled
	}

	names := make([]string, len(w.columns))
	for i, c := range w.columns {
		names[i] = c.Name
	}

	batch := w.pending
	w.pending = nil

	if err := w.store.InsertRows(ctx, w.schema, w.table, names, batch); err != nil {
		w.failed += int64(len(batch))
		w.lastErr = err
		w.logger.Warn("batch write failed",
			zap.String("table", w.table),
			zap.Int("rows", len(batch)),
			zap.Error(err))
		return nil
	}
	w.synced += int64(len(batch))
	return nil
}
