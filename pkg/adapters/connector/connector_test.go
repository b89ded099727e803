package connector

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// fakeStore is an in-memory Store for connector tests.
type fakeStore struct {
	mu        sync.Mutex
	tables    map[string][][]any
	columns   map[string][]string
	truncated map[string]int
	failNext  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tables:    make(map[string][][]any),
		columns:   make(map[string][]string),
		truncated: make(map[string]int),
	}
}

func (f *fakeStore) EnsureTable(_ context.Context, _, table string, columns []store.ColumnDef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[table]; !ok {
		f.tables[table] = nil
	}
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	f.columns[table] = names
	return nil
}

func (f *fakeStore) InsertRows(_ context.Context, _, table string, _ []string, rows [][]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("simulated write failure")
	}
	f.tables[table] = append(f.tables[table], rows...)
	return nil
}

func (f *fakeStore) TruncateTable(_ context.Context, _, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = nil
	f.truncated[table]++
	return nil
}

func (f *fakeStore) DeleteRows(_ context.Context, _, table, column string, from, to any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := -1
	for i, name := range f.columns[table] {
		if name == column {
			idx = i
		}
	}
	if idx < 0 {
		return nil
	}
	lo, hi := fmt.Sprint(from), fmt.Sprint(to)
	var kept [][]any
	for _, row := range f.tables[table] {
		if v := fmt.Sprint(row[idx]); v >= lo && v <= hi {
			continue
		}
		kept = append(kept, row)
	}
	f.tables[table] = kept
	return nil
}

func (f *fakeStore) DropTable(_ context.Context, _, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, table)
	return nil
}

func (f *fakeStore) Query(context.Context, string, []any) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeStore) CountRows(_ context.Context, _, table string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.tables[table])), nil
}

func (f *fakeStore) ListColumns(_ context.Context, _, table string) ([]store.ColumnDef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var defs []store.ColumnDef
	for _, name := range f.columns[table] {
		defs = append(defs, store.ColumnDef{Name: name, Type: "text"})
	}
	return defs, nil
}

func (f *fakeStore) rowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func TestRegistry_GetAndTypes(t *testing.T) {
	r := NewRegistry()
	r.Register(NewExcelConnector(newFakeStore(), zap.NewNop()))

	c, err := r.Get(models.SourceTypeExcel)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if c.Type() != models.SourceTypeExcel {
		t.Errorf("wrong connector type %s", c.Type())
	}

	if _, err := r.Get("nonexistent"); err == nil {
		t.Error("expected error for unregistered type")
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r := NewRegistry()
	r.Register(NewExcelConnector(newFakeStore(), zap.NewNop()))
	r.Register(NewExcelConnector(newFakeStore(), zap.NewNop()))
}

func TestTableWriter_BatchesAndCounts(t *testing.T) {
	fs := newFakeStore()
	req := &SyncRequest{BatchSize: 10, SchemaName: "public"}
	cols := []store.ColumnDef{{Name: "a"}, {Name: "b"}}

	w := newTableWriter(fs, req, "t1", cols, zap.NewNop())
	if err := w.begin(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 25; i++ {
		if err := w.add(context.Background(), []any{i, i * 2}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if w.synced != 25 {
		t.Errorf("expected 25 synced, got %d", w.synced)
	}
	if fs.rowCount("t1") != 25 {
		t.Errorf("expected 25 stored rows, got %d", fs.rowCount("t1"))
	}
}

func TestTableWriter_CountsFailedBatch(t *testing.T) {
	fs := newFakeStore()
	req := &SyncRequest{BatchSize: 5}
	cols := []store.ColumnDef{{Name: "a"}}

	w := newTableWriter(fs, req, "t1", cols, zap.NewNop())
	if err := w.begin(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	fs.failNext = true
	for i := 0; i < 10; i++ {
		if err := w.add(context.Background(), []any{i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if w.failed != 5 {
		t.Errorf("expected 5 failed, got %d", w.failed)
	}
	if w.synced != 5 {
		t.Errorf("expected 5 synced, got %d", w.synced)
	}
	if w.lastErr == nil {
		t.Error("expected lastErr to be recorded")
	}
}

func TestTableWriter_CancellationAtBatchBoundary(t *testing.T) {
	fs := newFakeStore()
	cancelled := false
	req := &SyncRequest{BatchSize: 5, Cancelled: func() bool { return cancelled }}
	cols := []store.ColumnDef{{Name: "a"}}

	w := newTableWriter(fs, req, "t1", cols, zap.NewNop())
	if err := w.begin(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	// First batch commits, then cancellation flips before the second boundary.
	for i := 0; i < 5; i++ {
		if err := w.add(context.Background(), []any{i}); err != nil {
			t.Fatal(err)
		}
	}
	cancelled = true
	for i := 0; i < 4; i++ {
		if err := w.add(context.Background(), []any{i}); err != nil {
			t.Fatal(err)
		}
	}
	err := w.flush(context.Background())
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if w.synced != 5 {
		t.Errorf("expected 5 rows committed before cancel, got %d", w.synced)
	}
}

func TestIncrementalForTable(t *testing.T) {
	withWatermark := []store.ColumnDef{{Name: "id"}, {Name: "updated_at"}}
	withoutWatermark := []store.ColumnDef{{Name: "id"}, {Name: "name"}}

	if !incrementalForTable(true, withWatermark, "updated_at") {
		t.Error("table with the watermark column should sync incrementally")
	}
	// A table without the watermark column must be reloaded in full; an
	// append of its whole contents would duplicate every row.
	if incrementalForTable(true, withoutWatermark, "updated_at") {
		t.Error("table without the watermark column must not be treated as incremental")
	}
	if incrementalForTable(false, withWatermark, "updated_at") {
		t.Error("full runs never filter by watermark")
	}
	if incrementalForTable(true, withWatermark, "") {
		t.Error("empty watermark column disables incremental")
	}
}

func TestMapRelationalType(t *testing.T) {
	cases := map[string]string{
		"integer":                  "BIGINT",
		"bigint":                   "BIGINT",
		"numeric":                  "DOUBLE PRECISION",
		"boolean":                  "BOOLEAN",
		"timestamp with time zone": "TIMESTAMPTZ",
		"jsonb":                    "JSONB",
		"character varying":        "TEXT",
		"uuid":                     "TEXT",
	}
	for in, want := range cases {
		if got := mapRelationalType(in); got != want {
			t.Errorf("mapRelationalType(%q) = %q, want %q", in, got, want)
		}
	}
}
