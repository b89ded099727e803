package connector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
)

func writeTestWorkbook(t *testing.T) string {
	t.Helper()

	f := excelize.NewFile()
	sheet := "Q1 Revenue"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		t.Fatal(err)
	}
	rows := [][]any{
		{"Region", "Channel", "Revenue"},
		{"US", "web", 1200},
		{"CA", "retail", 800},
		{"MX", "web", 450},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(t.TempDir(), "revenue.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExcelConnector_SyncToDatabase(t *testing.T) {
	path := writeTestWorkbook(t)
	fs := newFakeStore()
	c := NewExcelConnector(fs, zap.NewNop())

	ds := &models.DataSource{
		ID:         uuid.New(),
		SourceType: models.SourceTypeExcel,
		ConnectionDetails: map[string]any{
			"file_path": path,
			"file_id":   "upload-42",
		},
	}
	result, err := c.SyncToDatabase(context.Background(), &SyncRequest{
		DataSource: ds,
		SchemaName: "public",
		BatchSize:  2,
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if result.RecordsSynced != 3 {
		t.Errorf("expected 3 records, got %d", result.RecordsSynced)
	}
	if len(result.Tables) != 1 {
		t.Fatalf("expected 1 table, got %d", len(result.Tables))
	}

	table := result.Tables[0]
	if table.LogicalName != "q1_revenue" {
		t.Errorf("unexpected logical name %q", table.LogicalName)
	}
	if table.TableType != models.TableTypeSheet {
		t.Errorf("unexpected table type %q", table.TableType)
	}
	if table.OriginalSheetName == nil || *table.OriginalSheetName != "Q1 Revenue" {
		t.Error("original sheet name not preserved")
	}
	if table.FileID == nil || *table.FileID != "upload-42" {
		t.Error("file id not preserved")
	}
	if fs.rowCount(table.PhysicalName) != 3 {
		t.Errorf("expected 3 stored rows, got %d", fs.rowCount(table.PhysicalName))
	}
}

func TestExcelConnector_GetSchema(t *testing.T) {
	path := writeTestWorkbook(t)
	c := NewExcelConnector(newFakeStore(), zap.NewNop())

	schemas, err := c.GetSchema(context.Background(), map[string]any{"file_path": path})
	if err != nil {
		t.Fatalf("get schema failed: %v", err)
	}
	if len(schemas) != 1 {
		t.Fatalf("expected 1 sheet schema, got %d", len(schemas))
	}

	want := []string{"region", "channel", "revenue"}
	if len(schemas[0].Columns) != len(want) {
		t.Fatalf("expected %d columns, got %d", len(want), len(schemas[0].Columns))
	}
	for i, col := range schemas[0].Columns {
		if col.Name != want[i] {
			t.Errorf("column %d = %q, want %q", i, col.Name, want[i])
		}
	}
}

func TestExcelConnector_AuthenticateRejectsMissingFile(t *testing.T) {
	c := NewExcelConnector(newFakeStore(), zap.NewNop())
	if err := c.Authenticate(context.Background(), map[string]any{}); err == nil {
		t.Error("expected error without file_path")
	}
	err := c.Authenticate(context.Background(), map[string]any{"file_path": "/nonexistent.xlsx"})
	if err == nil {
		t.Error("expected error for missing file")
	}
}
