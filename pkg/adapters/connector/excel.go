package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/metadata"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// excelConnector parses an already-uploaded workbook, one table per sheet.
// The first row is the header; every column materializes as TEXT. Connection
// details: file_path, file_id.
type excelConnector struct {
	store  store.Store
	logger *zap.Logger
}

// NewExcelConnector creates the Excel connector.
func NewExcelConnector(s store.Store, logger *zap.Logger) Connector {
	return &excelConnector{store: s, logger: logger.Named("connector.excel")}
}

var _ Connector = (*excelConnector)(nil)

func (c *excelConnector) Type() string { return models.SourceTypeExcel }

func (c *excelConnector) open(details map[string]any) (*excelize.File, error) {
	path := stringDetail(details, "file_path", "")
	if path == "" {
		return nil, &apperrors.AuthError{Provider: c.Type(), Err: fmt.Errorf("file_path is required")}
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &apperrors.FetchError{Source: c.Type(), Err: err}
	}
	return f, nil
}

// Authenticate verifies the uploaded file is a readable workbook. There are
// no credentials for file sources.
func (c *excelConnector) Authenticate(_ context.Context, details map[string]any) error {
	f, err := c.open(details)
	if err != nil {
		return err
	}
	return f.Close()
}

func (c *excelConnector) GetSchema(_ context.Context, details map[string]any) ([]TableSchema, error) {
	f, err := c.open(details)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var schemas []TableSchema
	for _, sheet := range f.GetSheetList() {
		header, err := sheetHeader(f, sheet)
		if err != nil {
			return nil, err
		}
		if len(header) == 0 {
			continue
		}
		columns := make([]store.ColumnDef, len(header))
		for i, h := range header {
			columns[i] = store.ColumnDef{Name: h, Type: "TEXT"}
		}
		schemas = append(schemas, TableSchema{Name: sheet, Columns: columns})
	}
	return schemas, nil
}

// SupportsIncremental is always false for file sources; every sync re-parses
// the whole artifact.
func (c *excelConnector) SupportsIncremental(map[string]any) bool { return false }

func (c *excelConnector) SyncToDatabase(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	details := req.DataSource.ConnectionDetails

	f, err := c.open(details)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fileID := stringDetail(details, "file_id", "")
	result := &SyncResult{}
	taken := make(map[string]bool)

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, &apperrors.FetchError{Source: c.Type(), Err: err}
		}
		if len(rows) < 1 || len(rows[0]) == 0 {
			c.logger.Debug("skipping empty sheet", zap.String("sheet", sheet))
			continue
		}

		header := normalizeHeader(rows[0])
		columns := make([]store.ColumnDef, len(header))
		for i, h := range header {
			columns[i] = store.ColumnDef{Name: h, Type: "TEXT"}
		}

		logical := metadata.Deduplicate(metadata.LogicalName(sheet), taken)
		physical := metadata.PhysicalName(req.DataSource.ID, logical)

		w := newTableWriter(c.store, req, physical, columns, c.logger)
		if err := w.begin(ctx, true); err != nil {
			return nil, err
		}

		for _, cells := range rows[1:] {
			row := make([]any, len(columns))
			for i := range columns {
				if i < len(cells) {
					row[i] = cells[i]
				}
			}
			if err := w.add(ctx, row); err != nil {
				return nil, err
			}
		}
		if err := w.flush(ctx); err != nil {
			return nil, err
		}

		sheetName := sheet
		result.RecordsSynced += w.synced
		result.RecordsFailed += w.failed
		result.Tables = append(result.Tables, SyncedTable{
			PhysicalName:      physical,
			LogicalName:       logical,
			TableType:         models.TableTypeSheet,
			OriginalSheetName: &sheetName,
			FileID:            nullableString(fileID),
			Columns:           columns,
		})
	}

	if len(result.Tables) == 0 {
		return nil, &apperrors.SchemaError{Source: c.Type(), Detail: "workbook has no usable sheets"}
	}
	return result, nil
}

func sheetHeader(f *excelize.File, sheet string) ([]string, error) {
	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, &apperrors.FetchError{Source: models.SourceTypeExcel, Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	cells, err := rows.Columns()
	if err != nil {
		return nil, &apperrors.FetchError{Source: models.SourceTypeExcel, Err: err}
	}
	return normalizeHeader(cells), nil
}

// normalizeHeader slugifies header cells into column names, inventing
// col_N names for blank cells and deduplicating collisions.
func normalizeHeader(cells []string) []string {
	taken := make(map[string]bool)
	header := make([]string, len(cells))
	for i, cell := range cells {
		name := metadata.LogicalName(strings.TrimSpace(cell))
		if strings.TrimSpace(cell) == "" {
			name = fmt.Sprintf("col_%d", i+1)
		}
		header[i] = metadata.Deduplicate(name, taken)
	}
	return header
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
