package connector

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/metadata"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// pdfPageWorkers caps concurrent page extraction.
const pdfPageWorkers = 4

var pdfColumns = []store.ColumnDef{
	{Name: "page_number", Type: "BIGINT"},
	{Name: "line_number", Type: "BIGINT"},
	{Name: "content", Type: "TEXT"},
}

// pdfConnector is a one-shot parser for an already-uploaded PDF. Pages are
// extracted in parallel; the output is a single table of text lines keyed by
// page and line number. Connection details: file_path, file_id.
type pdfConnector struct {
	store  store.Store
	logger *zap.Logger
}

// NewPDFConnector creates the PDF connector.
func NewPDFConnector(s store.Store, logger *zap.Logger) Connector {
	return &pdfConnector{store: s, logger: logger.Named("connector.pdf")}
}

var _ Connector = (*pdfConnector)(nil)

func (c *pdfConnector) Type() string { return models.SourceTypePDF }

func (c *pdfConnector) open(details map[string]any) (*pdf.Reader, func() error, error) {
	path := stringDetail(details, "file_path", "")
	if path == "" {
		return nil, nil, &apperrors.AuthError{Provider: c.Type(), Err: fmt.Errorf("file_path is required")}
	}
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, nil, &apperrors.FetchError{Source: c.Type(), Err: err}
	}
	return reader, f.Close, nil
}

// Authenticate verifies the uploaded file parses as a PDF. There are no
// credentials for file sources.
func (c *pdfConnector) Authenticate(_ context.Context, details map[string]any) error {
	_, closeFn, err := c.open(details)
	if err != nil {
		return err
	}
	return closeFn()
}

func (c *pdfConnector) GetSchema(_ context.Context, details map[string]any) ([]TableSchema, error) {
	name := pdfTableName(details)
	return []TableSchema{{Name: name, Columns: pdfColumns}}, nil
}

// SupportsIncremental is always false for file sources.
func (c *pdfConnector) SupportsIncremental(map[string]any) bool { return false }

func (c *pdfConnector) SyncToDatabase(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	details := req.DataSource.ConnectionDetails

	reader, closeFn, err := c.open(details)
	if err != nil {
		return nil, err
	}
	defer closeFn() //nolint:errcheck

	numPages := reader.NumPage()
	pages := make([]string, numPages+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pdfPageWorkers)

	for i := 1; i <= numPages; i++ {
		pageNum := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			page := reader.Page(pageNum)
			if page.V.IsNull() {
				return nil
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				return &apperrors.SchemaError{
					Source: c.Type(),
					Detail: fmt.Sprintf("failed to extract text from page %d: %v", pageNum, err),
				}
			}
			pages[pageNum] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logical := metadata.LogicalName(pdfTableName(details))
	physical := metadata.PhysicalName(req.DataSource.ID, logical)

	w := newTableWriter(c.store, req, physical, pdfColumns, c.logger)
	if err := w.begin(ctx, true); err != nil {
		return nil, err
	}

	for pageNum := 1; pageNum <= numPages; pageNum++ {
		for lineNum, line := range splitLines(pages[pageNum]) {
			if err := w.add(ctx, []any{int64(pageNum), int64(lineNum + 1), line}); err != nil {
				return nil, err
			}
		}
	}
	if err := w.flush(ctx); err != nil {
		return nil, err
	}

	fileID := stringDetail(details, "file_id", "")
	return &SyncResult{
		RecordsSynced: w.synced,
		RecordsFailed: w.failed,
		Tables: []SyncedTable{{
			PhysicalName: physical,
			LogicalName:  logical,
			TableType:    models.TableTypeFile,
			FileID:       nullableString(fileID),
			Columns:      pdfColumns,
		}},
	}, nil
}

func pdfTableName(details map[string]any) string {
	path := stringDetail(details, "file_path", "document")
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func splitLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
