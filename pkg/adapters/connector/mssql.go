package connector

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/metadata"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// mssqlConnector pulls tables from an external SQL Server database.
// Connection details: host, port, user, password, database, and optionally
// source_schema (default dbo) and updated_at_column.
type mssqlConnector struct {
	store  store.Store
	logger *zap.Logger
}

// NewMSSQLConnector creates the SQL Server connector.
func NewMSSQLConnector(s store.Store, logger *zap.Logger) Connector {
	return &mssqlConnector{store: s, logger: logger.Named("connector.mssql")}
}

var _ Connector = (*mssqlConnector)(nil)

func (c *mssqlConnector) Type() string { return models.SourceTypeMSSQL }

func mssqlConnString(details map[string]any) string {
	query := url.Values{}
	query.Add("database", stringDetail(details, "database", ""))

	u := &url.URL{
		Scheme: "sqlserver",
		User: url.UserPassword(
			stringDetail(details, "user", ""),
			stringDetail(details, "password", "")),
		Host:     fmt.Sprintf("%s:%s", stringDetail(details, "host", "localhost"), stringDetail(details, "port", "1433")),
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (c *mssqlConnector) open(details map[string]any) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", mssqlConnString(details))
	if err != nil {
		return nil, &apperrors.AuthError{Provider: c.Type(), Err: err}
	}
	return db, nil
}

func (c *mssqlConnector) Authenticate(ctx context.Context, details map[string]any) error {
	db, err := c.open(details)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return &apperrors.AuthError{Provider: c.Type(), Err: err}
	}
	return nil
}

func (c *mssqlConnector) GetSchema(ctx context.Context, details map[string]any) ([]TableSchema, error) {
	db, err := c.open(details)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	sourceSchema := stringDetail(details, "source_schema", "dbo")
	rows, err := db.QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1
		ORDER BY TABLE_NAME, ORDINAL_POSITION`, sourceSchema)
	if err != nil {
		return nil, &apperrors.FetchError{Source: c.Type(), Err: err}
	}
	defer rows.Close()

	var schemas []TableSchema
	byName := make(map[string]int)
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, &apperrors.FetchError{Source: c.Type(), Err: err}
		}
		idx, ok := byName[table]
		if !ok {
			idx = len(schemas)
			byName[table] = idx
			schemas = append(schemas, TableSchema{Name: table})
		}
		schemas[idx].Columns = append(schemas[idx].Columns, store.ColumnDef{
			Name: column,
			Type: mapRelationalType(dataType),
		})
	}
	return schemas, rows.Err()
}

func (c *mssqlConnector) SupportsIncremental(details map[string]any) bool {
	return stringDetail(details, "updated_at_column", "") != ""
}

func (c *mssqlConnector) SyncToDatabase(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	details := req.DataSource.ConnectionDetails

	schemas, err := c.GetSchema(ctx, details)
	if err != nil {
		return nil, err
	}
	if len(schemas) == 0 {
		return nil, &apperrors.SchemaError{Source: c.Type(), Detail: "source database has no tables"}
	}

	db, err := c.open(details)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	sourceSchema := stringDetail(details, "source_schema", "dbo")
	watermarkCol := stringDetail(details, "updated_at_column", "")
	incremental := req.Incremental && watermarkCol != "" && req.Since != nil

	result := &SyncResult{}
	taken := make(map[string]bool)

	for _, ts := range schemas {
		logical := metadata.Deduplicate(metadata.LogicalName(ts.Name), taken)
		physical := metadata.PhysicalName(req.DataSource.ID, logical)

		withWatermark := incrementalForTable(incremental, ts.Columns, watermarkCol)
		if incremental && !withWatermark {
			c.logger.Warn("table lacks the watermark column, doing a full reload",
				zap.String("table", ts.Name),
				zap.String("watermark_column", watermarkCol))
		}

		w := newTableWriter(c.store, req, physical, ts.Columns, c.logger)

		// A mid-table failure still reports what earlier tables committed.
		abort := func(err error) (*SyncResult, error) {
			result.RecordsSynced += w.synced
			result.RecordsFailed += w.failed
			return result, err
		}

		if err := w.begin(ctx, !withWatermark); err != nil {
			return abort(err)
		}

		colExprs := make([]string, len(ts.Columns))
		for i, col := range ts.Columns {
			colExprs[i] = bracketIdent(col.Name)
		}
		query := fmt.Sprintf("SELECT %s FROM %s.%s",
			strings.Join(colExprs, ", "), bracketIdent(sourceSchema), bracketIdent(ts.Name))

		var args []any
		if withWatermark {
			query += fmt.Sprintf(" WHERE %s > @p1", bracketIdent(watermarkCol))
			args = append(args, *req.Since)
		}

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return abort(&apperrors.FetchError{Source: c.Type(), Err: err})
		}

		scanErr := func() error {
			defer rows.Close()
			values := make([]any, len(ts.Columns))
			ptrs := make([]any, len(ts.Columns))
			for rows.Next() {
				for i := range values {
					values[i] = nil
					ptrs[i] = &values[i]
				}
				if err := rows.Scan(ptrs...); err != nil {
					return &apperrors.FetchError{Source: c.Type(), Err: err}
				}
				row := make([]any, len(values))
				copy(row, values)
				if err := w.add(ctx, row); err != nil {
					return err
				}
			}
			if err := rows.Err(); err != nil {
				return &apperrors.FetchError{Source: c.Type(), Err: err}
			}
			return nil
		}()
		if scanErr != nil {
			return abort(scanErr)
		}

		if err := w.flush(ctx); err != nil {
			return abort(err)
		}

		result.RecordsSynced += w.synced
		result.RecordsFailed += w.failed
		result.Tables = append(result.Tables, SyncedTable{
			PhysicalName: physical,
			LogicalName:  logical,
			TableType:    models.TableTypeTable,
			Columns:      ts.Columns,
		})
	}

	return result, nil
}

// bracketIdent quotes a SQL Server identifier.
func bracketIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
