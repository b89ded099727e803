package connector

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/metadata"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// postgresConnector pulls tables from an external PostgreSQL database.
// Connection details: host, port, user, password, database, sslmode, and
// optionally source_schema (default public) and updated_at_column for
// incremental watermarking.
type postgresConnector struct {
	store  store.Store
	logger *zap.Logger
}

// NewPostgresConnector creates the PostgreSQL connector.
func NewPostgresConnector(s store.Store, logger *zap.Logger) Connector {
	return &postgresConnector{store: s, logger: logger.Named("connector.postgres")}
}

var _ Connector = (*postgresConnector)(nil)

func (c *postgresConnector) Type() string { return models.SourceTypePostgres }

func pgConnString(details map[string]any) string {
	host := stringDetail(details, "host", "localhost")
	port := stringDetail(details, "port", "5432")
	user := stringDetail(details, "user", "")
	password := stringDetail(details, "password", "")
	database := stringDetail(details, "database", "")
	sslmode := stringDetail(details, "sslmode", "prefer")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port, database, sslmode)
}

func (c *postgresConnector) connect(ctx context.Context, details map[string]any) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, pgConnString(details))
	if err != nil {
		return nil, &apperrors.AuthError{Provider: c.Type(), Err: err}
	}
	return conn, nil
}

func (c *postgresConnector) Authenticate(ctx context.Context, details map[string]any) error {
	conn, err := c.connect(ctx, details)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	if err := conn.Ping(ctx); err != nil {
		return &apperrors.AuthError{Provider: c.Type(), Err: err}
	}
	return nil
}

func (c *postgresConnector) GetSchema(ctx context.Context, details map[string]any) ([]TableSchema, error) {
	conn, err := c.connect(ctx, details)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	sourceSchema := stringDetail(details, "source_schema", "public")
	rows, err := conn.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`, sourceSchema)
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

func (c *postgresConnector) SupportsIncremental(details map[string]any) bool {
	return stringDetail(details, "updated_at_column", "") != ""
}

func (c *postgresConnector) SyncToDatabase(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	details := req.DataSource.ConnectionDetails

	schemas, err := c.GetSchema(ctx, details)
	if err != nil {
		return nil, err
	}
	if len(schemas) == 0 {
		return nil, &apperrors.SchemaError{Source: c.Type(), Detail: "source database has no tables"}
	}

	conn, err := c.connect(ctx, details)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	sourceSchema := stringDetail(details, "source_schema", "public")
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
			colExprs[i] = pgx.Identifier{col.Name}.Sanitize()
		}
		query := fmt.Sprintf("SELECT %s FROM %s",
			strings.Join(colExprs, ", "),
			pgx.Identifier{sourceSchema, ts.Name}.Sanitize())

		var args []any
		if withWatermark {
			query += fmt.Sprintf(" WHERE %s > $1", pgx.Identifier{watermarkCol}.Sanitize())
			args = append(args, *req.Since)
		}

		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return abort(&apperrors.FetchError{Source: c.Type(), Err: err})
		}
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				rows.Close()
				return abort(&apperrors.FetchError{Source: c.Type(), Err: err})
			}
			if err := w.add(ctx, values); err != nil {
				rows.Close()
				return abort(err)
			}
		}
		if err := rows.Err(); err != nil {
			return abort(&apperrors.FetchError{Source: c.Type(), Err: err})
		}
		rows.Close()

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

// stringDetail reads a string value from connection details with a default.
// Numeric JSON values are rendered back to text for fields like port.
func stringDetail(details map[string]any, key, fallback string) string {
	switch v := details[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int:
		return fmt.Sprintf("%d", v)
	}
	return fallback
}

// incrementalForTable reports whether one table of an incremental run can be
// fetched by watermark. A table missing the watermark column falls back to a
// truncate-and-reload; appending its full fetch would duplicate every row.
func incrementalForTable(incremental bool, columns []store.ColumnDef, watermarkCol string) bool {
	return incremental && watermarkCol != "" && hasColumn(columns, watermarkCol)
}

func hasColumn(columns []store.ColumnDef, name string) bool {
	for _, c := range columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// mapRelationalType maps an upstream SQL type to the unified store type.
// Anything unrecognized lands as TEXT.
func mapRelationalType(dataType string) string {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "int", "bigint", "serial", "bigserial":
		return "BIGINT"
	case "numeric", "decimal", "real", "double precision", "float", "money":
		return "DOUBLE PRECISION"
	case "boolean", "bit":
		return "BOOLEAN"
	case "date":
		return "DATE"
	case "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz", "datetime", "datetime2", "smalldatetime":
		return "TIMESTAMPTZ"
	case "jsonb", "json":
		return "JSONB"
	default:
		return "TEXT"
	}
}
