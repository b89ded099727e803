// Package store is the unified store: the single persistence layer every
// connector writes into, enabling cross-source queries without live fan-out.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
)

// ColumnDef describes one column of a materialized table.
type ColumnDef struct {
	Name string
	Type string // PostgreSQL type; empty defaults to TEXT
}

// Store is the narrow persistence contract consumed by connectors and the
// refresh service. Writes to a given physical table during sync are exclusive
// (single writer per data source, guaranteed by the orchestrator lock).
type Store interface {
	// EnsureTable creates the target table if it does not exist.
	EnsureTable(ctx context.Context, schema, table string, columns []ColumnDef) error

	// InsertRows appends a batch of rows. Values are ordered per columns.
	InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any) error

	// TruncateTable empties the target table. Full syncs truncate once, then
	// insert batches; a concurrent reader may observe a transient empty state.
	TruncateTable(ctx context.Context, schema, table string) error

	// DeleteRows removes rows whose column value lies in [from, to].
	// Incremental report syncs clear the fetch window before re-inserting it.
	DeleteRows(ctx context.Context, schema, table, column string, from, to any) error

	// DropTable removes the target table if it exists.
	DropTable(ctx context.Context, schema, table string) error

	// Query runs a single parameterized statement and returns all rows.
	Query(ctx context.Context, sql string, params []any) ([]map[string]any, error)

	// CountRows returns the row count of a physical table.
	CountRows(ctx context.Context, schema, table string) (int64, error)

	// ListColumns returns the columns of a physical table in ordinal order.
	ListColumns(ctx context.Context, schema, table string) ([]ColumnDef, error)
}

// pgStore implements Store on the engine's PostgreSQL pool.
type pgStore struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

var _ Store = (*pgStore)(nil)

func qualified(schema, table string) string {
	quoted := pgx.Identifier{table}.Sanitize()
	if schema == "" {
		return quoted
	}
	return pgx.Identifier{schema}.Sanitize() + "." + quoted
}

func (s *pgStore) EnsureTable(ctx context.Context, schema, table string, columns []ColumnDef) error {
	if len(columns) == 0 {
		return &apperrors.SchemaError{Source: table, Detail: "no columns to materialize"}
	}

	if schema != "" {
		createSchema := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize())
		if _, err := s.pool.Exec(ctx, createSchema); err != nil {
			return &apperrors.WriteError{Table: schema, Err: err}
		}
	}

	ddl := "CREATE TABLE IF NOT EXISTS " + qualified(schema, table) + " ("
	for i, col := range columns {
		if i > 0 {
			ddl += ", "
		}
		colType := col.Type
		if colType == "" {
			colType = "TEXT"
		}
		ddl += pgx.Identifier{col.Name}.Sanitize() + " " + colType
	}
	ddl += ")"

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return &apperrors.WriteError{Table: table, Err: err}
	}
	return nil
}

func (s *pgStore) InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	ident := pgx.Identifier{table}
	if schema != "" {
		ident = pgx.Identifier{schema, table}
	}

	_, err := s.pool.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return &apperrors.WriteError{Table: table, Err: err}
	}
	return nil
}

func (s *pgStore) TruncateTable(ctx context.Context, schema, table string) error {
	if _, err := s.pool.Exec(ctx, "TRUNCATE TABLE "+qualified(schema, table)); err != nil {
		return &apperrors.WriteError{Table: table, Err: err}
	}
	return nil
}

func (s *pgStore) DeleteRows(ctx context.Context, schema, table, column string, from, to any) error {
	col := pgx.Identifier{column}.Sanitize()
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s >= $1 AND %s <= $2", qualified(schema, table), col, col)
	if _, err := s.pool.Exec(ctx, stmt, from, to); err != nil {
		return &apperrors.WriteError{Table: table, Err: err}
	}
	return nil
}

func (s *pgStore) DropTable(ctx context.Context, schema, table string) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+qualified(schema, table)); err != nil {
		return &apperrors.WriteError{Table: table, Err: err}
	}
	return nil
}

func (s *pgStore) Query(ctx context.Context, sql string, params []any) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var results []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return results, nil
}

func (s *pgStore) CountRows(ctx context.Context, schema, table string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+qualified(schema, table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

func (s *pgStore) ListColumns(ctx context.Context, schema, table string) ([]ColumnDef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []ColumnDef
	for rows.Next() {
		var col ColumnDef
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}
