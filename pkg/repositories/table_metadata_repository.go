package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/database"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
)

// TableMetadataRepository provides data access for the table metadata
// registry. This is the only layer downstream consumers should use to resolve
// a logical name to a physical query target.
type TableMetadataRepository interface {
	// Upsert creates or updates metadata keyed by
	// (data_source_id, schema_name, physical_name). Only the logical
	// presentation fields are mutated on conflict.
	Upsert(ctx context.Context, meta *models.TableMetadata) error

	// ListBySource retrieves all table metadata for a data source.
	ListBySource(ctx context.Context, dataSourceID uuid.UUID) ([]*models.TableMetadata, error)

	// ResolveLogical finds the physical target for a logical name within a
	// data source. If several physical tables share the logical name the most
	// recently synced one wins.
	ResolveLogical(ctx context.Context, dataSourceID uuid.UUID, logicalName string) (*models.TableMetadata, error)

	// GetPhysical retrieves metadata by physical identity.
	GetPhysical(ctx context.Context, dataSourceID uuid.UUID, schemaName, physicalName string) (*models.TableMetadata, error)

	// Rename updates only the logical presentation name.
	Rename(ctx context.Context, id uuid.UUID, logicalName string) error

	// CountOrphans counts metadata rows whose datasource no longer exists.
	// Cascades should keep this at zero; the cleanup sweep verifies it.
	CountOrphans(ctx context.Context) (int64, error)
}

type tableMetadataRepository struct {
	db *database.DB
}

// NewTableMetadataRepository creates a new TableMetadataRepository.
func NewTableMetadataRepository(db *database.DB) TableMetadataRepository {
	return &tableMetadataRepository{db: db}
}

var _ TableMetadataRepository = (*tableMetadataRepository)(nil)

func (r *tableMetadataRepository) Upsert(ctx context.Context, meta *models.TableMetadata) error {
	now := time.Now()

	query := `
		INSERT INTO engine_table_metadata (
			data_source_id, schema_name, physical_name, logical_name,
			original_sheet_name, file_id, table_type, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (data_source_id, schema_name, physical_name)
		DO UPDATE SET
			logical_name = EXCLUDED.logical_name,
			original_sheet_name = COALESCE(EXCLUDED.original_sheet_name, engine_table_metadata.original_sheet_name),
			file_id = COALESCE(EXCLUDED.file_id, engine_table_metadata.file_id),
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		meta.DataSourceID,
		meta.SchemaName,
		meta.PhysicalName,
		meta.LogicalName,
		meta.OriginalSheetName,
		meta.FileID,
		meta.TableType,
		now,
	).Scan(&meta.ID, &meta.CreatedAt, &meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert table metadata: %w", err)
	}

	return nil
}

func (r *tableMetadataRepository) ListBySource(ctx context.Context, dataSourceID uuid.UUID) ([]*models.TableMetadata, error) {
	query := `
		SELECT id, data_source_id, schema_name, physical_name, logical_name,
		       original_sheet_name, file_id, table_type, created_at, updated_at
		FROM engine_table_metadata
		WHERE data_source_id = $1
		ORDER BY schema_name, physical_name`

	rows, err := r.db.Query(ctx, query, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list table metadata: %w", err)
	}
	defer rows.Close()

	var metas []*models.TableMetadata
	for rows.Next() {
		meta, err := scanTableMetadata(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (r *tableMetadataRepository) ResolveLogical(ctx context.Context, dataSourceID uuid.UUID, logicalName string) (*models.TableMetadata, error) {
	query := `
		SELECT id, data_source_id, schema_name, physical_name, logical_name,
		       original_sheet_name, file_id, table_type, created_at, updated_at
		FROM engine_table_metadata
		WHERE data_source_id = $1 AND logical_name = $2
		ORDER BY updated_at DESC
		LIMIT 1`

	row := r.db.QueryRow(ctx, query, dataSourceID, logicalName)
	meta, err := scanTableMetadata(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return meta, nil
}

func (r *tableMetadataRepository) GetPhysical(ctx context.Context, dataSourceID uuid.UUID, schemaName, physicalName string) (*models.TableMetadata, error) {
	query := `
		SELECT id, data_source_id, schema_name, physical_name, logical_name,
		       original_sheet_name, file_id, table_type, created_at, updated_at
		FROM engine_table_metadata
		WHERE data_source_id = $1 AND schema_name = $2 AND physical_name = $3`

	row := r.db.QueryRow(ctx, query, dataSourceID, schemaName, physicalName)
	meta, err := scanTableMetadata(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return meta, nil
}

func (r *tableMetadataRepository) Rename(ctx context.Context, id uuid.UUID, logicalName string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE engine_table_metadata SET logical_name = $2, updated_at = $3 WHERE id = $1`,
		id, logicalName, time.Now())
	if err != nil {
		return fmt.Errorf("failed to rename table metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *tableMetadataRepository) CountOrphans(ctx context.Context) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM engine_table_metadata m
		LEFT JOIN engine_datasources d ON d.id = m.data_source_id
		WHERE d.id IS NULL`

	var count int64
	if err := r.db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count orphaned table metadata: %w", err)
	}
	return count, nil
}

func scanTableMetadata(row pgx.Row) (*models.TableMetadata, error) {
	var meta models.TableMetadata
	err := row.Scan(
		&meta.ID,
		&meta.DataSourceID,
		&meta.SchemaName,
		&meta.PhysicalName,
		&meta.LogicalName,
		&meta.OriginalSheetName,
		&meta.FileID,
		&meta.TableType,
		&meta.CreatedAt,
		&meta.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan table metadata: %w", err)
	}
	return &meta, nil
}
