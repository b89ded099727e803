package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/database"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
)

// DataModelRepository provides data access for data model definitions and
// their refresh state. Status transitions go through TryTransition so two
// concurrent enqueues cannot both win.
type DataModelRepository interface {
	// Create inserts a new data model definition.
	Create(ctx context.Context, m *models.DataModel) error

	// Get retrieves a data model by ID.
	Get(ctx context.Context, id uuid.UUID) (*models.DataModel, error)

	// ListBySource retrieves all data models built on a data source.
	ListBySource(ctx context.Context, dataSourceID uuid.UUID) ([]*models.DataModel, error)

	// ListAutoRefresh retrieves all models with auto refresh enabled.
	ListAutoRefresh(ctx context.Context) ([]*models.DataModel, error)

	// TryTransition atomically moves refresh_status from one of the given
	// states to the target state. Returns false if the current status did not
	// match (someone else transitioned first).
	TryTransition(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)

	// RecordRefreshSuccess sets the derived fields after a completed refresh.
	RecordRefreshSuccess(ctx context.Context, id uuid.UUID, rowCount int64, durationMs int64, refreshedAt time.Time) error

	// Update replaces the user-editable definition fields.
	Update(ctx context.Context, m *models.DataModel) error

	// Delete removes a data model; refresh history cascades.
	Delete(ctx context.Context, id uuid.UUID) error
}

type dataModelRepository struct {
	db *database.DB
}

// NewDataModelRepository creates a new DataModelRepository.
func NewDataModelRepository(db *database.DB) DataModelRepository {
	return &dataModelRepository{db: db}
}

var _ DataModelRepository = (*dataModelRepository)(nil)

const dataModelColumns = `
	id, project_id, name, data_source_id, schema_name, base_table,
	columns, options, refresh_status, last_refreshed_at, row_count,
	last_refresh_duration_ms, auto_refresh_enabled, refresh_interval_minutes,
	created_at, updated_at`

func (r *dataModelRepository) Create(ctx context.Context, m *models.DataModel) error {
	if m.RefreshStatus == "" {
		m.RefreshStatus = models.RefreshStatusIdle
	}

	query := `
		INSERT INTO engine_data_models (
			project_id, name, data_source_id, schema_name, base_table,
			columns, options, refresh_status, auto_refresh_enabled, refresh_interval_minutes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		m.ProjectID,
		m.Name,
		m.DataSourceID,
		m.SchemaName,
		m.BaseTable,
		m.Columns,
		m.Options,
		m.RefreshStatus,
		m.AutoRefreshEnabled,
		m.RefreshIntervalMinutes,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create data model: %w", err)
	}
	return nil
}

func (r *dataModelRepository) Get(ctx context.Context, id uuid.UUID) (*models.DataModel, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+dataModelColumns+` FROM engine_data_models WHERE id = $1`, id)

	m, err := scanDataModel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *dataModelRepository) ListBySource(ctx context.Context, dataSourceID uuid.UUID) ([]*models.DataModel, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+dataModelColumns+` FROM engine_data_models WHERE data_source_id = $1 ORDER BY created_at`,
		dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list data models: %w", err)
	}
	defer rows.Close()
	return collectDataModels(rows)
}

func (r *dataModelRepository) ListAutoRefresh(ctx context.Context) ([]*models.DataModel, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+dataModelColumns+` FROM engine_data_models WHERE auto_refresh_enabled ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-refresh data models: %w", err)
	}
	defer rows.Close()
	return collectDataModels(rows)
}

func (r *dataModelRepository) TryTransition(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE engine_data_models
		 SET refresh_status = $2, updated_at = now()
		 WHERE id = $1 AND refresh_status = ANY($3)`,
		id, to, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition refresh status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *dataModelRepository) RecordRefreshSuccess(ctx context.Context, id uuid.UUID, rowCount int64, durationMs int64, refreshedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE engine_data_models
		 SET row_count = $2, last_refresh_duration_ms = $3, last_refreshed_at = $4, updated_at = now()
		 WHERE id = $1`,
		id, rowCount, durationMs, refreshedAt)
	if err != nil {
		return fmt.Errorf("failed to record refresh result: %w", err)
	}
	return nil
}

func (r *dataModelRepository) Update(ctx context.Context, m *models.DataModel) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE engine_data_models
		 SET name = $2, schema_name = $3, base_table = $4, columns = $5, options = $6,
		     auto_refresh_enabled = $7, refresh_interval_minutes = $8, updated_at = now()
		 WHERE id = $1`,
		m.ID, m.Name, m.SchemaName, m.BaseTable, m.Columns, m.Options,
		m.AutoRefreshEnabled, m.RefreshIntervalMinutes)
	if err != nil {
		return fmt.Errorf("failed to update data model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *dataModelRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM engine_data_models WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete data model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func collectDataModels(rows pgx.Rows) ([]*models.DataModel, error) {
	var result []*models.DataModel
	for rows.Next() {
		m, err := scanDataModel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func scanDataModel(row pgx.Row) (*models.DataModel, error) {
	var m models.DataModel
	err := row.Scan(
		&m.ID,
		&m.ProjectID,
		&m.Name,
		&m.DataSourceID,
		&m.SchemaName,
		&m.BaseTable,
		&m.Columns,
		&m.Options,
		&m.RefreshStatus,
		&m.LastRefreshedAt,
		&m.RowCount,
		&m.LastRefreshDurationMs,
		&m.AutoRefreshEnabled,
		&m.RefreshIntervalMinutes,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan data model: %w", err)
	}
	return &m, nil
}
