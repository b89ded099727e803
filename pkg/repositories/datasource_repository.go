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

// DataSourceRepository defines data access for datasources.
// ConnectionDetails are stored as encrypted TEXT - encryption/decryption is
// handled by the service layer.
type DataSourceRepository interface {
	// Create inserts a new datasource. Returns apperrors.ErrConflict if the
	// name already exists for the project.
	Create(ctx context.Context, ds *models.DataSource, encryptedDetails string) error

	// Get retrieves a datasource by ID. Returns the model and encrypted details.
	Get(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error)

	// List retrieves all datasources for a project.
	List(ctx context.Context, projectID uuid.UUID) ([]*models.DataSource, error)

	// UpdateDetails replaces the encrypted connection details (e.g. after an
	// OAuth token refresh).
	UpdateDetails(ctx context.Context, id uuid.UUID, encryptedDetails string) error

	// Delete removes a datasource; table metadata, sync history, data models
	// and join suggestions cascade in the database.
	Delete(ctx context.Context, id uuid.UUID) error
}

type dataSourceRepository struct {
	db *database.DB
}

// NewDataSourceRepository creates a new datasource repository.
func NewDataSourceRepository(db *database.DB) DataSourceRepository {
	return &dataSourceRepository{db: db}
}

var _ DataSourceRepository = (*dataSourceRepository)(nil)

func (r *dataSourceRepository) Create(ctx context.Context, ds *models.DataSource, encryptedDetails string) error {
	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now

	query := `
		INSERT INTO engine_datasources (project_id, name, source_type, connection_details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		ds.ProjectID,
		ds.Name,
		ds.SourceType,
		encryptedDetails,
		ds.CreatedAt,
		ds.UpdatedAt,
	).Scan(&ds.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create datasource: %w", err)
	}

	return nil
}

func (r *dataSourceRepository) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error) {
	query := `
		SELECT id, project_id, name, source_type, connection_details, created_at, updated_at
		FROM engine_datasources
		WHERE id = $1`

	var ds models.DataSource
	var encryptedDetails string
	err := r.db.QueryRow(ctx, query, id).Scan(
		&ds.ID,
		&ds.ProjectID,
		&ds.Name,
		&ds.SourceType,
		&encryptedDetails,
		&ds.CreatedAt,
		&ds.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get datasource: %w", err)
	}

	return &ds, encryptedDetails, nil
}

func (r *dataSourceRepository) List(ctx context.Context, projectID uuid.UUID) ([]*models.DataSource, error) {
	query := `
		SELECT id, project_id, name, source_type, created_at, updated_at
		FROM engine_datasources
		WHERE project_id = $1
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasources: %w", err)
	}
	defer rows.Close()

	var sources []*models.DataSource
	for rows.Next() {
		var ds models.DataSource
		if err := rows.Scan(&ds.ID, &ds.ProjectID, &ds.Name, &ds.SourceType, &ds.CreatedAt, &ds.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan datasource: %w", err)
		}
		sources = append(sources, &ds)
	}
	return sources, rows.Err()
}

func (r *dataSourceRepository) UpdateDetails(ctx context.Context, id uuid.UUID, encryptedDetails string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE engine_datasources SET connection_details = $2, updated_at = $3 WHERE id = $1`,
		id, encryptedDetails, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update datasource details: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *dataSourceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM engine_datasources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete datasource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
