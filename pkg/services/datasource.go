// Package services contains the engine's business logic: datasource
// management, sync orchestration, data model refresh, scheduling, and join
// discovery.
package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/adapters/connector"
	"github.com/pipeflow-io/pipeflow-engine/pkg/crypto"
	"github.com/pipeflow-io/pipeflow-engine/pkg/logging"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/repositories"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// UnifiedSchema is the unified store schema all connectors materialize into.
const UnifiedSchema = "sources"

// DataSourceService manages external data connections. Connection details are
// encrypted at rest; decryption happens only on the way into a connector.
type DataSourceService interface {
	// Create validates credentials against the live source, encrypts the
	// connection details, and persists the datasource.
	Create(ctx context.Context, ds *models.DataSource) error

	// Get retrieves a datasource with decrypted connection details.
	Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error)

	// List retrieves all datasources for a project, without details.
	List(ctx context.Context, projectID uuid.UUID) ([]*models.DataSource, error)

	// TestConnection re-validates stored credentials against the live source.
	TestConnection(ctx context.Context, id uuid.UUID) error

	// UpdateDetails replaces connection details (e.g. after a token refresh).
	UpdateDetails(ctx context.Context, id uuid.UUID, details map[string]any) error

	// Delete removes the datasource, its materialized tables in the unified
	// store, and (by cascade) its metadata and history.
	Delete(ctx context.Context, id uuid.UUID) error
}

type dataSourceService struct {
	repo      repositories.DataSourceRepository
	tables    repositories.TableMetadataRepository
	registry  *connector.Registry
	encryptor *crypto.CredentialEncryptor
	store     store.Store
	logger    *zap.Logger
}

// NewDataSourceService creates a new DataSourceService.
func NewDataSourceService(
	repo repositories.DataSourceRepository,
	tables repositories.TableMetadataRepository,
	registry *connector.Registry,
	encryptor *crypto.CredentialEncryptor,
	s store.Store,
	logger *zap.Logger,
) DataSourceService {
	return &dataSourceService{
		repo:      repo,
		tables:    tables,
		registry:  registry,
		encryptor: encryptor,
		store:     s,
		logger:    logger.Named("datasource"),
	}
}

var _ DataSourceService = (*dataSourceService)(nil)

func (s *dataSourceService) Create(ctx context.Context, ds *models.DataSource) error {
	conn, err := s.registry.Get(ds.SourceType)
	if err != nil {
		return err
	}

	if err := conn.Authenticate(ctx, ds.ConnectionDetails); err != nil {
		s.logger.Warn("connection test failed during create",
			zap.String("source_type", ds.SourceType),
			zap.String("error", logging.SanitizeError(err)))
		return err
	}

	encrypted, err := s.encryptDetails(ds.ConnectionDetails)
	if err != nil {
		return err
	}

	if err := s.repo.Create(ctx, ds, encrypted); err != nil {
		return err
	}

	s.logger.Info("datasource created",
		zap.String("datasource_id", ds.ID.String()),
		zap.String("source_type", ds.SourceType))
	return nil
}

func (s *dataSourceService) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	ds, encrypted, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	details, err := s.decryptDetails(encrypted)
	if err != nil {
		return nil, err
	}
	ds.ConnectionDetails = details
	return ds, nil
}

func (s *dataSourceService) List(ctx context.Context, projectID uuid.UUID) ([]*models.DataSource, error) {
	return s.repo.List(ctx, projectID)
}

func (s *dataSourceService) TestConnection(ctx context.Context, id uuid.UUID) error {
	ds, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	conn, err := s.registry.Get(ds.SourceType)
	if err != nil {
		return err
	}
	return conn.Authenticate(ctx, ds.ConnectionDetails)
}

func (s *dataSourceService) UpdateDetails(ctx context.Context, id uuid.UUID, details map[string]any) error {
	encrypted, err := s.encryptDetails(details)
	if err != nil {
		return err
	}
	return s.repo.UpdateDetails(ctx, id, encrypted)
}

func (s *dataSourceService) Delete(ctx context.Context, id uuid.UUID) error {
	// Drop materialized tables first; the metadata rows cascade with the
	// datasource row itself.
	tables, err := s.tables.ListBySource(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if err := s.store.DropTable(ctx, t.SchemaName, t.PhysicalName); err != nil {
			return fmt.Errorf("failed to drop %s: %w", t.PhysicalName, err)
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("datasource deleted",
		zap.String("datasource_id", id.String()),
		zap.Int("tables_dropped", len(tables)))
	return nil
}

func (s *dataSourceService) encryptDetails(details map[string]any) (string, error) {
	plaintext, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to serialize connection details: %w", err)
	}
	return s.encryptor.Encrypt(string(plaintext))
}

func (s *dataSourceService) decryptDetails(encrypted string) (map[string]any, error) {
	if encrypted == "" {
		return map[string]any{}, nil
	}
	plaintext, err := s.encryptor.Decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(plaintext), &details); err != nil {
		return nil, fmt.Errorf("failed to parse connection details: %w", err)
	}
	return details, nil
}
