package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/adapters/connector"
	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/crypto"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

type fakeSourceRepo struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*models.DataSource
	encrypted map[uuid.UUID]string
	deleted   []uuid.UUID
}

func newFakeSourceRepo() *fakeSourceRepo {
	return &fakeSourceRepo{
		rows:      make(map[uuid.UUID]*models.DataSource),
		encrypted: make(map[uuid.UUID]string),
	}
}

func (f *fakeSourceRepo) Create(_ context.Context, ds *models.DataSource, encryptedDetails string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	f.rows[ds.ID] = ds
	f.encrypted[ds.ID] = encryptedDetails
	return nil
}

func (f *fakeSourceRepo) Get(_ context.Context, id uuid.UUID) (*models.DataSource, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.rows[id]
	if !ok {
		return nil, "", apperrors.ErrNotFound
	}
	copied := *ds
	copied.ConnectionDetails = nil
	return &copied, f.encrypted[id], nil
}

func (f *fakeSourceRepo) List(context.Context, uuid.UUID) ([]*models.DataSource, error) {
	return nil, nil
}

func (f *fakeSourceRepo) UpdateDetails(_ context.Context, id uuid.UUID, encryptedDetails string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encrypted[id] = encryptedDetails
	return nil
}

func (f *fakeSourceRepo) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestEncryptor(t *testing.T) *crypto.CredentialEncryptor {
	t.Helper()
	enc, err := crypto.NewCredentialEncryptor("test-credentials-key")
	require.NoError(t, err)
	return enc
}

func TestDataSourceService_CreateEncryptsDetails(t *testing.T) {
	repo := newFakeSourceRepo()
	registry := connector.NewRegistry()
	registry.Register(&fakeConnector{typ: "fake"})

	svc := NewDataSourceService(repo, &fakeTableRepo{}, registry, newTestEncryptor(t), newSvcStore(), zap.NewNop())

	ds := &models.DataSource{
		ID:         uuid.New(),
		Name:       "crm",
		SourceType: "fake",
		ConnectionDetails: map[string]any{
			"host":     "db.internal",
			"password": "hunter2",
		},
	}
	require.NoError(t, svc.Create(context.Background(), ds))

	// Secrets never reach the repository in the clear.
	stored := repo.encrypted[ds.ID]
	assert.NotEmpty(t, stored)
	assert.NotContains(t, stored, "hunter2")

	got, err := svc.Get(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.ConnectionDetails["password"])
	assert.Equal(t, "db.internal", got.ConnectionDetails["host"])
}

func TestDataSourceService_DeleteDropsMaterializedTables(t *testing.T) {
	repo := newFakeSourceRepo()
	registry := connector.NewRegistry()
	registry.Register(&fakeConnector{typ: "fake"})

	st := newSvcStore()
	tables := &fakeTableRepo{}

	svc := NewDataSourceService(repo, tables, registry, newTestEncryptor(t), st, zap.NewNop())

	ds := &models.DataSource{ID: uuid.New(), Name: "crm", SourceType: "fake", ConnectionDetails: map[string]any{}}
	require.NoError(t, svc.Create(context.Background(), ds))

	st.columns["src_aa_users"] = []store.ColumnDef{{Name: "id"}}
	tables.upserted = append(tables.upserted, &models.TableMetadata{
		DataSourceID: ds.ID,
		SchemaName:   UnifiedSchema,
		PhysicalName: "src_aa_users",
		LogicalName:  "users",
	})

	require.NoError(t, svc.Delete(context.Background(), ds.ID))

	st.mu.Lock()
	_, stillThere := st.columns["src_aa_users"]
	st.mu.Unlock()
	assert.False(t, stillThere, "materialized table should be dropped")
	assert.Equal(t, []uuid.UUID{ds.ID}, repo.deleted)
}

func TestDataSourceService_UnknownSourceType(t *testing.T) {
	svc := NewDataSourceService(newFakeSourceRepo(), &fakeTableRepo{}, connector.NewRegistry(), newTestEncryptor(t), newSvcStore(), zap.NewNop())

	err := svc.Create(context.Background(), &models.DataSource{SourceType: "nope"})
	assert.Error(t, err)
}
