package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipeflow-io/pipeflow-engine/pkg/adapters/connector"
	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// In-memory fakes shared across the service tests.

type fakeSourceService struct {
	mu      sync.Mutex
	sources map[uuid.UUID]*models.DataSource
}

func newFakeSourceService(sources ...*models.DataSource) *fakeSourceService {
	f := &fakeSourceService{sources: make(map[uuid.UUID]*models.DataSource)}
	for _, ds := range sources {
		f.sources[ds.ID] = ds
	}
	return f
}

func (f *fakeSourceService) Create(_ context.Context, ds *models.DataSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[ds.ID] = ds
	return nil
}

func (f *fakeSourceService) Get(_ context.Context, id uuid.UUID) (*models.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.sources[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return ds, nil
}

func (f *fakeSourceService) List(context.Context, uuid.UUID) ([]*models.DataSource, error) {
	return nil, nil
}

func (f *fakeSourceService) TestConnection(context.Context, uuid.UUID) error { return nil }

func (f *fakeSourceService) UpdateDetails(context.Context, uuid.UUID, map[string]any) error {
	return nil
}

func (f *fakeSourceService) Delete(context.Context, uuid.UUID) error { return nil }

type fakeSyncHistoryRepo struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*models.SyncHistory
	order    []uuid.UUID
	lastSync *time.Time
}

func newFakeSyncHistoryRepo() *fakeSyncHistoryRepo {
	return &fakeSyncHistoryRepo{rows: make(map[uuid.UUID]*models.SyncHistory)}
}

func (f *fakeSyncHistoryRepo) Create(_ context.Context, h *models.SyncHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.ID = uuid.New()
	h.Status = models.SyncStatusPending
	h.StartedAt = time.Now()
	f.rows[h.ID] = h
	f.order = append(f.order, h.ID)
	return nil
}

func (f *fakeSyncHistoryRepo) MarkRunning(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].Status = models.SyncStatusRunning
	return nil
}

func (f *fakeSyncHistoryRepo) Complete(_ context.Context, id uuid.UUID, status string, recordsSynced, recordsFailed int, errorMessage *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.rows[id]
	h.Status = status
	h.RecordsSynced = recordsSynced
	h.RecordsFailed = recordsFailed
	h.ErrorMessage = errorMessage
	now := time.Now()
	h.CompletedAt = &now
	return nil
}

func (f *fakeSyncHistoryRepo) ListBySource(_ context.Context, dataSourceID uuid.UUID, _ int) ([]*models.SyncHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SyncHistory
	for i := len(f.order) - 1; i >= 0; i-- {
		h := f.rows[f.order[i]]
		if h.DataSourceID == dataSourceID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeSyncHistoryRepo) GetLastSyncTime(context.Context, uuid.UUID) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSync, nil
}

func (f *fakeSyncHistoryRepo) get(id uuid.UUID) *models.SyncHistory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

type fakeTableRepo struct {
	mu       sync.Mutex
	upserted []*models.TableMetadata
}

func (f *fakeTableRepo) Upsert(_ context.Context, meta *models.TableMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, meta)
	return nil
}

func (f *fakeTableRepo) ListBySource(_ context.Context, dataSourceID uuid.UUID) ([]*models.TableMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.TableMetadata
	for _, m := range f.upserted {
		if m.DataSourceID == dataSourceID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeTableRepo) ResolveLogical(context.Context, uuid.UUID, string) (*models.TableMetadata, error) {
	return nil, apperrors.ErrNotFound
}

func (f *fakeTableRepo) GetPhysical(context.Context, uuid.UUID, string, string) (*models.TableMetadata, error) {
	return nil, apperrors.ErrNotFound
}

func (f *fakeTableRepo) Rename(context.Context, uuid.UUID, string) error { return nil }

func (f *fakeTableRepo) CountOrphans(context.Context) (int64, error) { return 0, nil }

// fakeConnector lets tests script the sync outcome and observe the request
// the orchestrator built.
type fakeConnector struct {
	mu          sync.Mutex
	typ         string
	incremental bool
	result      *connector.SyncResult
	err         error
	block       chan struct{} // when set, SyncToDatabase waits before returning
	requests    []*connector.SyncRequest
}

func (c *fakeConnector) Type() string { return c.typ }

func (c *fakeConnector) Authenticate(context.Context, map[string]any) error { return nil }

func (c *fakeConnector) GetSchema(context.Context, map[string]any) ([]connector.TableSchema, error) {
	return nil, nil
}

func (c *fakeConnector) SupportsIncremental(map[string]any) bool { return c.incremental }

func (c *fakeConnector) SyncToDatabase(ctx context.Context, req *connector.SyncRequest) (*connector.SyncResult, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Both may be set to model a run that failed partway through.
	return c.result, c.err
}

func (c *fakeConnector) lastRequest() *connector.SyncRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[len(c.requests)-1]
}

type fakeModelRepo struct {
	mu        sync.Mutex
	models    map[uuid.UUID]*models.DataModel
	successes []int64
}

func newFakeModelRepo(ms ...*models.DataModel) *fakeModelRepo {
	f := &fakeModelRepo{models: make(map[uuid.UUID]*models.DataModel)}
	for _, m := range ms {
		f.models[m.ID] = m
	}
	return f
}

func (f *fakeModelRepo) Create(_ context.Context, m *models.DataModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[m.ID] = m
	return nil
}

func (f *fakeModelRepo) Get(_ context.Context, id uuid.UUID) (*models.DataModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (f *fakeModelRepo) ListBySource(_ context.Context, dataSourceID uuid.UUID) ([]*models.DataModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.DataModel
	for _, m := range f.models {
		if m.DataSourceID == dataSourceID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeModelRepo) ListAutoRefresh(context.Context) ([]*models.DataModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.DataModel
	for _, m := range f.models {
		if m.AutoRefreshEnabled {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeModelRepo) TryTransition(_ context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[id]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	for _, s := range from {
		if m.RefreshStatus == s {
			m.RefreshStatus = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeModelRepo) RecordRefreshSuccess(_ context.Context, id uuid.UUID, rowCount int64, durationMs int64, refreshedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.models[id]
	m.RowCount = rowCount
	m.LastRefreshDurationMs = &durationMs
	m.LastRefreshedAt = &refreshedAt
	f.successes = append(f.successes, rowCount)
	return nil
}

func (f *fakeModelRepo) Update(_ context.Context, m *models.DataModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[m.ID] = m
	return nil
}

func (f *fakeModelRepo) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.models, id)
	return nil
}

func (f *fakeModelRepo) status(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models[id].RefreshStatus
}

type fakeRefreshHistoryRepo struct {
	mu   sync.Mutex
	rows []*models.RefreshHistory
}

func (f *fakeRefreshHistoryRepo) Create(_ context.Context, h *models.RefreshHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.ID = uuid.New()
	h.StartedAt = time.Now()
	if h.Status == "" {
		h.Status = models.RefreshStatusRefreshing
	}
	f.rows = append(f.rows, h)
	return nil
}

func (f *fakeRefreshHistoryRepo) Complete(_ context.Context, h *models.RefreshHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	h.CompletedAt = &now
	return nil
}

func (f *fakeRefreshHistoryRepo) ListByModel(_ context.Context, dataModelID uuid.UUID, _ int) ([]*models.RefreshHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.RefreshHistory
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].DataModelID == dataModelID {
			out = append(out, f.rows[i])
		}
	}
	return out, nil
}

func (f *fakeRefreshHistoryRepo) last() *models.RefreshHistory {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) == 0 {
		return nil
	}
	return f.rows[len(f.rows)-1]
}

// svcStore is an in-memory store.Store for refresh and join tests.
type svcStore struct {
	mu        sync.Mutex
	columns   map[string][]store.ColumnDef // keyed by table name
	queryRows []map[string]any
	queryErr  error
	querySQL  string
	params    []any
}

func newSvcStore() *svcStore {
	return &svcStore{columns: make(map[string][]store.ColumnDef)}
}

func (s *svcStore) EnsureTable(_ context.Context, _, table string, columns []store.ColumnDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns[table] = columns
	return nil
}

func (s *svcStore) InsertRows(context.Context, string, string, []string, [][]any) error { return nil }

func (s *svcStore) TruncateTable(context.Context, string, string) error { return nil }

func (s *svcStore) DeleteRows(context.Context, string, string, string, any, any) error { return nil }

func (s *svcStore) DropTable(_ context.Context, _, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.columns, table)
	return nil
}

func (s *svcStore) Query(_ context.Context, sql string, params []any) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.querySQL = sql
	s.params = params
	return s.queryRows, s.queryErr
}

func (s *svcStore) CountRows(context.Context, string, string) (int64, error) { return 0, nil }

func (s *svcStore) ListColumns(_ context.Context, _, table string) ([]store.ColumnDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.columns[table], nil
}

type fakeJoinCache struct {
	mu     sync.Mutex
	cached map[string][]*models.JoinSuggestion // keyed by schema hash
	stored []*models.JoinSuggestion
}

func newFakeJoinCache() *fakeJoinCache {
	return &fakeJoinCache{cached: make(map[string][]*models.JoinSuggestion)}
}

func (f *fakeJoinCache) ListForHash(_ context.Context, _ uuid.UUID, schemaHash string) ([]*models.JoinSuggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached[schemaHash], nil
}

func (f *fakeJoinCache) ReplaceForSource(_ context.Context, _ uuid.UUID, suggestions []*models.JoinSuggestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = suggestions
	if len(suggestions) > 0 {
		f.cached[suggestions[0].SchemaHash] = suggestions
	}
	return nil
}
