package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/adapters/connector"
	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/config"
	"github.com/pipeflow-io/pipeflow-engine/pkg/locks"
	"github.com/pipeflow-io/pipeflow-engine/pkg/logging"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/ratelimit"
	"github.com/pipeflow-io/pipeflow-engine/pkg/repositories"
	"github.com/pipeflow-io/pipeflow-engine/pkg/retry"
	"github.com/pipeflow-io/pipeflow-engine/pkg/services/workqueue"
)

// Acceptance is the immediate answer to an enqueue request. The caller learns
// whether the job was accepted, never whether it succeeded; outcomes are read
// back through the status queries.
type Acceptance struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	JobID    string `json:"job_id,omitempty"`
}

// SyncOrchestrator owns the sync lifecycle per data source: full vs.
// incremental decisions, per-source serialization, connector invocation, and
// history records.
type SyncOrchestrator interface {
	// RequestSync enqueues a sync job. A second request while one is running
	// for the same source is rejected, not queued. syncType is full,
	// incremental, or empty for automatic.
	RequestSync(ctx context.Context, dataSourceID uuid.UUID, syncType, trigger string) (*Acceptance, error)

	// CancelSync flags a running sync for cancellation. The job observes the
	// flag at its next batch boundary.
	CancelSync(dataSourceID uuid.UUID) bool

	// GetSyncStatus returns recent sync history for a source, newest first.
	GetSyncStatus(ctx context.Context, dataSourceID uuid.UUID, limit int) ([]*models.SyncHistory, error)

	// OnSyncCompleted registers a callback fired after each successful sync,
	// used to cascade data model refreshes.
	OnSyncCompleted(fn func(dataSourceID uuid.UUID))
}

type syncOrchestrator struct {
	sources     DataSourceService
	syncHistory repositories.SyncHistoryRepository
	tables      repositories.TableMetadataRepository
	registry    *connector.Registry
	queue       *workqueue.Queue
	locker      locks.Locker
	limiters    *ratelimit.Registry
	cfg         *config.SyncConfig
	logger      *zap.Logger

	mu          sync.Mutex
	cancelFlags map[uuid.UUID]*cancelFlag
	onCompleted []func(dataSourceID uuid.UUID)
}

type cancelFlag struct {
	mu  sync.Mutex
	set bool
}

func (f *cancelFlag) cancel() {
	f.mu.Lock()
	f.set = true
	f.mu.Unlock()
}

func (f *cancelFlag) cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// NewSyncOrchestrator creates a new SyncOrchestrator.
func NewSyncOrchestrator(
	sources DataSourceService,
	syncHistory repositories.SyncHistoryRepository,
	tables repositories.TableMetadataRepository,
	registry *connector.Registry,
	queue *workqueue.Queue,
	locker locks.Locker,
	limiters *ratelimit.Registry,
	cfg *config.SyncConfig,
	logger *zap.Logger,
) SyncOrchestrator {
	return &syncOrchestrator{
		sources:     sources,
		syncHistory: syncHistory,
		tables:      tables,
		registry:    registry,
		queue:       queue,
		locker:      locker,
		limiters:    limiters,
		cfg:         cfg,
		logger:      logger.Named("sync"),
		cancelFlags: make(map[uuid.UUID]*cancelFlag),
	}
}

var _ SyncOrchestrator = (*syncOrchestrator)(nil)

func (o *syncOrchestrator) OnSyncCompleted(fn func(dataSourceID uuid.UUID)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onCompleted = append(o.onCompleted, fn)
}

func (o *syncOrchestrator) RequestSync(ctx context.Context, dataSourceID uuid.UUID, syncType, trigger string) (*Acceptance, error) {
	ds, err := o.sources.Get(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	conn, err := o.registry.Get(ds.SourceType)
	if err != nil {
		return nil, err
	}

	// The per-source lock is held from acceptance until the job finishes, so
	// a concurrent request is rejected immediately rather than queued.
	release, ok, err := o.locker.TryAcquire(ctx, "sync:"+dataSourceID.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Acceptance{Accepted: false, Reason: apperrors.ErrSyncInProgress.Error()}, nil
	}

	effectiveType, since, err := o.decideSyncType(ctx, ds, conn, syncType)
	if err != nil {
		release()
		return nil, err
	}

	history := &models.SyncHistory{
		DataSourceID: dataSourceID,
		SyncType:     effectiveType,
		Trigger:      trigger,
	}
	if err := o.syncHistory.Create(ctx, history); err != nil {
		release()
		return nil, err
	}

	flag := &cancelFlag{}
	o.mu.Lock()
	o.cancelFlags[dataSourceID] = flag
	o.mu.Unlock()

	task := &syncTask{
		BaseTask: workqueue.NewBaseTask("sync "+ds.Name, dataSourceID.String()),
		orch:     o,
		source:   ds,
		conn:     conn,
		history:  history,
		since:    since,
		flag:     flag,
		release:  release,
	}
	o.queue.Enqueue(task)

	return &Acceptance{Accepted: true, JobID: history.ID.String()}, nil
}

// decideSyncType resolves the effective sync mode. Incremental is used only
// when the connector supports watermarking and a completed sync exists; the
// watermark is the started_at of that sync, exclusive lower bound.
func (o *syncOrchestrator) decideSyncType(ctx context.Context, ds *models.DataSource, conn connector.Connector, requested string) (string, *time.Time, error) {
	supports := conn.SupportsIncremental(ds.ConnectionDetails)

	if requested == models.SyncTypeFull || !supports {
		return models.SyncTypeFull, nil, nil
	}

	last, err := o.syncHistory.GetLastSyncTime(ctx, ds.ID)
	if err != nil {
		return "", nil, err
	}
	if last == nil {
		return models.SyncTypeFull, nil, nil
	}
	return models.SyncTypeIncremental, last, nil
}

func (o *syncOrchestrator) CancelSync(dataSourceID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if flag, ok := o.cancelFlags[dataSourceID]; ok {
		flag.cancel()
		return true
	}
	return false
}

func (o *syncOrchestrator) GetSyncStatus(ctx context.Context, dataSourceID uuid.UUID, limit int) ([]*models.SyncHistory, error) {
	return o.syncHistory.ListBySource(ctx, dataSourceID, limit)
}

func (o *syncOrchestrator) fireCompleted(dataSourceID uuid.UUID) {
	o.mu.Lock()
	callbacks := make([]func(uuid.UUID), len(o.onCompleted))
	copy(callbacks, o.onCompleted)
	o.mu.Unlock()

	for _, fn := range callbacks {
		fn(dataSourceID)
	}
}

func (o *syncOrchestrator) clearCancelFlag(dataSourceID uuid.UUID) {
	o.mu.Lock()
	delete(o.cancelFlags, dataSourceID)
	o.mu.Unlock()
}

// syncTask runs one accepted sync job on the work queue.
type syncTask struct {
	workqueue.BaseTask
	orch    *syncOrchestrator
	source  *models.DataSource
	conn    connector.Connector
	history *models.SyncHistory
	since   *time.Time
	flag    *cancelFlag
	release func()
}

func (t *syncTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	o := t.orch
	defer t.release()
	defer o.clearCancelFlag(t.source.ID)

	if err := o.syncHistory.MarkRunning(ctx, t.history.ID); err != nil {
		return err
	}

	req := &connector.SyncRequest{
		DataSource:  t.source,
		SchemaName:  UnifiedSchema,
		BatchSize:   o.cfg.BatchSize,
		Incremental: t.history.SyncType == models.SyncTypeIncremental,
		Cancelled:   t.flag.cancelled,
		Since:       t.since,
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout())
	defer cancel()

	// One acquire per run covers the connection handshake; OAuth connectors
	// additionally gate every API request.
	if err := o.limiters.For(t.source.AccountKey()).Acquire(fetchCtx); err != nil {
		return t.fail(ctx, nil, err)
	}

	var result *connector.SyncResult
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = o.cfg.MaxFetchRetries
	err := retry.DoIfRetryable(fetchCtx, retryCfg, func() error {
		var syncErr error
		result, syncErr = t.conn.SyncToDatabase(fetchCtx, req)
		return syncErr
	})
	if err != nil {
		return t.fail(ctx, result, err)
	}

	for _, table := range result.Tables {
		meta := &models.TableMetadata{
			DataSourceID:      t.source.ID,
			SchemaName:        UnifiedSchema,
			PhysicalName:      table.PhysicalName,
			LogicalName:       table.LogicalName,
			OriginalSheetName: table.OriginalSheetName,
			FileID:            table.FileID,
			TableType:         table.TableType,
		}
		if err := o.tables.Upsert(ctx, meta); err != nil {
			return t.fail(ctx, result, err)
		}
	}

	status := models.SyncStatusCompleted
	if result.RecordsFailed > 0 {
		if result.RecordsSynced > 0 {
			status = models.SyncStatusPartial
		} else {
			status = models.SyncStatusFailed
		}
	}

	if err := o.syncHistory.Complete(ctx, t.history.ID, status,
		int(result.RecordsSynced), int(result.RecordsFailed), nil); err != nil {
		return err
	}

	o.logger.Info("sync finished",
		zap.String("datasource_id", t.source.ID.String()),
		zap.String("status", status),
		zap.Int64("records_synced", result.RecordsSynced),
		zap.Int64("records_failed", result.RecordsFailed))

	if status == models.SyncStatusCompleted {
		o.fireCompleted(t.source.ID)
	}
	return nil
}

// fail records the terminal failure on the history row. Connector errors are
// translated here and never propagate as uncaught faults; the task itself
// reports success to the queue so it is not retried a second time on top of
// the fetch-level retries. result may be nil; when the connector got partway
// through, its counts go on the history row.
func (t *syncTask) fail(ctx context.Context, result *connector.SyncResult, err error) error {
	o := t.orch

	status := models.SyncStatusFailed
	if errors.Is(err, apperrors.ErrCancelled) || errors.Is(err, context.Canceled) {
		status = models.SyncStatusCancelled
	}

	var synced, failed int
	if result != nil {
		synced = int(result.RecordsSynced)
		failed = int(result.RecordsFailed)
	}

	msg := logging.SanitizeError(err)
	if completeErr := o.syncHistory.Complete(ctx, t.history.ID, status, synced, failed, &msg); completeErr != nil {
		o.logger.Error("failed to record sync failure",
			zap.String("datasource_id", t.source.ID.String()),
			zap.Error(completeErr))
	}

	o.logger.Warn("sync failed",
		zap.String("datasource_id", t.source.ID.String()),
		zap.String("status", status),
		zap.String("error", msg))
	return nil
}
