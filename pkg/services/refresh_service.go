package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/locks"
	"github.com/pipeflow-io/pipeflow-engine/pkg/logging"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/repositories"
	"github.com/pipeflow-io/pipeflow-engine/pkg/services/workqueue"
	"github.com/pipeflow-io/pipeflow-engine/pkg/sql"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// RefreshTrigger carries provenance for a refresh request.
type RefreshTrigger struct {
	TriggeredBy string // manual, scheduled, or cascade
	UserID      *uuid.UUID
	SourceID    *uuid.UUID
	Reason      *string
}

// RefreshStatus is the queryable refresh state of a data model.
type RefreshStatus struct {
	Status          string     `json:"status"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	RowCount        int64      `json:"row_count"`
	DurationMs      *int64     `json:"duration_ms,omitempty"`
}

// RefreshService materializes data models: it compiles the model definition
// into SQL, executes it against the unified store, and records the outcome in
// the refresh history.
type RefreshService interface {
	// RequestRefresh enqueues a refresh. A model already queued or refreshing
	// rejects the request instead of stacking a second run.
	RequestRefresh(ctx context.Context, dataModelID uuid.UUID, trigger RefreshTrigger) (*Acceptance, error)

	// GetRefreshStatus returns the current refresh state of a model.
	GetRefreshStatus(ctx context.Context, dataModelID uuid.UUID) (*RefreshStatus, error)

	// ListRefreshHistory returns recent refresh attempts, newest first.
	ListRefreshHistory(ctx context.Context, dataModelID uuid.UUID, limit int) ([]*models.RefreshHistory, error)
}

type refreshService struct {
	modelRepo   repositories.DataModelRepository
	historyRepo repositories.RefreshHistoryRepository
	store       store.Store
	queue       *workqueue.Queue
	locker      locks.Locker
	logger      *zap.Logger
}

// NewRefreshService creates a new RefreshService.
func NewRefreshService(
	modelRepo repositories.DataModelRepository,
	historyRepo repositories.RefreshHistoryRepository,
	s store.Store,
	queue *workqueue.Queue,
	locker locks.Locker,
	logger *zap.Logger,
) RefreshService {
	return &refreshService{
		modelRepo:   modelRepo,
		historyRepo: historyRepo,
		store:       s,
		queue:       queue,
		locker:      locker,
		logger:      logger.Named("refresh"),
	}
}

var _ RefreshService = (*refreshService)(nil)

// refreshEnqueueable are the states a refresh can be requested from. queued
// and refreshing are deliberately absent.
var refreshEnqueueable = []string{
	models.RefreshStatusIdle,
	models.RefreshStatusCompleted,
	models.RefreshStatusFailed,
}

func (s *refreshService) RequestRefresh(ctx context.Context, dataModelID uuid.UUID, trigger RefreshTrigger) (*Acceptance, error) {
	m, err := s.modelRepo.Get(ctx, dataModelID)
	if err != nil {
		return nil, err
	}

	// The conditional update is the admission gate: of two concurrent
	// requests, exactly one observes an enqueueable state and wins.
	ok, err := s.modelRepo.TryTransition(ctx, dataModelID, refreshEnqueueable, models.RefreshStatusQueued)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Acceptance{Accepted: false, Reason: apperrors.ErrRefreshInProgress.Error()}, nil
	}

	task := &refreshTask{
		BaseTask: workqueue.NewBaseTask("refresh "+m.Name, dataModelID.String()),
		svc:      s,
		modelID:  dataModelID,
		trigger:  trigger,
	}
	s.queue.Enqueue(task)

	return &Acceptance{Accepted: true, JobID: task.ID()}, nil
}

func (s *refreshService) GetRefreshStatus(ctx context.Context, dataModelID uuid.UUID) (*RefreshStatus, error) {
	m, err := s.modelRepo.Get(ctx, dataModelID)
	if err != nil {
		return nil, err
	}
	return &RefreshStatus{
		Status:          m.RefreshStatus,
		LastRefreshedAt: m.LastRefreshedAt,
		RowCount:        m.RowCount,
		DurationMs:      m.LastRefreshDurationMs,
	}, nil
}

func (s *refreshService) ListRefreshHistory(ctx context.Context, dataModelID uuid.UUID, limit int) ([]*models.RefreshHistory, error) {
	return s.historyRepo.ListByModel(ctx, dataModelID, limit)
}

// refreshTask runs one queued refresh on the work queue, keyed by model ID so
// refreshes of the same model never overlap.
type refreshTask struct {
	workqueue.BaseTask
	svc     *refreshService
	modelID uuid.UUID
	trigger RefreshTrigger
}

func (t *refreshTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	s := t.svc

	release, ok, err := s.locker.TryAcquire(ctx, "refresh:"+t.modelID.String())
	if err != nil {
		return err
	}
	if !ok {
		// Another instance picked this model up; the queued row belongs to it.
		return nil
	}
	defer release()

	ok, err = s.modelRepo.TryTransition(ctx, t.modelID, []string{models.RefreshStatusQueued}, models.RefreshStatusRefreshing)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	m, err := s.modelRepo.Get(ctx, t.modelID)
	if err != nil {
		return t.fail(ctx, nil, err)
	}

	compiled, err := t.compile(ctx, m)
	if err != nil {
		return t.fail(ctx, nil, err)
	}

	history := &models.RefreshHistory{
		DataModelID:     t.modelID,
		RowsBefore:      m.RowCount,
		TriggeredBy:     t.trigger.TriggeredBy,
		TriggerUserID:   t.trigger.UserID,
		TriggerSourceID: t.trigger.SourceID,
		Reason:          t.trigger.Reason,
		QueryText:       compiled.SQL,
	}
	if err := s.historyRepo.Create(ctx, history); err != nil {
		return t.fail(ctx, nil, err)
	}

	start := time.Now()
	results, err := s.store.Query(ctx, compiled.SQL, compiled.Params)
	if err != nil {
		return t.fail(ctx, history, err)
	}
	duration := time.Since(start)

	rowsAfter := int64(len(results))
	history.Status = models.RefreshStatusCompleted
	history.RowsAfter = rowsAfter
	history.RowsChanged = rowsAfter - m.RowCount
	if err := s.historyRepo.Complete(ctx, history); err != nil {
		return err
	}
	if err := s.modelRepo.RecordRefreshSuccess(ctx, t.modelID, rowsAfter, duration.Milliseconds(), time.Now()); err != nil {
		return err
	}

	if _, err := s.modelRepo.TryTransition(ctx, t.modelID,
		[]string{models.RefreshStatusRefreshing}, models.RefreshStatusCompleted); err != nil {
		return err
	}

	s.logger.Info("refresh finished",
		zap.String("data_model_id", t.modelID.String()),
		zap.Int64("row_count", rowsAfter),
		zap.Int64("rows_changed", rowsAfter-m.RowCount),
		zap.Duration("duration", duration))
	return nil
}

// compile resolves the model's base table schema from the store and compiles
// the declarative definition into a single parameterized statement.
func (t *refreshTask) compile(ctx context.Context, m *models.DataModel) (*sql.Compiled, error) {
	cols, err := t.svc.store.ListColumns(ctx, m.SchemaName, m.BaseTable)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, &apperrors.SchemaError{Source: m.BaseTable, Detail: "base table has no columns or does not exist"}
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return sql.Compile(m, sql.NewColumnSet(names))
}

// fail records a terminal failure on both the history row and the model's
// refresh state. History is append-only per attempt, so a failure before the
// query opened a row still gets one.
func (t *refreshTask) fail(ctx context.Context, history *models.RefreshHistory, err error) error {
	s := t.svc

	msg := logging.SanitizeError(err)
	detail := fmt.Sprintf("%+v", err)

	if history == nil {
		history = &models.RefreshHistory{
			DataModelID:     t.modelID,
			TriggeredBy:     t.trigger.TriggeredBy,
			TriggerUserID:   t.trigger.UserID,
			TriggerSourceID: t.trigger.SourceID,
			Reason:          t.trigger.Reason,
		}
		if createErr := s.historyRepo.Create(ctx, history); createErr != nil {
			s.logger.Error("failed to open refresh history for failed attempt",
				zap.String("data_model_id", t.modelID.String()),
				zap.Error(createErr))
			history = nil
		}
	}

	if history != nil {
		history.Status = models.RefreshStatusFailed
		history.ErrorMessage = &msg
		history.ErrorStack = &detail
		if completeErr := s.historyRepo.Complete(ctx, history); completeErr != nil {
			s.logger.Error("failed to record refresh failure",
				zap.String("data_model_id", t.modelID.String()),
				zap.Error(completeErr))
		}
	}

	if _, trErr := s.modelRepo.TryTransition(ctx, t.modelID,
		[]string{models.RefreshStatusQueued, models.RefreshStatusRefreshing},
		models.RefreshStatusFailed); trErr != nil {
		s.logger.Error("failed to mark model failed",
			zap.String("data_model_id", t.modelID.String()),
			zap.Error(trErr))
	}

	s.logger.Warn("refresh failed",
		zap.String("data_model_id", t.modelID.String()),
		zap.String("error", msg))
	return nil
}
