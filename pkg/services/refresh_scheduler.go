package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/config"
	"github.com/pipeflow-io/pipeflow-engine/pkg/repositories"
)

// RefreshScheduler periodically scans auto-refresh models and enqueues a
// refresh for every stale one. It also subscribes to sync completions so
// models over freshly synced data refresh without waiting for the next scan.
type RefreshScheduler struct {
	modelRepo repositories.DataModelRepository
	refresh   RefreshService
	cfg       *config.SchedulerConfig
	logger    *zap.Logger
	cron      *cron.Cron
}

// NewRefreshScheduler creates a new RefreshScheduler.
func NewRefreshScheduler(
	modelRepo repositories.DataModelRepository,
	refresh RefreshService,
	cfg *config.SchedulerConfig,
	logger *zap.Logger,
) *RefreshScheduler {
	return &RefreshScheduler{
		modelRepo: modelRepo,
		refresh:   refresh,
		cfg:       cfg,
		logger:    logger.Named("scheduler"),
	}
}

// Start begins the periodic staleness scan. No-op when the scheduler is
// disabled in config.
func (s *RefreshScheduler) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("refresh scheduler disabled")
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.ScanSpec, s.scan); err != nil {
		return err
	}
	s.cron.Start()

	s.logger.Info("refresh scheduler started",
		zap.String("scan_spec", s.cfg.ScanSpec),
		zap.Duration("default_interval", s.cfg.DefaultRefreshInterval()))
	return nil
}

// Stop halts the scan loop and waits for an in-flight scan to finish.
func (s *RefreshScheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// scan enqueues a refresh for every stale auto-refresh model. Rejections from
// models already queued or refreshing are expected and not logged as errors.
func (s *RefreshScheduler) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	candidates, err := s.modelRepo.ListAutoRefresh(ctx)
	if err != nil {
		s.logger.Error("staleness scan failed", zap.Error(err))
		return
	}

	now := time.Now()
	enqueued := 0
	for _, m := range candidates {
		if !m.Stale(now, s.cfg.DefaultRefreshInterval()) {
			continue
		}

		acc, err := s.refresh.RequestRefresh(ctx, m.ID, RefreshTrigger{
			TriggeredBy: "scheduled",
		})
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			s.logger.Warn("failed to enqueue scheduled refresh",
				zap.String("data_model_id", m.ID.String()),
				zap.Error(err))
			continue
		}
		if acc.Accepted {
			enqueued++
		}
	}

	if enqueued > 0 {
		s.logger.Info("staleness scan enqueued refreshes",
			zap.Int("candidates", len(candidates)),
			zap.Int("enqueued", enqueued))
	}
}

// CascadeFromSync returns a sync-completion callback that refreshes every
// auto-refresh model built on the synced source. Wire it into the
// orchestrator with OnSyncCompleted.
func (s *RefreshScheduler) CascadeFromSync() func(dataSourceID uuid.UUID) {
	return func(dataSourceID uuid.UUID) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		dsID := dataSourceID
		affected, err := s.modelRepo.ListBySource(ctx, dsID)
		if err != nil {
			s.logger.Error("cascade scan failed",
				zap.String("datasource_id", dsID.String()),
				zap.Error(err))
			return
		}

		for _, m := range affected {
			if !m.AutoRefreshEnabled {
				continue
			}
			reason := "source sync completed"
			if _, err := s.refresh.RequestRefresh(ctx, m.ID, RefreshTrigger{
				TriggeredBy: "cascade",
				SourceID:    &dsID,
				Reason:      &reason,
			}); err != nil {
				s.logger.Warn("failed to enqueue cascade refresh",
					zap.String("data_model_id", m.ID.String()),
					zap.Error(err))
			}
		}
	}
}
