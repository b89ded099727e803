package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/config"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
)

// fakeRefreshService records which models get a refresh request.
type fakeRefreshService struct {
	mu       sync.Mutex
	requests []uuid.UUID
	triggers []RefreshTrigger
}

func (f *fakeRefreshService) RequestRefresh(_ context.Context, dataModelID uuid.UUID, trigger RefreshTrigger) (*Acceptance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, dataModelID)
	f.triggers = append(f.triggers, trigger)
	return &Acceptance{Accepted: true}, nil
}

func (f *fakeRefreshService) GetRefreshStatus(context.Context, uuid.UUID) (*RefreshStatus, error) {
	return nil, nil
}

func (f *fakeRefreshService) ListRefreshHistory(context.Context, uuid.UUID, int) ([]*models.RefreshHistory, error) {
	return nil, nil
}

func (f *fakeRefreshService) requested() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.requests...)
}

func schedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		Enabled:                       true,
		ScanSpec:                      "@every 1m",
		DefaultRefreshIntervalMinutes: 60,
	}
}

func TestRefreshScheduler_ScanEnqueuesOnlyStale(t *testing.T) {
	now := time.Now()
	twoHoursAgo := now.Add(-2 * time.Hour)

	stale := &models.DataModel{
		ID:                 uuid.New(),
		AutoRefreshEnabled: true,
		LastRefreshedAt:    &twoHoursAgo,
	}
	neverRefreshed := &models.DataModel{
		ID:                 uuid.New(),
		AutoRefreshEnabled: true,
	}
	fresh := &models.DataModel{
		ID:                 uuid.New(),
		AutoRefreshEnabled: true,
		LastRefreshedAt:    &now,
	}
	disabled := &models.DataModel{
		ID:              uuid.New(),
		LastRefreshedAt: &twoHoursAgo,
	}

	refresh := &fakeRefreshService{}
	s := NewRefreshScheduler(newFakeModelRepo(stale, neverRefreshed, fresh, disabled), refresh, schedulerConfig(), zap.NewNop())

	s.scan()

	got := refresh.requested()
	assert.Len(t, got, 2)
	assert.Contains(t, got, stale.ID)
	assert.Contains(t, got, neverRefreshed.ID)
	for _, trigger := range refresh.triggers {
		assert.Equal(t, "scheduled", trigger.TriggeredBy)
	}
}

func TestRefreshScheduler_CustomIntervalOverride(t *testing.T) {
	tenMinutesAgo := time.Now().Add(-10 * time.Minute)
	five := 5

	m := &models.DataModel{
		ID:                     uuid.New(),
		AutoRefreshEnabled:     true,
		LastRefreshedAt:        &tenMinutesAgo,
		RefreshIntervalMinutes: &five,
	}

	refresh := &fakeRefreshService{}
	s := NewRefreshScheduler(newFakeModelRepo(m), refresh, schedulerConfig(), zap.NewNop())

	// 10 minutes since refresh exceeds the model's 5 minute override even
	// though the 60 minute default has not elapsed.
	s.scan()
	assert.Len(t, refresh.requested(), 1)
}

func TestRefreshScheduler_CascadeFromSync(t *testing.T) {
	sourceID := uuid.New()

	auto := &models.DataModel{
		ID:                 uuid.New(),
		DataSourceID:       sourceID,
		AutoRefreshEnabled: true,
	}
	manualOnly := &models.DataModel{
		ID:           uuid.New(),
		DataSourceID: sourceID,
	}
	otherSource := &models.DataModel{
		ID:                 uuid.New(),
		DataSourceID:       uuid.New(),
		AutoRefreshEnabled: true,
	}

	refresh := &fakeRefreshService{}
	s := NewRefreshScheduler(newFakeModelRepo(auto, manualOnly, otherSource), refresh, schedulerConfig(), zap.NewNop())

	s.CascadeFromSync()(sourceID)

	got := refresh.requested()
	assert.Equal(t, []uuid.UUID{auto.ID}, got)
	assert.Equal(t, "cascade", refresh.triggers[0].TriggeredBy)
	assert.Equal(t, sourceID, *refresh.triggers[0].SourceID)
}

func TestRefreshScheduler_DisabledIsNoop(t *testing.T) {
	cfg := schedulerConfig()
	cfg.Enabled = false

	s := NewRefreshScheduler(newFakeModelRepo(), &fakeRefreshService{}, cfg, zap.NewNop())
	assert.NoError(t, s.Start())
	s.Stop()
}
