package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRefreshTransition(t *testing.T) {
	tests := []struct {
		from, to string
		wantErr  bool
	}{
		{RefreshStatusIdle, RefreshStatusQueued, false},
		{RefreshStatusQueued, RefreshStatusRefreshing, false},
		{RefreshStatusRefreshing, RefreshStatusCompleted, false},
		{RefreshStatusRefreshing, RefreshStatusFailed, false},
		{RefreshStatusCompleted, RefreshStatusIdle, false},
		{RefreshStatusFailed, RefreshStatusQueued, false},
		{RefreshStatusIdle, RefreshStatusRefreshing, true},
		{RefreshStatusRefreshing, RefreshStatusQueued, true},
		{RefreshStatusQueued, RefreshStatusQueued, true},
	}

	for _, tt := range tests {
		err := ValidateRefreshTransition(tt.from, tt.to)
		if tt.wantErr {
			assert.Error(t, err, "%s -> %s should be rejected", tt.from, tt.to)
		} else {
			assert.NoError(t, err, "%s -> %s should be allowed", tt.from, tt.to)
		}
	}
}

func TestDataModel_Stale(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	hourAgo := now.Add(-time.Hour)
	fiveMinAgo := now.Add(-5 * time.Minute)
	ten := 10

	tests := []struct {
		name  string
		model DataModel
		want  bool
	}{
		{"auto refresh disabled", DataModel{AutoRefreshEnabled: false, LastRefreshedAt: &hourAgo}, false},
		{"never refreshed", DataModel{AutoRefreshEnabled: true}, true},
		{"past default interval", DataModel{AutoRefreshEnabled: true, LastRefreshedAt: &hourAgo}, true},
		{"within default interval", DataModel{AutoRefreshEnabled: true, LastRefreshedAt: &fiveMinAgo}, false},
		{"per-model override makes it stale", DataModel{AutoRefreshEnabled: true, LastRefreshedAt: &fiveMinAgo, RefreshIntervalMinutes: &ten}, false},
		{"per-model override elapsed", DataModel{AutoRefreshEnabled: true, LastRefreshedAt: &hourAgo, RefreshIntervalMinutes: &ten}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.model.Stale(now, 30*time.Minute))
		})
	}
}

func TestQueryOptions_ScanValue(t *testing.T) {
	opts := QueryOptions{
		Where: []Predicate{
			{Column: "region", Operator: OpEqual, Value: "US"},
		},
		GroupBy: []AggregateSpec{
			{Function: AggSum, Column: "revenue", Alias: "total_revenue"},
		},
		OrderBy: []OrderSpec{
			{Column: "total_revenue", Descending: true},
		},
	}

	raw, err := opts.Value()
	require.NoError(t, err)

	var decoded QueryOptions
	require.NoError(t, decoded.Scan(raw))

	assert.Equal(t, opts.Where[0].Column, decoded.Where[0].Column)
	assert.Equal(t, opts.GroupBy[0].Alias, decoded.GroupBy[0].Alias)
	assert.True(t, decoded.OrderBy[0].Descending)
}

func TestQueryOptions_ScanNil(t *testing.T) {
	var opts QueryOptions
	require.NoError(t, opts.Scan(nil))
	assert.Empty(t, opts.Where)
}

func TestModelColumns_ScanValue(t *testing.T) {
	cols := ModelColumns{
		{Name: "region"},
		{Name: "revenue", Alias: "rev"},
	}

	raw, err := cols.Value()
	require.NoError(t, err)

	var decoded ModelColumns
	require.NoError(t, decoded.Scan(raw))
	require.Len(t, decoded, 2)
	assert.Equal(t, "rev", decoded[1].Alias)
}

func TestDataSource_AccountKey(t *testing.T) {
	oauth := DataSource{
		SourceType:        SourceTypeMetaAds,
		ConnectionDetails: map[string]any{"account_id": "act_12345"},
	}
	assert.Equal(t, "meta_ads:act_12345", oauth.AccountKey())

	db := DataSource{SourceType: SourceTypePostgres}
	assert.Equal(t, db.ID.String(), db.AccountKey())
}
