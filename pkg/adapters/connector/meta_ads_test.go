package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/ratelimit"
)

func testLimiters() *ratelimit.Registry {
	return ratelimit.NewRegistry(ratelimit.Config{
		MaxRequests:    1000,
		Window:         time.Second,
		Burst:          1000,
		AcquireTimeout: time.Second,
	})
}

func metaConnectorForURL(url string, fs *fakeStore) *metaAdsConnector {
	c := NewMetaAdsConnector(fs, testLimiters(), zap.NewNop()).(*metaAdsConnector)
	c.baseURL = url
	return c
}

func TestMetaAdsConnector_SyncPaginates(t *testing.T) {
	fs := newFakeStore()
	var server *httptest.Server
	page := 0
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		w.Header().Set("Content-Type", "application/json")
		if page == 1 {
			fmt.Fprintf(w, `{
				"data": [
					{"date_start":"2026-08-01","campaign_id":"c1","campaign_name":"Summer","impressions":"1000","clicks":"50","spend":"12.34"},
					{"date_start":"2026-08-02","campaign_id":"c1","campaign_name":"Summer","impressions":"900","clicks":"40","spend":"10.00"}
				],
				"paging": {"next": "%s/page2"}
			}`, server.URL)
			return
		}
		fmt.Fprint(w, `{
			"data": [
				{"date_start":"2026-08-03","campaign_id":"c2","campaign_name":"Fall","impressions":"500","clicks":"20","spend":"5.50"}
			],
			"paging": {}
		}`)
	}))
	defer server.Close()

	c := metaConnectorForURL(server.URL, fs)
	ds := &models.DataSource{
		ID:         uuid.New(),
		SourceType: models.SourceTypeMetaAds,
		ConnectionDetails: map[string]any{
			"access_token": "tok",
			"account_id":   "123",
		},
	}

	result, err := c.SyncToDatabase(context.Background(), &SyncRequest{
		DataSource: ds,
		SchemaName: "public",
		BatchSize:  100,
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if result.RecordsSynced != 3 {
		t.Errorf("expected 3 records across pages, got %d", result.RecordsSynced)
	}
	if len(result.Tables) != 1 || result.Tables[0].TableType != models.TableTypeReport {
		t.Errorf("unexpected tables: %+v", result.Tables)
	}
	if fs.rowCount(result.Tables[0].PhysicalName) != 3 {
		t.Errorf("expected 3 stored rows, got %d", fs.rowCount(result.Tables[0].PhysicalName))
	}
}

func TestMetaAdsConnector_IncrementalRerunDoesNotDuplicate(t *testing.T) {
	fs := newFakeStore()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"data": [
				{"date_start":"2026-08-30","campaign_id":"c1","campaign_name":"Summer","impressions":"1000","clicks":"50","spend":"12.34"}
			],
			"paging": {}
		}`)
	}))
	defer server.Close()

	c := metaConnectorForURL(server.URL, fs)
	ds := &models.DataSource{
		ID:         uuid.New(),
		SourceType: models.SourceTypeMetaAds,
		ConnectionDetails: map[string]any{
			"access_token": "tok",
			"account_id":   "123",
		},
	}
	since := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)
	req := &SyncRequest{
		DataSource:  ds,
		SchemaName:  "public",
		BatchSize:   100,
		Incremental: true,
		Since:       &since,
	}

	// The fetch window starts at the watermark day, so a second run with no
	// new upstream data returns the same row again.
	var physical string
	for i := 0; i < 2; i++ {
		result, err := c.SyncToDatabase(context.Background(), req)
		if err != nil {
			t.Fatalf("incremental sync %d failed: %v", i, err)
		}
		if result.RecordsSynced != 1 {
			t.Errorf("run %d: expected 1 record, got %d", i, result.RecordsSynced)
		}
		physical = result.Tables[0].PhysicalName
	}

	if got := fs.rowCount(physical); got != 1 {
		t.Errorf("watermark-day row stored %d times across incremental re-runs, want 1", got)
	}
}

func TestMetaAdsConnector_AuthErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid OAuth access token"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	c := metaConnectorForURL(server.URL, newFakeStore())
	err := c.Authenticate(context.Background(), map[string]any{"access_token": "bad"})

	var ae *apperrors.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestMetaAdsConnector_RateLimitResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":17}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := metaConnectorForURL(server.URL, newFakeStore())
	ds := &models.DataSource{
		ID:         uuid.New(),
		SourceType: models.SourceTypeMetaAds,
		ConnectionDetails: map[string]any{
			"access_token": "tok",
			"account_id":   "123",
		},
	}
	_, err := c.SyncToDatabase(context.Background(), &SyncRequest{DataSource: ds, BatchSize: 10})

	var rle *apperrors.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
}

func TestMetaAdsConnector_MissingCredentials(t *testing.T) {
	c := NewMetaAdsConnector(newFakeStore(), testLimiters(), zap.NewNop())
	err := c.Authenticate(context.Background(), map[string]any{})
	if !apperrors.IsAuth(err) {
		t.Errorf("expected auth error, got %v", err)
	}
}
