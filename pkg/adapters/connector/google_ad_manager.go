package connector

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/metadata"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/ratelimit"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

const (
	adManagerScope       = "https://www.googleapis.com/auth/admanager"
	adManagerAdUnitsURL  = "https://admanager.googleapis.com/v1/networks/%s/adUnits"
	adManagerAdUnitTable = "ad_manager_ad_units"
)

var adManagerColumns = []store.ColumnDef{
	{Name: "ad_unit_id", Type: "TEXT"},
	{Name: "display_name", Type: "TEXT"},
	{Name: "status", Type: "TEXT"},
	{Name: "parent_path", Type: "TEXT"},
}

// adManagerConnector materializes the ad unit inventory of a Google Ad
// Manager network. Connection details: client_id, client_secret,
// refresh_token, network_code, account_id.
type adManagerConnector struct {
	store  store.Store
	api    *apiClient
	logger *zap.Logger
}

// NewGoogleAdManagerConnector creates the Ad Manager connector.
func NewGoogleAdManagerConnector(s store.Store, limiters *ratelimit.Registry, logger *zap.Logger) Connector {
	return &adManagerConnector{
		store:  s,
		api:    newAPIClient(models.SourceTypeGoogleAdManager, limiters),
		logger: logger.Named("connector.google_ad_manager"),
	}
}

var _ Connector = (*adManagerConnector)(nil)

func (c *adManagerConnector) Type() string { return models.SourceTypeGoogleAdManager }

func (c *adManagerConnector) Authenticate(ctx context.Context, details map[string]any) error {
	if stringDetail(details, "network_code", "") == "" {
		return &apperrors.AuthError{Provider: c.Type(), Err: fmt.Errorf("network_code is required")}
	}
	ts, err := c.api.googleTokenSource(ctx, details, adManagerScope)
	if err != nil {
		return err
	}
	return c.api.verifyToken(ts)
}

func (c *adManagerConnector) GetSchema(_ context.Context, _ map[string]any) ([]TableSchema, error) {
	return []TableSchema{{Name: adManagerAdUnitTable, Columns: adManagerColumns}}, nil
}

// SupportsIncremental is false: the inventory listing has no watermark, so
// every sync is a full replace.
func (c *adManagerConnector) SupportsIncremental(map[string]any) bool { return false }

type adManagerAdUnitsResponse struct {
	AdUnits []struct {
		AdUnitID     string `json:"adUnitId"`
		DisplayName  string `json:"displayName"`
		Status       string `json:"status"`
		ParentPath   string `json:"parentPath"`
	} `json:"adUnits"`
	NextPageToken string `json:"nextPageToken"`
}

func (c *adManagerConnector) SyncToDatabase(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	details := req.DataSource.ConnectionDetails

	networkCode := stringDetail(details, "network_code", "")
	if networkCode == "" {
		return nil, &apperrors.AuthError{Provider: c.Type(), Err: fmt.Errorf("network_code is required")}
	}
	ts, err := c.api.googleTokenSource(ctx, details, adManagerScope)
	if err != nil {
		return nil, err
	}

	accountKey := req.DataSource.AccountKey()

	logical := metadata.LogicalName(adManagerAdUnitTable)
	physical := metadata.PhysicalName(req.DataSource.ID, logical)

	w := newTableWriter(c.store, req, physical, adManagerColumns, c.logger)
	if err := w.begin(ctx, true); err != nil {
		return nil, err
	}

	base := fmt.Sprintf(adManagerAdUnitsURL, networkCode)
	pageToken := ""
	for {
		reqURL := base
		if pageToken != "" {
			reqURL += "?pageToken=" + url.QueryEscape(pageToken)
		}

		var resp adManagerAdUnitsResponse
		if err := c.api.getJSON(ctx, accountKey, reqURL, ts, &resp); err != nil {
			return w.partial(), err
		}

		for _, u := range resp.AdUnits {
			record := []any{u.AdUnitID, u.DisplayName, u.Status, u.ParentPath}
			if err := w.add(ctx, record); err != nil {
				return w.partial(), err
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	if err := w.flush(ctx); err != nil {
		return w.partial(), err
	}

	return &SyncResult{
		RecordsSynced: w.synced,
		RecordsFailed: w.failed,
		Tables: []SyncedTable{{
			PhysicalName: physical,
			LogicalName:  logical,
			TableType:    models.TableTypeReport,
			Columns:      adManagerColumns,
		}},
	}, nil
}
