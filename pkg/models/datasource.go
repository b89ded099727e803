package models

import (
	"time"

	"github.com/google/uuid"
)

// Data source type constants. One connector implementation exists per type.
const (
	SourceTypePostgres        = "postgresql"
	SourceTypeMSSQL           = "mssql"
	SourceTypeMongoDB         = "mongodb"
	SourceTypeExcel           = "excel"
	SourceTypePDF             = "pdf"
	SourceTypeGoogleAnalytics = "google_analytics"
	SourceTypeGoogleAds       = "google_ads"
	SourceTypeGoogleAdManager = "google_ad_manager"
	SourceTypeMetaAds         = "meta_ads"
)

// DataSource represents an external data connection owned by a project.
// ConnectionDetails carries credentials (host, password, OAuth refresh token,
// file path, etc.) and is encrypted at rest by the service layer.
type DataSource struct {
	ID                uuid.UUID      `json:"id"`
	ProjectID         uuid.UUID      `json:"project_id"`
	Name              string         `json:"name"`
	SourceType        string         `json:"source_type"`
	ConnectionDetails map[string]any `json:"connection_details"` // Decrypted; structure varies by type
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// AccountKey returns the rate-limit bucket key for this source. OAuth sources
// on the same provider account share a budget; everything else gets a bucket
// per source.
func (d *DataSource) AccountKey() string {
	switch d.SourceType {
	case SourceTypeGoogleAnalytics, SourceTypeGoogleAds, SourceTypeGoogleAdManager, SourceTypeMetaAds:
		if acct, ok := d.ConnectionDetails["account_id"].(string); ok && acct != "" {
			return d.SourceType + ":" + acct
		}
	}
	return d.ID.String()
}
