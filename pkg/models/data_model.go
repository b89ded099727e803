package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Refresh status constants. Transitions follow
// idle -> queued -> refreshing -> {completed, failed}, and back to idle when
// the next schedule window opens.
const (
	RefreshStatusIdle       = "idle"
	RefreshStatusQueued     = "queued"
	RefreshStatusRefreshing = "refreshing"
	RefreshStatusCompleted  = "completed"
	RefreshStatusFailed     = "failed"
)

// Comparison operators allowed in data model WHERE predicates.
const (
	OpEqual        = "="
	OpNotEqual     = "!="
	OpIn           = "IN"
	OpNotIn        = "NOT IN"
	OpBetween      = "BETWEEN"
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
)

// Aggregate functions allowed in data model GROUP BY specs.
const (
	AggSum   = "SUM"
	AggAvg   = "AVG"
	AggCount = "COUNT"
	AggMin   = "MIN"
	AggMax   = "MAX"
)

// ModelColumn is one projected column of a data model, optionally aliased.
type ModelColumn struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
}

// Predicate is one WHERE condition. Value carries a scalar for comparison
// operators, a list for IN/NOT IN, and a two-element list for BETWEEN.
type Predicate struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// AggregateSpec is one GROUP BY aggregate output.
type AggregateSpec struct {
	Function string `json:"function"`
	Column   string `json:"column"`
	Distinct bool   `json:"distinct,omitempty"`
	Alias    string `json:"alias"`
}

// OrderSpec is one ORDER BY term.
type OrderSpec struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// QueryOptions holds the declarative query shape of a data model.
type QueryOptions struct {
	Where   []Predicate     `json:"where,omitempty"`
	GroupBy []AggregateSpec `json:"group_by,omitempty"`
	OrderBy []OrderSpec     `json:"order_by,omitempty"`
}

// Scan implements sql.Scanner for reading JSONB from the database.
func (o *QueryOptions) Scan(value interface{}) error {
	if value == nil {
		*o = QueryOptions{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*o = QueryOptions{}
		return nil
	}

	return json.Unmarshal(bytes, o)
}

// Value implements driver.Valuer for writing JSONB to the database.
func (o QueryOptions) Value() (interface{}, error) {
	return json.Marshal(o)
}

// ModelColumns is a JSONB-backed ordered column list.
type ModelColumns []ModelColumn

// Scan implements sql.Scanner for reading JSONB from the database.
func (c *ModelColumns) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*c = nil
		return nil
	}

	return json.Unmarshal(bytes, c)
}

// Value implements driver.Valuer for writing JSONB to the database.
func (c ModelColumns) Value() (interface{}, error) {
	return json.Marshal(c)
}

// DataModel is a user-defined virtual table: one base table plus
// filter/aggregate/sort options, compiled into a single query on refresh.
// RowCount and LastRefreshedAt are derived by the refresh cycle and never
// user-writable.
type DataModel struct {
	ID                     uuid.UUID    `json:"id"`
	ProjectID              uuid.UUID    `json:"project_id"`
	Name                   string       `json:"name"`
	DataSourceID           uuid.UUID    `json:"data_source_id"`
	SchemaName             string       `json:"schema_name"`
	BaseTable              string       `json:"base_table"` // Physical table name in the unified store
	Columns                ModelColumns `json:"columns"`
	Options                QueryOptions `json:"options"`
	RefreshStatus          string       `json:"refresh_status"`
	LastRefreshedAt        *time.Time   `json:"last_refreshed_at,omitempty"`
	RowCount               int64        `json:"row_count"`
	LastRefreshDurationMs  *int64       `json:"last_refresh_duration_ms,omitempty"`
	AutoRefreshEnabled     bool         `json:"auto_refresh_enabled"`
	RefreshIntervalMinutes *int         `json:"refresh_interval_minutes,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// ValidateRefreshTransition checks a refresh status transition against the
// state machine. The queued transition is additionally guarded by a
// conditional update in the repository so concurrent enqueues cannot both win.
func ValidateRefreshTransition(from, to string) error {
	allowed := map[string][]string{
		RefreshStatusIdle:       {RefreshStatusQueued},
		RefreshStatusQueued:     {RefreshStatusRefreshing, RefreshStatusFailed},
		RefreshStatusRefreshing: {RefreshStatusCompleted, RefreshStatusFailed},
		RefreshStatusCompleted:  {RefreshStatusIdle, RefreshStatusQueued},
		RefreshStatusFailed:     {RefreshStatusIdle, RefreshStatusQueued},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid refresh transition %s -> %s", from, to)
}

// Stale reports whether the model is due for a scheduled refresh at now,
// given the configured default interval.
func (m *DataModel) Stale(now time.Time, defaultInterval time.Duration) bool {
	if !m.AutoRefreshEnabled {
		return false
	}
	if m.LastRefreshedAt == nil {
		return true
	}
	interval := defaultInterval
	if m.RefreshIntervalMinutes != nil && *m.RefreshIntervalMinutes > 0 {
		interval = time.Duration(*m.RefreshIntervalMinutes) * time.Minute
	}
	return now.Sub(*m.LastRefreshedAt) >= interval
}
