// Package incident provides ingestion, storage contracts and queries for archived incidents.
package incident

import (
	"context"
	"strings"
	"time"

	"github.com/bissquit/incident-archive/internal/domain"
)

// Store defines the persistence contract for incidents, snapshots and operations.
type Store interface {
	// UpsertIncidents writes full incident records. In create mode an existing
	// record is overwritten. In update mode a missing record yields ErrIncidentNotFound.
	UpsertIncidents(ctx context.Context, incidents []*domain.Incident, mode domain.WriteMode) error
	GetIncident(ctx context.Context, id int64) (*domain.Incident, error)

	// CreateSnapshots appends snapshots. Snapshots whose ID already exists are skipped.
	CreateSnapshots(ctx context.Context, snapshots []*domain.Snapshot) error
	LatestSnapshot(ctx context.Context, incidentID int64) (*domain.Snapshot, error)
	ListSnapshots(ctx context.Context, incidentID int64) ([]*domain.Snapshot, error)

	// CreateOperations appends operations. Operations whose ID already exists are skipped.
	CreateOperations(ctx context.Context, operations []*domain.Operation) error
	ListOperations(ctx context.Context, incidentID int64) ([]*domain.Operation, error)

	SearchIncidents(ctx context.Context, query SearchQuery) (*SearchResult, error)
	IncidentHistogram(ctx context.Context, filter Filter, interval time.Duration) ([]Bucket, error)
	TopN(ctx context.Context, filter Filter, fields []string, size int) (map[string][]TermCount, error)
	CountByStatus(ctx context.Context, filter Filter) (map[domain.IncidentStatus]int, error)
}

// Repository is a Store that can run a group of writes atomically.
type Repository interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Filter narrows incidents by event time and attributes.
// Start and End are inclusive bounds on create_time.
type Filter struct {
	Start       time.Time
	End         time.Time
	Statuses    []domain.IncidentStatus
	Levels      []domain.IncidentLevel
	Assignees   []string
	Handlers    []string
	QueryString string
}

// Ordering fields accepted by SearchIncidents.
const (
	OrderCreateTime = "create_time"
	OrderUpdateTime = "update_time"
	OrderBeginTime  = "begin_time"
	OrderEndTime    = "end_time"
	OrderLevel      = "level"
	OrderStatus     = "status"
	OrderIncidentID = "incident_id"
)

// Ordering is a single sort key.
type Ordering struct {
	Field string
	Desc  bool
}

// SearchQuery is a filtered, ordered and paginated incident search.
// A zero Limit returns only the total.
type SearchQuery struct {
	Filter   Filter
	Ordering Ordering
	Limit    int
	Offset   int
}

// SearchResult holds one page of matches and the uncapped match count.
type SearchResult struct {
	Incidents []*domain.Incident
	Total     int
}

// Bucket is the number of incidents whose create_time falls in
// [Start, Start+interval).
type Bucket struct {
	Start time.Time
	Count int
}

// TermCount is one value of a top-n aggregation.
type TermCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Fields accepted by TopN.
const (
	FieldStatus    = "status"
	FieldLevel     = "level"
	FieldAssignees = "assignees"
	FieldHandlers  = "handlers"
	FieldLabels    = "labels"
)

// TopNFields lists the fields that can be aggregated.
var TopNFields = []string{FieldStatus, FieldLevel, FieldAssignees, FieldHandlers, FieldLabels}

// IsTopNField reports whether field can be aggregated by TopN.
func IsTopNField(field string) bool {
	for _, f := range TopNFields {
		if f == field {
			return true
		}
	}
	return false
}

// IsOrderingField reports whether field can be used for ordering.
func IsOrderingField(field string) bool {
	switch field {
	case OrderCreateTime, OrderUpdateTime, OrderBeginTime, OrderEndTime,
		OrderLevel, OrderStatus, OrderIncidentID:
		return true
	}
	return false
}

// SearchText returns the text indexed for full-text queries: name, reason and labels.
func SearchText(inc *domain.Incident) string {
	parts := make([]string, 0, len(inc.Labels)+2)
	parts = append(parts, inc.Name, inc.Reason)
	parts = append(parts, inc.Labels...)
	return strings.Join(parts, " ")
}
