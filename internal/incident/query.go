package incident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/incident-archive/internal/domain"
)

// MaxResultWindow caps reported totals and how deep pagination may reach.
const MaxResultWindow = 10000

// Top-n defaults.
const (
	DefaultTopNSize = 10
	MaxTopNSize     = 100
)

// QueryConfig contains query engine configuration.
type QueryConfig struct {
	DefaultPageSize int
	MaxPageSize     int
	MaxBuckets      int
}

// DefaultQueryConfig returns default query configuration.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		DefaultPageSize: 10,
		MaxPageSize:     500,
		MaxBuckets:      10000,
	}
}

// SearchRequest is a caller's filter over incidents. Times are Unix seconds
// and both bounds are inclusive.
type SearchRequest struct {
	StartTime   int64    `json:"start_time" validate:"required,gt=0"`
	EndTime     int64    `json:"end_time" validate:"required,gtefield=StartTime"`
	Status      []string `json:"status" validate:"dive,oneof=abnormal recovering recovered closed"`
	Level       []string `json:"level" validate:"dive,oneof=ERROR WARN INFO"`
	Assignee    []string `json:"assignee"`
	Handler     []string `json:"handler"`
	QueryString string   `json:"query_string"`
	Ordering    string   `json:"ordering"`
	Page        int      `json:"page" validate:"omitempty,min=1"`
	PageSize    int      `json:"page_size" validate:"omitempty,min=1"`
}

// SearchResponse is one page of incidents shaped for display.
type SearchResponse struct {
	Total     int            `json:"total"`
	Incidents []IncidentView `json:"incidents"`
}

// HistogramBucket is one histogram bar. Time is the bucket start in Unix seconds.
type HistogramBucket struct {
	Time  int64 `json:"time"`
	Count int   `json:"count"`
}

// HistogramResponse is a dense date histogram over the requested range.
type HistogramResponse struct {
	Interval int64             `json:"interval"`
	Buckets  []HistogramBucket `json:"buckets"`
}

// OverviewResponse summarizes matching incidents per status.
type OverviewResponse struct {
	Total    int           `json:"total"`
	Statuses []StatusCount `json:"statuses"`
}

// StatusCount is the number of incidents in one status.
type StatusCount struct {
	Status string `json:"status"`
	Label  string `json:"label"`
	Count  int    `json:"count"`
}

// IncidentView is the display shape of an incident. Times are Unix seconds.
type IncidentView struct {
	ID          int64          `json:"incident_id"`
	Name        string         `json:"incident_name"`
	Reason      string         `json:"incident_reason"`
	Status      string         `json:"status"`
	StatusLabel string         `json:"status_alias"`
	Level       string         `json:"level"`
	LevelLabel  string         `json:"level_alias"`
	Assignees   []string       `json:"assignees"`
	Handlers    []string       `json:"handlers"`
	Labels      []string       `json:"labels"`
	CreateTime  int64          `json:"create_time"`
	UpdateTime  int64          `json:"update_time"`
	BeginTime   int64          `json:"begin_time"`
	EndTime     *int64         `json:"end_time"`
	Duration    int64          `json:"duration"`
	Dimensions  domain.JSONMap `json:"dimensions"`
}

// NewIncidentView shapes inc for display. Ongoing incidents last until now.
func NewIncidentView(inc *domain.Incident, now time.Time) IncidentView {
	v := IncidentView{
		ID:          inc.ID,
		Name:        inc.Name,
		Reason:      inc.Reason,
		Status:      string(inc.Status),
		StatusLabel: inc.Status.Label(),
		Level:       string(inc.Level),
		LevelLabel:  inc.Level.Label(),
		Assignees:   nonNilStrings(inc.Assignees),
		Handlers:    nonNilStrings(inc.Handlers),
		Labels:      nonNilStrings(inc.Labels),
		CreateTime:  unixSeconds(inc.CreateTime),
		UpdateTime:  unixSeconds(inc.UpdateTime),
		BeginTime:   unixSeconds(inc.BeginTime),
		Duration:    int64(inc.Duration(now) / time.Second),
		Dimensions:  inc.Dimensions,
	}
	if inc.EndTime != nil {
		end := inc.EndTime.Unix()
		v.EndTime = &end
	}
	if v.Dimensions == nil {
		v.Dimensions = domain.JSONMap{}
	}
	return v
}

// QueryEngine answers read-only incident queries. It holds no mutable state
// and is safe for concurrent use.
type QueryEngine struct {
	store  Store
	config QueryConfig
	now    func() time.Time
}

// NewQueryEngine creates a new query engine.
func NewQueryEngine(config QueryConfig, store Store) *QueryEngine {
	def := DefaultQueryConfig()
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = def.DefaultPageSize
	}
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = def.MaxPageSize
	}
	if config.MaxBuckets <= 0 {
		config.MaxBuckets = def.MaxBuckets
	}
	return &QueryEngine{
		store:  store,
		config: config,
		now:    time.Now,
	}
}

// pageOffset returns the first row of page, clamped to MaxResultWindow so
// huge page numbers cannot overflow.
func pageOffset(page, pageSize int) int {
	if page-1 > MaxResultWindow/pageSize {
		return MaxResultWindow
	}
	return min((page-1)*pageSize, MaxResultWindow)
}

// Search returns one page of matching incidents and their count.
// The count never exceeds MaxResultWindow, and pages starting beyond the
// window are empty.
func (e *QueryEngine) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	filter, err := BuildFilter(req)
	if err != nil {
		return nil, err
	}
	ordering, err := ParseOrdering(req.Ordering)
	if err != nil {
		return nil, err
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = e.config.DefaultPageSize
	}
	if pageSize > e.config.MaxPageSize {
		pageSize = e.config.MaxPageSize
	}

	query := SearchQuery{
		Filter:   filter,
		Ordering: ordering,
		Offset:   pageOffset(page, pageSize),
	}
	if query.Offset < MaxResultWindow {
		query.Limit = min(pageSize, MaxResultWindow-query.Offset)
	}

	result, err := e.store.SearchIncidents(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search incidents: %w", err)
	}

	now := e.now()
	resp := &SearchResponse{
		Total:     min(result.Total, MaxResultWindow),
		Incidents: make([]IncidentView, 0, len(result.Incidents)),
	}
	for _, inc := range result.Incidents {
		resp.Incidents = append(resp.Incidents, NewIncidentView(inc, now))
	}
	return resp, nil
}

// DateHistogram counts matching incidents per aligned time bucket. Every
// bucket overlapping the requested range is present, empty ones with zero.
// interval is "auto", whole seconds or a duration such as "5m".
func (e *QueryEngine) DateHistogram(ctx context.Context, req SearchRequest, interval string) (*HistogramResponse, error) {
	filter, err := BuildFilter(req)
	if err != nil {
		return nil, err
	}

	var width time.Duration
	if interval == "" || interval == IntervalAuto {
		width = AutoInterval(filter.Start, filter.End)
	} else {
		width, err = ParseInterval(interval)
		if err != nil {
			return nil, err
		}
	}

	if n := BucketCount(filter.Start, filter.End, width); n > e.config.MaxBuckets {
		return nil, fmt.Errorf("%w: %d buckets exceeds %d", ErrTooManyBuckets, n, e.config.MaxBuckets)
	}

	sparse, err := e.store.IncidentHistogram(ctx, filter, width)
	if err != nil {
		return nil, fmt.Errorf("incident histogram: %w", err)
	}

	dense := FillHistogram(filter.Start, filter.End, width, sparse)
	resp := &HistogramResponse{
		Interval: int64(width / time.Second),
		Buckets:  make([]HistogramBucket, 0, len(dense)),
	}
	for _, b := range dense {
		resp.Buckets = append(resp.Buckets, HistogramBucket{Time: b.Start.Unix(), Count: b.Count})
	}
	return resp, nil
}

// TopN returns the size most frequent values per field among matching incidents.
// An empty fields list aggregates every supported field.
func (e *QueryEngine) TopN(ctx context.Context, req SearchRequest, fields []string, size int) (map[string][]TermCount, error) {
	filter, err := BuildFilter(req)
	if err != nil {
		return nil, err
	}

	if len(fields) == 0 {
		fields = TopNFields
	}
	fields = domain.UniqueStrings(fields)
	for _, f := range fields {
		if !IsTopNField(f) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
	}

	if size <= 0 {
		size = DefaultTopNSize
	}
	if size > MaxTopNSize {
		size = MaxTopNSize
	}

	result, err := e.store.TopN(ctx, filter, fields, size)
	if err != nil {
		return nil, fmt.Errorf("top n: %w", err)
	}
	for _, f := range fields {
		if result[f] == nil {
			result[f] = []TermCount{}
		}
	}
	return result, nil
}

// Overview counts matching incidents per status. Every known status is
// listed, including those with no incidents.
func (e *QueryEngine) Overview(ctx context.Context, req SearchRequest) (*OverviewResponse, error) {
	filter, err := BuildFilter(req)
	if err != nil {
		return nil, err
	}

	counts, err := e.store.CountByStatus(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}

	resp := &OverviewResponse{Statuses: make([]StatusCount, 0, len(domain.IncidentStatuses))}
	for _, s := range domain.IncidentStatuses {
		resp.Statuses = append(resp.Statuses, StatusCount{
			Status: string(s),
			Label:  s.Label(),
			Count:  counts[s],
		})
		resp.Total += counts[s]
	}
	return resp, nil
}

// BuildFilter converts a request into a store filter.
func BuildFilter(req SearchRequest) (Filter, error) {
	if req.StartTime <= 0 || req.EndTime <= 0 || req.EndTime < req.StartTime {
		return Filter{}, fmt.Errorf("%w: start_time=%d end_time=%d", ErrInvalidTimeRange, req.StartTime, req.EndTime)
	}

	f := Filter{
		Start:       time.Unix(req.StartTime, 0).UTC(),
		End:         time.Unix(req.EndTime, 0).UTC(),
		Assignees:   domain.UniqueStrings(req.Assignee),
		Handlers:    domain.UniqueStrings(req.Handler),
		QueryString: strings.TrimSpace(req.QueryString),
	}
	for _, s := range domain.UniqueStrings(req.Status) {
		status := domain.IncidentStatus(s)
		if !status.IsValid() {
			return Filter{}, fmt.Errorf("%w: status %q", ErrInvalidFilter, s)
		}
		f.Statuses = append(f.Statuses, status)
	}
	for _, l := range domain.UniqueStrings(req.Level) {
		level := domain.IncidentLevel(l)
		if !level.IsValid() {
			return Filter{}, fmt.Errorf("%w: level %q", ErrInvalidFilter, l)
		}
		f.Levels = append(f.Levels, level)
	}
	return f, nil
}

// ParseOrdering parses "field" or "-field". An empty string orders by
// create_time descending.
func ParseOrdering(s string) (Ordering, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ordering{Field: OrderCreateTime, Desc: true}, nil
	}

	o := Ordering{Field: s}
	if strings.HasPrefix(s, "-") {
		o = Ordering{Field: strings.TrimPrefix(s, "-"), Desc: true}
	}
	if !IsOrderingField(o.Field) {
		return Ordering{}, fmt.Errorf("%w: ordering %q", ErrUnknownField, s)
	}
	return o, nil
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
