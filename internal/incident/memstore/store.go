// Package memstore provides an in-memory implementation of incident.Repository.
package memstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/bissquit/incident-archive/internal/domain"
	"github.com/bissquit/incident-archive/internal/incident"
)

// Store keeps incidents, snapshots and operations in memory.
// It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex
	st *state
}

// New creates an empty store.
func New() *Store {
	return &Store{st: newState()}
}

var _ incident.Repository = (*Store)(nil)

// WithTx runs fn against a copy of the store and publishes the copy only if fn succeeds.
// Transactions are serialized with all other writes.
func (s *Store) WithTx(ctx context.Context, fn func(tx incident.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.st.clone()
	if err := fn(draft); err != nil {
		return err
	}
	s.st = draft
	return nil
}

// UpsertIncidents implements incident.Store.
func (s *Store) UpsertIncidents(ctx context.Context, incidents []*domain.Incident, mode domain.WriteMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpsertIncidents(ctx, incidents, mode)
}

// GetIncident implements incident.Store.
func (s *Store) GetIncident(ctx context.Context, id int64) (*domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetIncident(ctx, id)
}

// CreateSnapshots implements incident.Store.
func (s *Store) CreateSnapshots(ctx context.Context, snapshots []*domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateSnapshots(ctx, snapshots)
}

// LatestSnapshot implements incident.Store.
func (s *Store) LatestSnapshot(ctx context.Context, incidentID int64) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.LatestSnapshot(ctx, incidentID)
}

// ListSnapshots implements incident.Store.
func (s *Store) ListSnapshots(ctx context.Context, incidentID int64) ([]*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListSnapshots(ctx, incidentID)
}

// CreateOperations implements incident.Store.
func (s *Store) CreateOperations(ctx context.Context, operations []*domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateOperations(ctx, operations)
}

// ListOperations implements incident.Store.
func (s *Store) ListOperations(ctx context.Context, incidentID int64) ([]*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListOperations(ctx, incidentID)
}

// SearchIncidents implements incident.Store.
func (s *Store) SearchIncidents(ctx context.Context, query incident.SearchQuery) (*incident.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.SearchIncidents(ctx, query)
}

// IncidentHistogram implements incident.Store.
func (s *Store) IncidentHistogram(ctx context.Context, filter incident.Filter, interval time.Duration) ([]incident.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.IncidentHistogram(ctx, filter, interval)
}

// TopN implements incident.Store.
func (s *Store) TopN(ctx context.Context, filter incident.Filter, fields []string, size int) (map[string][]incident.TermCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.TopN(ctx, filter, fields, size)
}

// CountByStatus implements incident.Store.
func (s *Store) CountByStatus(ctx context.Context, filter incident.Filter) (map[domain.IncidentStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.CountByStatus(ctx, filter)
}

// state is the unlocked store content. Stored values are never mutated in
// place, so cloning copies only the containers.
type state struct {
	incidents    map[int64]*domain.Incident
	order        []int64
	snapshots    []*domain.Snapshot
	snapshotIDs  map[string]struct{}
	operations   []*domain.Operation
	operationIDs map[string]struct{}
}

func newState() *state {
	return &state{
		incidents:    make(map[int64]*domain.Incident),
		snapshotIDs:  make(map[string]struct{}),
		operationIDs: make(map[string]struct{}),
	}
}

func (st *state) clone() *state {
	c := &state{
		incidents:    make(map[int64]*domain.Incident, len(st.incidents)),
		order:        append([]int64(nil), st.order...),
		snapshots:    append([]*domain.Snapshot(nil), st.snapshots...),
		snapshotIDs:  make(map[string]struct{}, len(st.snapshotIDs)),
		operations:   append([]*domain.Operation(nil), st.operations...),
		operationIDs: make(map[string]struct{}, len(st.operationIDs)),
	}
	for k, v := range st.incidents {
		c.incidents[k] = v
	}
	for k := range st.snapshotIDs {
		c.snapshotIDs[k] = struct{}{}
	}
	for k := range st.operationIDs {
		c.operationIDs[k] = struct{}{}
	}
	return c
}

func (st *state) UpsertIncidents(_ context.Context, incidents []*domain.Incident, mode domain.WriteMode) error {
	if mode == domain.WriteModeUpdate {
		for _, inc := range incidents {
			if _, ok := st.incidents[inc.ID]; !ok {
				return incident.ErrIncidentNotFound
			}
		}
	}

	for _, inc := range incidents {
		if _, ok := st.incidents[inc.ID]; !ok {
			st.order = append(st.order, inc.ID)
		}
		st.incidents[inc.ID] = inc.Clone()
	}
	return nil
}

func (st *state) GetIncident(_ context.Context, id int64) (*domain.Incident, error) {
	inc, ok := st.incidents[id]
	if !ok {
		return nil, incident.ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

func (st *state) CreateSnapshots(_ context.Context, snapshots []*domain.Snapshot) error {
	for _, snap := range snapshots {
		if _, ok := st.snapshotIDs[snap.ID]; ok {
			continue
		}
		c := *snap
		c.Content = snap.Content.Clone()
		st.snapshotIDs[snap.ID] = struct{}{}
		st.snapshots = append(st.snapshots, &c)
	}
	return nil
}

func (st *state) LatestSnapshot(ctx context.Context, incidentID int64) (*domain.Snapshot, error) {
	list, _ := st.ListSnapshots(ctx, incidentID)
	if len(list) == 0 {
		return nil, incident.ErrSnapshotNotFound
	}
	return list[len(list)-1], nil
}

func (st *state) ListSnapshots(_ context.Context, incidentID int64) ([]*domain.Snapshot, error) {
	out := make([]*domain.Snapshot, 0)
	for _, snap := range st.snapshots {
		if snap.IncidentID == incidentID {
			c := *snap
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out, nil
}

func (st *state) CreateOperations(_ context.Context, operations []*domain.Operation) error {
	for _, op := range operations {
		if _, ok := st.operationIDs[op.ID]; ok {
			continue
		}
		c := *op
		c.ExtraInfo = op.ExtraInfo.Clone()
		st.operationIDs[op.ID] = struct{}{}
		st.operations = append(st.operations, &c)
	}
	return nil
}

func (st *state) ListOperations(_ context.Context, incidentID int64) ([]*domain.Operation, error) {
	out := make([]*domain.Operation, 0)
	for _, op := range st.operations {
		if op.IncidentID == incidentID {
			c := *op
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out, nil
}

func (st *state) SearchIncidents(_ context.Context, query incident.SearchQuery) (*incident.SearchResult, error) {
	matched := st.match(query.Filter)
	sortIncidents(matched, query.Ordering)

	result := &incident.SearchResult{
		Incidents: make([]*domain.Incident, 0),
		Total:     len(matched),
	}
	if query.Limit <= 0 || query.Offset < 0 || query.Offset >= len(matched) {
		return result, nil
	}

	end := query.Offset + query.Limit
	if end > len(matched) {
		end = len(matched)
	}
	for _, inc := range matched[query.Offset:end] {
		result.Incidents = append(result.Incidents, inc.Clone())
	}
	return result, nil
}

func (st *state) IncidentHistogram(_ context.Context, filter incident.Filter, interval time.Duration) ([]incident.Bucket, error) {
	counts := make(map[int64]int)
	for _, inc := range st.match(filter) {
		counts[incident.AlignBucket(inc.CreateTime, interval).Unix()]++
	}

	out := make([]incident.Bucket, 0, len(counts))
	for start, n := range counts {
		out = append(out, incident.Bucket{Start: time.Unix(start, 0).UTC(), Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (st *state) TopN(_ context.Context, filter incident.Filter, fields []string, size int) (map[string][]incident.TermCount, error) {
	matched := st.match(filter)
	out := make(map[string][]incident.TermCount, len(fields))

	for _, field := range fields {
		counts := make(map[string]int)
		for _, inc := range matched {
			for _, v := range fieldValues(inc, field) {
				counts[v]++
			}
		}

		terms := make([]incident.TermCount, 0, len(counts))
		for v, n := range counts {
			terms = append(terms, incident.TermCount{Value: v, Count: n})
		}
		sort.Slice(terms, func(i, j int) bool {
			if terms[i].Count != terms[j].Count {
				return terms[i].Count > terms[j].Count
			}
			return terms[i].Value < terms[j].Value
		})
		if size > 0 && len(terms) > size {
			terms = terms[:size]
		}
		out[field] = terms
	}
	return out, nil
}

func (st *state) CountByStatus(_ context.Context, filter incident.Filter) (map[domain.IncidentStatus]int, error) {
	out := make(map[domain.IncidentStatus]int)
	for _, inc := range st.match(filter) {
		out[inc.Status]++
	}
	return out, nil
}

// match returns matching incidents in insertion order.
func (st *state) match(f incident.Filter) []*domain.Incident {
	terms := parseQuery(f.QueryString)
	out := make([]*domain.Incident, 0)
	for _, id := range st.order {
		inc := st.incidents[id]
		if !f.Start.IsZero() && inc.CreateTime.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && inc.CreateTime.After(f.End) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, inc.Status) {
			continue
		}
		if len(f.Levels) > 0 && !containsLevel(f.Levels, inc.Level) {
			continue
		}
		if len(f.Assignees) > 0 && !overlaps(f.Assignees, inc.Assignees) {
			continue
		}
		if len(f.Handlers) > 0 && !overlaps(f.Handlers, inc.Handlers) {
			continue
		}
		if !terms.matches(incident.SearchText(inc)) {
			continue
		}
		out = append(out, inc)
	}
	return out
}

func fieldValues(inc *domain.Incident, field string) []string {
	switch field {
	case incident.FieldStatus:
		return []string{string(inc.Status)}
	case incident.FieldLevel:
		return []string{string(inc.Level)}
	case incident.FieldAssignees:
		return domain.UniqueStrings(inc.Assignees)
	case incident.FieldHandlers:
		return domain.UniqueStrings(inc.Handlers)
	case incident.FieldLabels:
		return domain.UniqueStrings(inc.Labels)
	}
	return nil
}

func sortIncidents(list []*domain.Incident, o incident.Ordering) {
	field := o.Field
	if field == "" {
		field = incident.OrderCreateTime
	}

	less := func(a, b *domain.Incident) int {
		switch field {
		case incident.OrderUpdateTime:
			return compareTime(a.UpdateTime, b.UpdateTime)
		case incident.OrderBeginTime:
			return compareTime(a.BeginTime, b.BeginTime)
		case incident.OrderEndTime:
			return compareEndTime(a.EndTime, b.EndTime, o.Desc)
		case incident.OrderLevel:
			return compareInt(a.Level.Rank(), b.Level.Rank())
		case incident.OrderStatus:
			return compareInt(a.Status.Rank(), b.Status.Rank())
		case incident.OrderIncidentID:
			return 0
		default:
			return compareTime(a.CreateTime, b.CreateTime)
		}
	}

	sort.SliceStable(list, func(i, j int) bool {
		c := less(list[i], list[j])
		if c == 0 {
			c = compareInt64(list[i].ID, list[j].ID)
		}
		if o.Desc {
			return c > 0
		}
		return c < 0
	})
}

// compareEndTime keeps ongoing incidents last in both directions.
func compareEndTime(a, b *time.Time, desc bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		if desc {
			return -1
		}
		return 1
	case b == nil:
		if desc {
			return 1
		}
		return -1
	}
	return compareTime(*a, *b)
}

func compareTime(a, b time.Time) int {
	return a.Compare(b)
}

func compareInt(a, b int) int {
	return compareInt64(int64(a), int64(b))
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func containsStatus(list []domain.IncidentStatus, s domain.IncidentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsLevel(list []domain.IncidentLevel, l domain.IncidentLevel) bool {
	for _, v := range list {
		if v == l {
			return true
		}
	}
	return false
}

func overlaps(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// queryTerms is a minimal full-text query. Each entry is a phrase: a quoted
// string or a single word split on the same separators as the text, so
// "db-01" reads as the adjacent tokens db, 01. Every required phrase must
// appear and no excluded phrase may appear.
type queryTerms struct {
	required [][]string
	excluded [][]string
}

func parseQuery(q string) queryTerms {
	var t queryTerms
	rest := strings.ToLower(q)
	for {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		if rest == "" {
			return t
		}

		negate := rest[0] == '-'
		if negate {
			rest = rest[1:]
		}

		var chunk string
		if strings.HasPrefix(rest, `"`) {
			rest = rest[1:]
			end := strings.IndexByte(rest, '"')
			if end < 0 {
				end = len(rest)
			}
			chunk, rest = rest[:end], strings.TrimPrefix(rest[end:], `"`)
		} else {
			end := strings.IndexFunc(rest, unicode.IsSpace)
			if end < 0 {
				end = len(rest)
			}
			chunk, rest = rest[:end], rest[end:]
		}

		phrase := strings.FieldsFunc(chunk, isSeparator)
		switch {
		case len(phrase) == 0:
		case negate:
			t.excluded = append(t.excluded, phrase)
		default:
			t.required = append(t.required, phrase)
		}
	}
}

func (t queryTerms) matches(text string) bool {
	if len(t.required) == 0 && len(t.excluded) == 0 {
		return true
	}

	tokens := strings.FieldsFunc(strings.ToLower(text), isSeparator)
	for _, p := range t.required {
		if !containsPhrase(tokens, p) {
			return false
		}
	}
	for _, p := range t.excluded {
		if containsPhrase(tokens, p) {
			return false
		}
	}
	return true
}

func containsPhrase(tokens, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		if slices.Equal(tokens[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}

func isSeparator(r rune) bool {
	return !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
}
