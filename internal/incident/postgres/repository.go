// Package postgres provides PostgreSQL implementation of incident repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/incident-archive/internal/domain"
	"github.com/bissquit/incident-archive/internal/incident"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is an interface for database operations that both *pgxpool.Pool and pgx.Tx implement.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements incident.Repository using PostgreSQL.
type Repository struct {
	store
	db *pgxpool.Pool
}

// store runs incident queries against a pool or a transaction.
type store struct {
	q querier
}

var _ incident.Repository = (*Repository)(nil)

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{store: store{q: db}, db: db}
}

// WithTx runs fn inside a transaction and commits only if fn succeeds.
func (r *Repository) WithTx(ctx context.Context, fn func(tx incident.Store) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&store{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const incidentColumns = `
	id, name, reason, status, level, assignees, handlers, labels,
	create_time, update_time, begin_time, end_time, dimensions, extra_info
`

// UpsertIncidents writes full incident records.
func (s *store) UpsertIncidents(ctx context.Context, incidents []*domain.Incident, mode domain.WriteMode) error {
	for _, inc := range incidents {
		var err error
		if mode == domain.WriteModeUpdate {
			err = s.updateIncident(ctx, inc)
		} else {
			err = s.createIncident(ctx, inc)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *store) createIncident(ctx context.Context, inc *domain.Incident) error {
	query := `
		INSERT INTO incidents (
			id, name, reason, status, level, assignees, handlers, labels,
			create_time, update_time, begin_time, end_time, dimensions, extra_info, search_text
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			reason = EXCLUDED.reason,
			status = EXCLUDED.status,
			level = EXCLUDED.level,
			assignees = EXCLUDED.assignees,
			handlers = EXCLUDED.handlers,
			labels = EXCLUDED.labels,
			create_time = EXCLUDED.create_time,
			update_time = EXCLUDED.update_time,
			begin_time = EXCLUDED.begin_time,
			end_time = EXCLUDED.end_time,
			dimensions = EXCLUDED.dimensions,
			extra_info = EXCLUDED.extra_info,
			search_text = EXCLUDED.search_text
	`
	_, err := s.q.Exec(ctx, query, incidentArgs(inc)...)
	if err != nil {
		return fmt.Errorf("upsert incident %d: %w", inc.ID, err)
	}
	return nil
}

func (s *store) updateIncident(ctx context.Context, inc *domain.Incident) error {
	query := `
		UPDATE incidents SET
			name = $2, reason = $3, status = $4, level = $5,
			assignees = $6, handlers = $7, labels = $8,
			create_time = $9, update_time = $10, begin_time = $11, end_time = $12,
			dimensions = $13, extra_info = $14, search_text = $15
		WHERE id = $1
	`
	result, err := s.q.Exec(ctx, query, incidentArgs(inc)...)
	if err != nil {
		return fmt.Errorf("update incident %d: %w", inc.ID, err)
	}
	if result.RowsAffected() == 0 {
		return incident.ErrIncidentNotFound
	}
	return nil
}

func incidentArgs(inc *domain.Incident) []any {
	return []any{
		inc.ID,
		inc.Name,
		inc.Reason,
		string(inc.Status),
		string(inc.Level),
		textArray(inc.Assignees),
		textArray(inc.Handlers),
		textArray(inc.Labels),
		inc.CreateTime,
		inc.UpdateTime,
		inc.BeginTime,
		inc.EndTime,
		jsonObject(inc.Dimensions),
		jsonObject(inc.ExtraInfo),
		incident.SearchText(inc),
	}
}

// GetIncident retrieves an incident by ID.
func (s *store) GetIncident(ctx context.Context, id int64) (*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`

	inc, err := scanIncident(s.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incident.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// CreateSnapshots appends snapshots, skipping IDs that already exist.
func (s *store) CreateSnapshots(ctx context.Context, snapshots []*domain.Snapshot) error {
	query := `
		INSERT INTO incident_snapshots (
			id, incident_id, biz_ids, status, alerts, events, create_time, content, fpp_snapshot_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	for _, snap := range snapshots {
		_, err := s.q.Exec(ctx, query,
			snap.ID,
			snap.IncidentID,
			textArray(snap.BizIDs),
			string(snap.Status),
			textArray(snap.Alerts),
			textArray(snap.Events),
			snap.CreateTime,
			jsonObject(snap.Content),
			snap.FPPSnapshotID,
		)
		if err != nil {
			return fmt.Errorf("create snapshot %s: %w", snap.ID, err)
		}
	}
	return nil
}

const snapshotColumns = `id, incident_id, biz_ids, status, alerts, events, create_time, content, fpp_snapshot_id`

// LatestSnapshot returns the most recent snapshot of an incident.
func (s *store) LatestSnapshot(ctx context.Context, incidentID int64) (*domain.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM incident_snapshots
		WHERE incident_id = $1
		ORDER BY create_time DESC, seq DESC
		LIMIT 1
	`
	snap, err := scanSnapshot(s.q.QueryRow(ctx, query, incidentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incident.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns all snapshots of an incident, oldest first.
func (s *store) ListSnapshots(ctx context.Context, incidentID int64) ([]*domain.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM incident_snapshots
		WHERE incident_id = $1
		ORDER BY create_time, seq
	`
	rows, err := s.q.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]*domain.Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// CreateOperations appends operations, skipping IDs that already exist.
func (s *store) CreateOperations(ctx context.Context, operations []*domain.Operation) error {
	query := `
		INSERT INTO incident_operations (id, incident_id, type, class, create_time, extra_info)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	for _, op := range operations {
		_, err := s.q.Exec(ctx, query,
			op.ID,
			op.IncidentID,
			string(op.Type),
			string(op.Class),
			op.CreateTime,
			jsonObject(op.ExtraInfo),
		)
		if err != nil {
			return fmt.Errorf("create operation %s: %w", op.ID, err)
		}
	}
	return nil
}

// ListOperations returns the operation log of an incident, oldest first.
func (s *store) ListOperations(ctx context.Context, incidentID int64) ([]*domain.Operation, error) {
	query := `
		SELECT id, incident_id, type, class, create_time, extra_info
		FROM incident_operations
		WHERE incident_id = $1
		ORDER BY create_time, seq
	`
	rows, err := s.q.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	operations := make([]*domain.Operation, 0)
	for rows.Next() {
		var (
			op        domain.Operation
			opType    string
			opClass   string
			createdAt time.Time
		)
		if err := rows.Scan(&op.ID, &op.IncidentID, &opType, &opClass, &createdAt, &op.ExtraInfo); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Type = domain.OperationType(opType)
		op.Class = domain.OperationClass(opClass)
		op.CreateTime = createdAt.UTC()
		operations = append(operations, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return operations, nil
}

// SearchIncidents returns one page of matching incidents and the total match count.
func (s *store) SearchIncidents(ctx context.Context, q incident.SearchQuery) (*incident.SearchResult, error) {
	where := buildWhere(q.Filter)

	result := &incident.SearchResult{Incidents: make([]*domain.Incident, 0)}
	countQuery := `SELECT count(*) FROM incidents` + where.sql()
	if err := s.q.QueryRow(ctx, countQuery, where.args...).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("count incidents: %w", err)
	}
	if q.Limit <= 0 || q.Offset < 0 || q.Offset >= result.Total {
		return result, nil
	}

	args := append(where.args, q.Limit, q.Offset)
	query := fmt.Sprintf(`SELECT %s FROM incidents%s ORDER BY %s LIMIT $%d OFFSET $%d`,
		incidentColumns, where.sql(), orderBy(q.Ordering), len(args)-1, len(args))

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search incidents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		result.Incidents = append(result.Incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return result, nil
}

// IncidentHistogram counts incidents per epoch-aligned bucket of create_time.
// Empty buckets are omitted.
func (s *store) IncidentHistogram(ctx context.Context, filter incident.Filter, interval time.Duration) ([]incident.Bucket, error) {
	where := buildWhere(filter)
	args := append(where.args, int64(interval/time.Second))
	query := fmt.Sprintf(`
		SELECT (floor(extract(epoch FROM create_time) / $%[1]d) * $%[1]d)::bigint AS bucket, count(*)
		FROM incidents%[2]s
		GROUP BY bucket
		ORDER BY bucket
	`, len(args), where.sql())

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("incident histogram: %w", err)
	}
	defer rows.Close()

	buckets := make([]incident.Bucket, 0)
	for rows.Next() {
		var (
			start int64
			count int
		)
		if err := rows.Scan(&start, &count); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, incident.Bucket{Start: time.Unix(start, 0).UTC(), Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return buckets, nil
}

// topNSources maps aggregatable fields to the FROM clause producing one value per row.
var topNSources = map[string]string{
	incident.FieldStatus:    `incidents CROSS JOIN LATERAL (SELECT status AS v) AS t`,
	incident.FieldLevel:     `incidents CROSS JOIN LATERAL (SELECT level AS v) AS t`,
	incident.FieldAssignees: `incidents CROSS JOIN LATERAL unnest(assignees) AS t(v)`,
	incident.FieldHandlers:  `incidents CROSS JOIN LATERAL unnest(handlers) AS t(v)`,
	incident.FieldLabels:    `incidents CROSS JOIN LATERAL unnest(labels) AS t(v)`,
}

// TopN returns the most frequent values per field, counting each incident once per value.
func (s *store) TopN(ctx context.Context, filter incident.Filter, fields []string, size int) (map[string][]incident.TermCount, error) {
	out := make(map[string][]incident.TermCount, len(fields))
	for _, field := range fields {
		source, ok := topNSources[field]
		if !ok {
			return nil, fmt.Errorf("%w: %s", incident.ErrUnknownField, field)
		}

		where := buildWhere(filter)
		where.conds = append(where.conds, "t.v <> ''")
		args := where.args
		limit := ""
		if size > 0 {
			args = append(args, size)
			limit = fmt.Sprintf(" LIMIT $%d", len(args))
		}

		query := `SELECT t.v, count(DISTINCT incidents.id) FROM ` + source + where.sql() +
			` GROUP BY t.v ORDER BY 2 DESC, t.v COLLATE "C" ASC` + limit

		terms, err := s.collectTerms(ctx, query, args)
		if err != nil {
			return nil, fmt.Errorf("top %s: %w", field, err)
		}
		out[field] = terms
	}
	return out, nil
}

func (s *store) collectTerms(ctx context.Context, query string, args []any) ([]incident.TermCount, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	terms := make([]incident.TermCount, 0)
	for rows.Next() {
		var tc incident.TermCount
		if err := rows.Scan(&tc.Value, &tc.Count); err != nil {
			return nil, err
		}
		terms = append(terms, tc)
	}
	return terms, rows.Err()
}

// CountByStatus counts matching incidents per status.
func (s *store) CountByStatus(ctx context.Context, filter incident.Filter) (map[domain.IncidentStatus]int, error) {
	where := buildWhere(filter)
	query := `SELECT status, count(*) FROM incidents` + where.sql() + ` GROUP BY status`

	rows, err := s.q.Query(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.IncidentStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[domain.IncidentStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return out, nil
}

// whereClause accumulates positional conditions.
type whereClause struct {
	conds []string
	args  []any
}

// add appends a condition whose single %d verb is replaced by the argument position.
func (w *whereClause) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereClause) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func buildWhere(f incident.Filter) *whereClause {
	w := &whereClause{}
	if !f.Start.IsZero() {
		w.add("incidents.create_time >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		w.add("incidents.create_time <= $%d", f.End)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		w.add("incidents.status = ANY($%d)", statuses)
	}
	if len(f.Levels) > 0 {
		levels := make([]string, 0, len(f.Levels))
		for _, l := range f.Levels {
			levels = append(levels, string(l))
		}
		w.add("incidents.level = ANY($%d)", levels)
	}
	if len(f.Assignees) > 0 {
		w.add("incidents.assignees && $%d::text[]", f.Assignees)
	}
	if len(f.Handlers) > 0 {
		w.add("incidents.handlers && $%d::text[]", f.Handlers)
	}
	if strings.TrimSpace(f.QueryString) != "" {
		w.add("incidents.search @@ websearch_to_tsquery('simple', $%d)", f.QueryString)
	}
	return w
}

const (
	levelRankExpr  = `CASE level WHEN 'ERROR' THEN 0 WHEN 'WARN' THEN 1 WHEN 'INFO' THEN 2 ELSE 3 END`
	statusRankExpr = `CASE status WHEN 'abnormal' THEN 0 WHEN 'recovering' THEN 1 WHEN 'recovered' THEN 2 WHEN 'closed' THEN 3 ELSE 4 END`
)

var orderExprs = map[string]string{
	incident.OrderCreateTime: "create_time",
	incident.OrderUpdateTime: "update_time",
	incident.OrderBeginTime:  "begin_time",
	incident.OrderEndTime:    "end_time",
	incident.OrderLevel:      levelRankExpr,
	incident.OrderStatus:     statusRankExpr,
	incident.OrderIncidentID: "id",
}

// orderBy renders the ORDER BY list. Ties fall back to id in the same direction
// and ongoing incidents sort last by end_time in both directions.
func orderBy(o incident.Ordering) string {
	expr, ok := orderExprs[o.Field]
	if !ok {
		expr = orderExprs[incident.OrderCreateTime]
	}
	dir := "ASC"
	if o.Desc {
		dir = "DESC"
	}
	if o.Field == incident.OrderIncidentID {
		return "id " + dir
	}
	return fmt.Sprintf("%s %s NULLS LAST, id %s", expr, dir, dir)
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var (
		inc                               domain.Incident
		status, level                     string
		createTime, updateTime, beginTime time.Time
	)
	err := row.Scan(
		&inc.ID,
		&inc.Name,
		&inc.Reason,
		&status,
		&level,
		&inc.Assignees,
		&inc.Handlers,
		&inc.Labels,
		&createTime,
		&updateTime,
		&beginTime,
		&inc.EndTime,
		&inc.Dimensions,
		&inc.ExtraInfo,
	)
	if err != nil {
		return nil, err
	}

	inc.Status = domain.IncidentStatus(status)
	inc.Level = domain.IncidentLevel(level)
	inc.CreateTime = createTime.UTC()
	inc.UpdateTime = updateTime.UTC()
	inc.BeginTime = beginTime.UTC()
	if inc.EndTime != nil {
		end := inc.EndTime.UTC()
		inc.EndTime = &end
	}
	return &inc, nil
}

func scanSnapshot(row pgx.Row) (*domain.Snapshot, error) {
	var (
		snap                 domain.Snapshot
		bizIDs, alerts, evts []string
		status               string
		createTime           time.Time
	)
	err := row.Scan(
		&snap.ID,
		&snap.IncidentID,
		&bizIDs,
		&status,
		&alerts,
		&evts,
		&createTime,
		&snap.Content,
		&snap.FPPSnapshotID,
	)
	if err != nil {
		return nil, err
	}

	snap.BizIDs = domain.IDSet(bizIDs)
	snap.Alerts = domain.IDSet(alerts)
	snap.Events = domain.IDSet(evts)
	snap.Status = domain.IncidentStatus(status)
	snap.CreateTime = createTime.UTC()
	return &snap, nil
}

func textArray(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func jsonObject(m domain.JSONMap) domain.JSONMap {
	if m == nil {
		return domain.JSONMap{}
	}
	return m
}
