package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/bissquit/incident-archive/internal/domain"
	"github.com/bissquit/incident-archive/internal/pkg/ctxlog"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const defaultFetchTimeout = 10 * time.Second

// SnapshotFetcher resolves snapshot content from the external incident service.
type SnapshotFetcher interface {
	GetIncidentSnapshot(ctx context.Context, snapshotID string) (domain.JSONMap, error)
}

// SyncMessage is the queue payload describing an incident creation or update.
// Times are Unix seconds.
type SyncMessage struct {
	SyncType         domain.SyncType            `json:"sync_type"`
	IncidentID       int64                      `json:"incident_id" validate:"required"`
	FPPSnapshotID    string                     `json:"fpp_snapshot_id" validate:"required"`
	SyncTime         int64                      `json:"sync_time" validate:"required"`
	IncidentInfo     IncidentInfo               `json:"incident_info"`
	Scope            SyncScope                  `json:"scope"`
	UpdateAttributes map[string]AttributeChange `json:"update_attributes,omitempty"`
}

// IncidentInfo carries the incident fields of a sync message.
type IncidentInfo struct {
	IncidentID int64          `json:"incident_id"`
	Name       string         `json:"incident_name"`
	Reason     string         `json:"incident_reason"`
	Status     string         `json:"status" validate:"required,oneof=abnormal recovering recovered closed"`
	Level      string         `json:"level" validate:"required,oneof=ERROR WARN INFO"`
	Assignees  []string       `json:"assignees"`
	Handlers   []string       `json:"handlers"`
	Labels     []string       `json:"labels"`
	CreateTime int64          `json:"create_time"`
	UpdateTime int64          `json:"update_time"`
	BeginTime  int64          `json:"begin_time"`
	EndTime    *int64         `json:"end_time"`
	Dimensions domain.JSONMap `json:"dimensions"`
	ExtraInfo  domain.JSONMap `json:"extra_info"`
}

// SyncScope lists the business units, alerts and events an incident spans.
type SyncScope struct {
	BizIDs domain.IDSet `json:"bk_biz_ids"`
	Alerts domain.IDSet `json:"alerts"`
	Events domain.IDSet `json:"events"`
}

// AttributeChange is one entry of update_attributes.
type AttributeChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// SyncConfig contains sync processor configuration.
type SyncConfig struct {
	FetchTimeout time.Duration
}

// SyncProcessor turns sync messages into document writes and operation log entries.
type SyncProcessor struct {
	repo      Repository
	fetcher   SnapshotFetcher
	config    SyncConfig
	validator *validator.Validate
	now       func() time.Time
}

// NewSyncProcessor creates a new sync processor.
func NewSyncProcessor(config SyncConfig, repo Repository, fetcher SnapshotFetcher) *SyncProcessor {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaultFetchTimeout
	}
	return &SyncProcessor{
		repo:      repo,
		fetcher:   fetcher,
		config:    config,
		validator: validator.New(),
		now:       time.Now,
	}
}

// Handle processes one raw message body. A nil return means the message may be
// acknowledged. Errors wrapped in PermanentError will never succeed on redelivery.
// Any other error leaves the store untouched or fully committed and the message
// should be redelivered.
func (p *SyncProcessor) Handle(ctx context.Context, body []byte) error {
	start := time.Now()

	var msg SyncMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		recordSync("unknown", "invalid", time.Since(start))
		return NewPermanentError(fmt.Errorf("%w: decode: %v", ErrInvalidMessage, err))
	}

	ctx = ctxlog.With(ctx, "incident_id", msg.IncidentID, "sync_type", msg.SyncType)
	logger := ctxlog.FromContext(ctx)

	if !msg.SyncType.IsValid() {
		logger.Warn("ignoring sync message with unknown type")
		recordSync(string(msg.SyncType), "ignored", time.Since(start))
		return nil
	}

	err := p.handle(ctx, &msg)
	duration := time.Since(start)

	switch {
	case err == nil:
		recordSync(string(msg.SyncType), "success", duration)
		logger.Info("incident synced",
			"fpp_snapshot_id", msg.FPPSnapshotID,
			"duration_ms", duration.Milliseconds(),
		)
	case IsPermanent(err):
		recordSync(string(msg.SyncType), "invalid", duration)
	default:
		recordSync(string(msg.SyncType), "failed", duration)
	}
	return err
}

func (p *SyncProcessor) handle(ctx context.Context, msg *SyncMessage) error {
	if err := p.validator.Struct(msg); err != nil {
		return NewPermanentError(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}

	// RECEIVED -> RESOLVED. Nothing is written before the snapshot is fetched.
	content, err := p.fetchSnapshot(ctx, msg.FPPSnapshotID)
	if err != nil {
		return err
	}

	inc := buildIncident(msg, content, p.now())
	snapshot := buildSnapshot(msg, content)
	syncTime := time.Unix(msg.SyncTime, 0).UTC()

	// RESOLVED -> PERSISTED -> LOGGED in one transaction.
	return p.repo.WithTx(ctx, func(tx Store) error {
		recorder := NewRecorder(tx)

		switch msg.SyncType {
		case domain.SyncTypeCreate:
			if err := tx.UpsertIncidents(ctx, []*domain.Incident{inc}, domain.WriteModeCreate); err != nil {
				return fmt.Errorf("upsert incident: %w", err)
			}
			if err := tx.CreateSnapshots(ctx, []*domain.Snapshot{snapshot}); err != nil {
				return fmt.Errorf("create snapshot: %w", err)
			}

			return recorder.RecordCreate(ctx, inc.ID, msg.FPPSnapshotID, inc.CreateTime, len(msg.Scope.Alerts), inc.Assignees)

		case domain.SyncTypeUpdate:
			current, err := tx.GetIncident(ctx, inc.ID)
			if err != nil {
				return fmt.Errorf("get incident: %w", err)
			}
			if !current.Status.CanTransitionTo(inc.Status) {
				return NewPermanentError(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, inc.Status))
			}
			if err := tx.UpsertIncidents(ctx, []*domain.Incident{inc}, domain.WriteModeUpdate); err != nil {
				return fmt.Errorf("upsert incident: %w", err)
			}
			if err := tx.CreateSnapshots(ctx, []*domain.Snapshot{snapshot}); err != nil {
				return fmt.Errorf("create snapshot: %w", err)
			}

			for _, field := range sortedKeys(msg.UpdateAttributes) {
				change := msg.UpdateAttributes[field]
				if err := recorder.RecordUpdate(ctx, inc.ID, msg.FPPSnapshotID, syncTime, field, change.From, change.To); err != nil {
					return err
				}
			}
			return nil
		}
		return nil
	})
}

func (p *SyncProcessor) fetchSnapshot(ctx context.Context, snapshotID string) (domain.JSONMap, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	defer cancel()

	content, err := p.fetcher.GetIncidentSnapshot(fetchCtx, snapshotID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("fetch snapshot %s: timed out after %s: %w", snapshotID, p.config.FetchTimeout, err)
		}
		return nil, fmt.Errorf("fetch snapshot %s: %w", snapshotID, err)
	}
	if content == nil {
		content = domain.JSONMap{}
	}
	return content, nil
}

func buildIncident(msg *SyncMessage, content domain.JSONMap, now time.Time) *domain.Incident {
	info := msg.IncidentInfo

	inc := &domain.Incident{
		ID:         msg.IncidentID,
		Name:       info.Name,
		Reason:     info.Reason,
		Status:     domain.IncidentStatus(info.Status),
		Level:      domain.IncidentLevel(info.Level),
		Assignees:  assigneesFromSnapshot(content, info.Assignees),
		Handlers:   handlersFromAlerts(content, msg.Scope.Alerts, info.Handlers),
		Labels:     domain.UniqueStrings(info.Labels),
		CreateTime: unixOrZero(info.CreateTime),
		UpdateTime: unixOrZero(info.UpdateTime),
		BeginTime:  unixOrZero(info.BeginTime),
		Dimensions: info.Dimensions,
		ExtraInfo:  info.ExtraInfo,
	}
	if info.EndTime != nil && *info.EndTime > 0 {
		end := time.Unix(*info.EndTime, 0).UTC()
		inc.EndTime = &end
	}
	syncTime := time.Unix(msg.SyncTime, 0).UTC()
	if inc.CreateTime.IsZero() {
		inc.CreateTime = syncTime
	}
	if inc.BeginTime.IsZero() {
		inc.BeginTime = inc.CreateTime
	}
	if inc.UpdateTime.IsZero() {
		inc.UpdateTime = syncTime
	}
	if inc.Dimensions == nil {
		inc.Dimensions = domain.JSONMap{}
	}
	if inc.ExtraInfo == nil {
		inc.ExtraInfo = domain.JSONMap{}
	}

	inc.Normalize(now)
	return inc
}

func buildSnapshot(msg *SyncMessage, content domain.JSONMap) *domain.Snapshot {
	name := "snapshot/" + strconv.FormatInt(msg.IncidentID, 10) + "/" +
		strconv.FormatInt(msg.SyncTime, 10) + "/" + msg.FPPSnapshotID

	return &domain.Snapshot{
		ID:            uuid.NewSHA1(operationNamespace, []byte(name)).String(),
		IncidentID:    msg.IncidentID,
		BizIDs:        nonNilIDs(msg.Scope.BizIDs),
		Status:        domain.IncidentStatus(msg.IncidentInfo.Status),
		Alerts:        nonNilIDs(msg.Scope.Alerts),
		Events:        nonNilIDs(msg.Scope.Events),
		CreateTime:    time.Unix(msg.SyncTime, 0).UTC(),
		Content:       content,
		FPPSnapshotID: msg.FPPSnapshotID,
	}
}

// assigneesFromSnapshot prefers the assignees resolved by the external service.
func assigneesFromSnapshot(content domain.JSONMap, fallback []string) []string {
	if raw, ok := content["assignees"]; ok {
		if list := stringsFromAny(raw); len(list) > 0 {
			return domain.UniqueStrings(list)
		}
	}
	return domain.UniqueStrings(fallback)
}

// handlersFromAlerts collects the assignees of every in-scope alert listed in
// the snapshot content.
func handlersFromAlerts(content domain.JSONMap, scope domain.IDSet, fallback []string) []string {
	alerts, _ := content["alerts"].([]any)

	var handlers []string
	for _, item := range alerts {
		alert, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := idString(alert["id"])
		if id == "" || !scope.Contains(id) {
			continue
		}
		handlers = append(handlers, stringsFromAny(alert["assignee"])...)
	}

	if len(handlers) == 0 {
		return domain.UniqueStrings(fallback)
	}
	return domain.UniqueStrings(handlers)
}

func stringsFromAny(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	}
	return ""
}

func unixOrZero(secs int64) time.Time {
	if secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

func nonNilIDs(s domain.IDSet) domain.IDSet {
	if s == nil {
		return domain.IDSet{}
	}
	return s
}

func sortedKeys(m map[string]AttributeChange) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
