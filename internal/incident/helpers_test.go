package incident_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/incident-archive/internal/aiops"
	"github.com/bissquit/incident-archive/internal/domain"
	"github.com/bissquit/incident-archive/internal/incident"
	"github.com/bissquit/incident-archive/internal/incident/memstore"
	"github.com/stretchr/testify/require"
)

const baseTime = int64(1700000000)

type fakeFetcher struct {
	mu      sync.Mutex
	content domain.JSONMap
	err     error
	calls   []string
}

func (f *fakeFetcher) GetIncidentSnapshot(_ context.Context, snapshotID string) (domain.JSONMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, snapshotID)
	if f.err != nil {
		return nil, f.err
	}
	return f.content.Clone(), nil
}

// blockingFetcher waits for the fetch context to end.
type blockingFetcher struct{}

func (blockingFetcher) GetIncidentSnapshot(ctx context.Context, _ string) (domain.JSONMap, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeDetailService struct {
	feedback   domain.JSONMap
	getErr     error
	updateErr  error
	updated    domain.JSONMap
	updateCall int
}

func (f *fakeDetailService) GetIncidentDetail(_ context.Context, incidentID int64) (*aiops.IncidentDetail, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &aiops.IncidentDetail{IncidentID: incidentID, Feedback: f.feedback.Clone()}, nil
}

func (f *fakeDetailService) UpdateIncidentDetail(_ context.Context, _ int64, feedback domain.JSONMap) error {
	f.updateCall++
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = feedback
	return nil
}

// failingOpsRepo fails every operation write made inside a transaction.
type failingOpsRepo struct {
	*memstore.Store
}

func (r failingOpsRepo) WithTx(ctx context.Context, fn func(tx incident.Store) error) error {
	return r.Store.WithTx(ctx, func(tx incident.Store) error {
		return fn(failingOpsStore{Store: tx})
	})
}

type failingOpsStore struct {
	incident.Store
}

func (failingOpsStore) CreateOperations(context.Context, []*domain.Operation) error {
	return errors.New("disk full")
}

func snapshotContent() domain.JSONMap {
	return domain.JSONMap{
		"assignees": []any{"alice", "bob"},
		"alerts": []any{
			map[string]any{"id": float64(1), "assignee": []any{"carol"}},
			map[string]any{"id": json.Number("2"), "assignee": []any{"carol", "dave"}},
			map[string]any{"id": float64(99), "assignee": []any{"mallory"}},
		},
	}
}

func createMessage(incidentID int64, syncTime int64) incident.SyncMessage {
	return incident.SyncMessage{
		SyncType:      domain.SyncTypeCreate,
		IncidentID:    incidentID,
		FPPSnapshotID: "fpp-create",
		SyncTime:      syncTime,
		IncidentInfo: incident.IncidentInfo{
			IncidentID: incidentID,
			Name:       "database latency",
			Reason:     "disk saturation on primary",
			Status:     "abnormal",
			Level:      "WARN",
			Labels:     []string{"db", "storage"},
			CreateTime: syncTime - 60,
			UpdateTime: syncTime,
			BeginTime:  syncTime - 120,
		},
		Scope: incident.SyncScope{
			BizIDs: domain.NewIDSet("2"),
			Alerts: domain.NewIDSet("1", "2", "3"),
			Events: domain.NewIDSet("e1"),
		},
	}
}

func updateMessage(incidentID int64, syncTime int64) incident.SyncMessage {
	msg := createMessage(incidentID, syncTime)
	msg.SyncType = domain.SyncTypeUpdate
	msg.FPPSnapshotID = "fpp-update"
	msg.IncidentInfo.CreateTime = baseTime - 60
	msg.IncidentInfo.Status = "recovered"
	msg.IncidentInfo.Level = "ERROR"
	msg.UpdateAttributes = map[string]incident.AttributeChange{
		"status": {From: "abnormal", To: "recovered"},
		"level":  {From: "WARN", To: "ERROR"},
	}
	return msg
}

func encode(t *testing.T, msg incident.SyncMessage) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func seedIncident(t *testing.T, store *memstore.Store, id int64, createTime int64, mutate func(*domain.Incident)) *domain.Incident {
	t.Helper()
	ts := time.Unix(createTime, 0).UTC()
	inc := &domain.Incident{
		ID:         id,
		Name:       "incident",
		Status:     domain.IncidentStatusAbnormal,
		Level:      domain.IncidentLevelWarn,
		Assignees:  []string{},
		Handlers:   []string{},
		Labels:     []string{},
		CreateTime: ts,
		UpdateTime: ts,
		BeginTime:  ts,
		Dimensions: domain.JSONMap{},
		ExtraInfo:  domain.JSONMap{},
	}
	if mutate != nil {
		mutate(inc)
	}
	inc.Normalize(ts)
	require.NoError(t, store.UpsertIncidents(context.Background(), []*domain.Incident{inc}, domain.WriteModeCreate))
	return inc
}
