package incident_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/incident-archive/internal/domain"
	"github.com/bissquit/incident-archive/internal/incident"
	"github.com/bissquit/incident-archive/internal/incident/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProcessor(store incident.Repository, fetcher incident.SnapshotFetcher) *incident.SyncProcessor {
	return incident.NewSyncProcessor(incident.SyncConfig{FetchTimeout: time.Second}, store, fetcher)
}

func TestSyncProcessor_Create(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	fetcher := &fakeFetcher{content: snapshotContent()}
	p := newProcessor(store, fetcher)

	body := []byte(`{
		"sync_type": "CREATE",
		"incident_id": 42,
		"fpp_snapshot_id": "fpp-1",
		"sync_time": 1700000000,
		"incident_info": {"incident_name": "db latency", "status": "abnormal", "level": "WARN", "create_time": 1699999940},
		"scope": {"bk_biz_ids": [2], "alerts": [1, 2, 3], "events": []}
	}`)
	require.NoError(t, p.Handle(ctx, body))
	assert.Equal(t, []string{"fpp-1"}, fetcher.calls)

	inc, err := store.GetIncident(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusAbnormal, inc.Status)
	assert.Nil(t, inc.EndTime)
	assert.Equal(t, []string{"alice", "bob"}, inc.Assignees)
	assert.Equal(t, []string{"carol", "dave"}, inc.Handlers)
	assert.Equal(t, time.Unix(1699999940, 0).UTC(), inc.CreateTime)
	assert.Equal(t, inc.CreateTime, inc.BeginTime)

	snaps, err := store.ListSnapshots(ctx, 42)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "fpp-1", snaps[0].FPPSnapshotID)
	assert.Equal(t, domain.IDSet{"1", "2", "3"}, snaps[0].Alerts)
	assert.Equal(t, domain.IDSet{"2"}, snaps[0].BizIDs)
	assert.Equal(t, domain.IncidentStatusAbnormal, snaps[0].Status)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), snaps[0].CreateTime)

	ops, err := store.ListOperations(ctx, 42)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OperationTypeCreate, ops[0].Type)
	assert.Equal(t, domain.OperationClassSystem, ops[0].Class)
	assert.Equal(t, 3, ops[0].ExtraInfo["alert_count"])
	assert.Equal(t, []string{"alice", "bob"}, ops[0].ExtraInfo["assignees"])
	assert.Equal(t, inc.CreateTime, ops[0].CreateTime)
}

func TestSyncProcessor_CreateFallsBackToMessageFields(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := newProcessor(store, &fakeFetcher{content: domain.JSONMap{}})

	msg := createMessage(7, baseTime)
	msg.IncidentInfo.CreateTime = 0
	msg.IncidentInfo.Assignees = []string{"oncall"}
	msg.IncidentInfo.Handlers = []string{"sre"}
	require.NoError(t, p.Handle(ctx, encode(t, msg)))

	inc, err := store.GetIncident(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"oncall"}, inc.Assignees)
	assert.Equal(t, []string{"sre"}, inc.Handlers)
	assert.Equal(t, time.Unix(baseTime, 0).UTC(), inc.CreateTime)
}

func TestSyncProcessor_CreateReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := newProcessor(store, &fakeFetcher{content: snapshotContent()})

	body := encode(t, createMessage(42, baseTime))
	require.NoError(t, p.Handle(ctx, body))
	require.NoError(t, p.Handle(ctx, body))

	result, err := store.SearchIncidents(ctx, incident.SearchQuery{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)

	snaps, err := store.ListSnapshots(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	ops, err := store.ListOperations(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestSyncProcessor_CreateOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := newProcessor(store, &fakeFetcher{content: snapshotContent()})

	require.NoError(t, p.Handle(ctx, encode(t, createMessage(42, baseTime))))

	again := createMessage(42, baseTime+30)
	again.IncidentInfo.Name = "renamed"
	require.NoError(t, p.Handle(ctx, encode(t, again)))

	inc, err := store.GetIncident(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "renamed", inc.Name)

	result, err := store.SearchIncidents(ctx, incident.SearchQuery{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}

func TestSyncProcessor_Update(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := newProcessor(store, &fakeFetcher{content: snapshotContent()})

	require.NoError(t, p.Handle(ctx, encode(t, createMessage(42, baseTime))))
	require.NoError(t, p.Handle(ctx, encode(t, updateMessage(42, baseTime+600))))

	inc, err := store.GetIncident(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusRecovered, inc.Status)
	assert.Equal(t, domain.IncidentLevelError, inc.Level)
	require.NotNil(t, inc.EndTime, "finished incidents carry an end time")

	snaps, err := store.ListSnapshots(ctx, 42)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "fpp-update", snaps[1].FPPSnapshotID)
	assert.Equal(t, domain.IncidentStatusRecovered, snaps[1].Status)

	ops, err := store.ListOperations(ctx, 42)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, domain.OperationTypeCreate, ops[0].Type)

	updates := ops[1:]
	assert.Equal(t, domain.OperationTypeUpdate, updates[0].Type)
	assert.Equal(t, "level", updates[0].ExtraInfo["field"])
	assert.Equal(t, "WARN", updates[0].ExtraInfo["from_value"])
	assert.Equal(t, "ERROR", updates[0].ExtraInfo["to_value"])
	assert.Equal(t, "status", updates[1].ExtraInfo["field"])
	assert.Equal(t, "abnormal", updates[1].ExtraInfo["from_value"])
	assert.Equal(t, "recovered", updates[1].ExtraInfo["to_value"])
	for _, op := range updates {
		assert.Equal(t, time.Unix(baseTime+600, 0).UTC(), op.CreateTime)
	}
}

func TestSyncProcessor_UpdatesInSameSecondAreAllLogged(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := newProcessor(store, &fakeFetcher{content: snapshotContent()})

	require.NoError(t, p.Handle(ctx, encode(t, createMessage(42, baseTime))))

	first := updateMessage(42, baseTime+600)
	first.FPPSnapshotID = "fpp-u1"
	first.IncidentInfo.Status = "abnormal"
	first.IncidentInfo.Level = "ERROR"
	first.UpdateAttributes = map[string]incident.AttributeChange{"level": {From: "WARN", To: "ERROR"}}
	require.NoError(t, p.Handle(ctx, encode(t, first)))

	second := first
	second.FPPSnapshotID = "fpp-u2"
	second.IncidentInfo.Level = "INFO"
	second.UpdateAttributes = map[string]incident.AttributeChange{"level": {From: "ERROR", To: "INFO"}}
	require.NoError(t, p.Handle(ctx, encode(t, second)))

	inc, err := store.GetIncident(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentLevelInfo, inc.Level)

	snaps, err := store.ListSnapshots(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)

	ops, err := store.ListOperations(ctx, 42)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	var levels []any
	for _, op := range ops {
		if op.Type == domain.OperationTypeUpdate {
			levels = append(levels, op.ExtraInfo["to_value"])
		}
	}
	assert.ElementsMatch(t, []any{"ERROR", "INFO"}, levels)
}

func TestSyncProcessor_UpdateWithoutAttributesStillSnapshots(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := newProcessor(store, &fakeFetcher{content: snapshotContent()})

	require.NoError(t, p.Handle(ctx, encode(t, createMessage(42, baseTime))))

	msg := updateMessage(42, baseTime+60)
	msg.UpdateAttributes = nil
	require.NoError(t, p.Handle(ctx, encode(t, msg)))

	snaps, err := store.ListSnapshots(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	ops, err := store.ListOperations(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestSyncProcessor_FetchFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := newProcessor(store, &fakeFetcher{err: errors.New("service unavailable")})

	err := p.Handle(ctx, encode(t, createMessage(42, baseTime)))
	require.Error(t, err)
	assert.False(t, incident.IsPermanent(err))

	_, err = store.GetIncident(ctx, 42)
	assert.ErrorIs(t, err, incident.ErrIncidentNotFound)
	snaps, err := store.ListSnapshots(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestSyncProcessor_FetchTimeout(t *testing.T) {
	store := memstore.New()
	p := incident.NewSyncProcessor(incident.SyncConfig{FetchTimeout: 20 * time.Millisecond}, store, blockingFetcher{})

	err := p.Handle(context.Background(), encode(t, createMessage(42, baseTime)))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, incident.IsPermanent(err))
}

func TestSyncProcessor_OperationWriteFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := newProcessor(failingOpsRepo{Store: store}, &fakeFetcher{content: snapshotContent()})

	err := p.Handle(ctx, encode(t, createMessage(42, baseTime)))
	require.Error(t, err)
	assert.False(t, incident.IsPermanent(err))

	_, err = store.GetIncident(ctx, 42)
	assert.ErrorIs(t, err, incident.ErrIncidentNotFound)
	snaps, err := store.ListSnapshots(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestSyncProcessor_UpdateBeforeCreateIsRetryable(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := newProcessor(store, &fakeFetcher{content: snapshotContent()})

	err := p.Handle(ctx, encode(t, updateMessage(42, baseTime)))
	require.Error(t, err)
	assert.ErrorIs(t, err, incident.ErrIncidentNotFound)
	assert.False(t, incident.IsPermanent(err))

	snaps, err := store.ListSnapshots(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestSyncProcessor_InvalidTransitionIsPermanent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := newProcessor(store, &fakeFetcher{content: snapshotContent()})

	closed := createMessage(42, baseTime)
	closed.IncidentInfo.Status = "closed"
	require.NoError(t, p.Handle(ctx, encode(t, closed)))

	reopen := updateMessage(42, baseTime+60)
	reopen.IncidentInfo.Status = "abnormal"
	err := p.Handle(ctx, encode(t, reopen))
	require.Error(t, err)
	assert.True(t, incident.IsPermanent(err))
	assert.ErrorIs(t, err, incident.ErrInvalidTransition)

	inc, err := store.GetIncident(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusClosed, inc.Status)

	ops, err := store.ListOperations(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestSyncProcessor_UnknownSyncTypeIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	fetcher := &fakeFetcher{content: snapshotContent()}
	p := newProcessor(store, fetcher)

	msg := createMessage(42, baseTime)
	msg.SyncType = "DELETE"
	require.NoError(t, p.Handle(ctx, encode(t, msg)))

	assert.Empty(t, fetcher.calls)
	_, err := store.GetIncident(ctx, 42)
	assert.ErrorIs(t, err, incident.ErrIncidentNotFound)
}

func TestSyncProcessor_InvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `not json`},
		{"missing incident id", `{"sync_type":"CREATE","fpp_snapshot_id":"f","sync_time":1700000000,"incident_info":{"status":"abnormal","level":"WARN"}}`},
		{"missing snapshot id", `{"sync_type":"CREATE","incident_id":1,"sync_time":1700000000,"incident_info":{"status":"abnormal","level":"WARN"}}`},
		{"unknown status", `{"sync_type":"CREATE","incident_id":1,"fpp_snapshot_id":"f","sync_time":1700000000,"incident_info":{"status":"broken","level":"WARN"}}`},
		{"unknown level", `{"sync_type":"UPDATE","incident_id":1,"fpp_snapshot_id":"f","sync_time":1700000000,"incident_info":{"status":"abnormal","level":"FATAL"}}`},
		{"bad alert id", `{"sync_type":"CREATE","incident_id":1,"fpp_snapshot_id":"f","sync_time":1700000000,"scope":{"alerts":[1.5]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{content: domain.JSONMap{}}
			p := newProcessor(memstore.New(), fetcher)

			err := p.Handle(context.Background(), []byte(tt.body))
			require.Error(t, err)
			assert.True(t, incident.IsPermanent(err))
			assert.ErrorIs(t, err, incident.ErrInvalidMessage)
			assert.Empty(t, fetcher.calls)
		})
	}
}
