package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/incident-archive/internal/app"
	"github.com/bissquit/incident-archive/internal/config"
	"github.com/bissquit/incident-archive/internal/domain"
	"github.com/bissquit/incident-archive/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAPISpecPath = "../../api/openapi/openapi.yaml"

// fakeAIOps serves incident details and records feedback writes.
type fakeAIOps struct {
	feedback map[string]any
}

func (f *fakeAIOps) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": true,
			"data":   map[string]any{"feedback": f.feedback},
		})
	case http.MethodPatch:
		var body struct {
			Feedback map[string]any `json:"feedback"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.feedback = body.Feedback
		_, _ = w.Write([]byte(`{"result":true,"data":null}`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func setupApp(t *testing.T) (*app.App, *testutil.Client) {
	t.Helper()

	aiopsServer := httptest.NewServer(&fakeAIOps{feedback: map[string]any{}})
	t.Cleanup(aiopsServer.Close)

	cfg := config.Default()
	cfg.Database.URL = config.MemoryDatabaseURL
	cfg.Sync.Enabled = false
	cfg.AIOps.BaseURL = aiopsServer.URL
	cfg.Log.Level = "error"
	require.NoError(t, cfg.Validate())

	a, err := app.New(cfg)
	require.NoError(t, err)

	server := httptest.NewServer(a.Router())
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})

	return a, testutil.NewClientWithValidation(t, server.URL, openAPISpecPath)
}

func seedIncident(t *testing.T, a *app.App, id int64, createTime int64, status domain.IncidentStatus) {
	t.Helper()
	ctx := context.Background()
	ts := time.Unix(createTime, 0).UTC()

	inc := &domain.Incident{
		ID:         id,
		Name:       "payment latency",
		Reason:     "slow database",
		Status:     status,
		Level:      domain.IncidentLevelError,
		Assignees:  []string{"alice"},
		Handlers:   []string{"bob"},
		Labels:     []string{"payments"},
		CreateTime: ts,
		UpdateTime: ts,
		BeginTime:  ts,
		Dimensions: domain.JSONMap{},
	}
	if status.IsFinished() {
		end := ts.Add(10 * time.Minute)
		inc.EndTime = &end
	}
	require.NoError(t, a.Repository().UpsertIncidents(ctx, []*domain.Incident{inc}, domain.WriteModeCreate))
	require.NoError(t, a.Repository().CreateSnapshots(ctx, []*domain.Snapshot{{
		ID:            "snap-" + time.Unix(createTime, 0).Format("150405"),
		IncidentID:    id,
		BizIDs:        domain.NewIDSet("2"),
		Alerts:        domain.NewIDSet("a1", "a2"),
		Events:        domain.NewIDSet(),
		Status:        status,
		CreateTime:    ts,
		Content:       domain.JSONMap{},
		FPPSnapshotID: "fpp-1",
	}}))
}

func TestApp_HealthAndVersion(t *testing.T) {
	_, client := setupApp(t)

	resp, err := client.GET("/healthz")
	require.NoError(t, err)
	assert.Equal(t, "OK", testutil.ReadBody(t, resp))

	resp, err = client.GET("/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.GET("/version")
	require.NoError(t, err)
	var v map[string]string
	testutil.DecodeJSON(t, resp, &v)
	assert.Contains(t, v, "version")
}

func TestApp_SearchAndAggregations(t *testing.T) {
	a, client := setupApp(t)
	seedIncident(t, a, 1, 1700000000, domain.IncidentStatusAbnormal)
	seedIncident(t, a, 2, 1700000600, domain.IncidentStatusClosed)

	resp, err := client.GET("/api/v1/incidents?start_time=1700000000&end_time=1700003600&ordering=-create_time")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Data struct {
			Total     int `json:"total"`
			Incidents []struct {
				ID      int64  `json:"incident_id"`
				EndTime *int64 `json:"end_time"`
			} `json:"incidents"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &list)
	assert.Equal(t, 2, list.Data.Total)
	require.Len(t, list.Data.Incidents, 2)
	assert.Equal(t, int64(2), list.Data.Incidents[0].ID)
	assert.NotNil(t, list.Data.Incidents[0].EndTime)
	assert.Nil(t, list.Data.Incidents[1].EndTime)

	resp, err = client.GET("/api/v1/incidents/overview?start_time=1700000000&end_time=1700003600")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.GET("/api/v1/incidents/histogram?start_time=1700000000&end_time=1700003599&interval=30m")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist struct {
		Data struct {
			Interval int64 `json:"interval"`
			Buckets  []struct {
				Time  int64 `json:"time"`
				Count int   `json:"count"`
			} `json:"buckets"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &hist)
	assert.Equal(t, int64(1800), hist.Data.Interval)
	total := 0
	for _, b := range hist.Data.Buckets {
		total += b.Count
	}
	assert.Equal(t, 2, total)

	resp, err = client.GET("/api/v1/incidents/top_n?start_time=1700000000&end_time=1700003600&fields=assignees&size=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var top struct {
		Data map[string][]struct {
			Value string `json:"value"`
			Count int    `json:"count"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &top)
	require.Len(t, top.Data["assignees"], 1)
	assert.Equal(t, "alice", top.Data["assignees"][0].Value)
	assert.Equal(t, 2, top.Data["assignees"][0].Count)
}

func TestApp_InvalidRequests(t *testing.T) {
	_, client := setupApp(t)
	raw := client.WithoutValidation()

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing range", "/api/v1/incidents", http.StatusBadRequest},
		{"inverted range", "/api/v1/incidents?start_time=20&end_time=10", http.StatusBadRequest},
		{"unknown ordering", "/api/v1/incidents?start_time=1&end_time=10&ordering=color", http.StatusBadRequest},
		{"unknown top n field", "/api/v1/incidents/top_n?start_time=1&end_time=10&fields=color", http.StatusBadRequest},
		{"bad id", "/api/v1/incidents/abc", http.StatusBadRequest},
		{"missing incident", "/api/v1/incidents/404", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := raw.GET(tt.path)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestApp_EditAndFeedbackAreLogged(t *testing.T) {
	a, client := setupApp(t)
	seedIncident(t, a, 7, 1700000000, domain.IncidentStatusAbnormal)
	carol := client.As("carol")

	resp, err := carol.PATCH("/api/v1/incidents/7", map[string]any{
		"level":     "WARN",
		"assignees": []string{"alice", "carol"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var edited struct {
		Data struct {
			Level     string   `json:"level"`
			Assignees []string `json:"assignees"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &edited)
	assert.Equal(t, "WARN", edited.Data.Level)
	assert.Equal(t, []string{"alice", "carol"}, edited.Data.Assignees)

	resp, err = carol.POST("/api/v1/incidents/7/feedback", map[string]any{
		"contents": map[string]any{"root_cause": "disk"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.GET("/api/v1/incidents/7/operations")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ops struct {
		Data []struct {
			Class     string         `json:"operation_class"`
			ExtraInfo map[string]any `json:"extra_info"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &ops)
	require.NotEmpty(t, ops.Data)
	for _, op := range ops.Data {
		assert.Equal(t, "user", op.Class)
		assert.Equal(t, "carol", op.ExtraInfo["operator"])
	}
}

func TestApp_IncidentViews(t *testing.T) {
	a, client := setupApp(t)
	seedIncident(t, a, 3, 1700000000, domain.IncidentStatusRecovered)

	resp, err := client.GET("/api/v1/incidents/3")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		Data struct {
			CurrentSnapshotID string `json:"current_snapshot_id"`
			AlertCount        int    `json:"alert_count"`
			Duration          int64  `json:"duration"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &detail)
	assert.Equal(t, "fpp-1", detail.Data.CurrentSnapshotID)
	assert.Equal(t, 2, detail.Data.AlertCount)
	assert.Equal(t, int64(600), detail.Data.Duration)

	resp, err = client.GET("/api/v1/incidents/3/handlers")
	require.NoError(t, err)
	var handlers struct {
		Data struct {
			All []string `json:"all"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &handlers)
	assert.Equal(t, []string{"alice", "bob"}, handlers.Data.All)

	resp, err = client.GET("/api/v1/incidents/3/targets")
	require.NoError(t, err)
	var targets struct {
		Data struct {
			Alerts []string `json:"alerts"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &targets)
	assert.Equal(t, []string{"a1", "a2"}, targets.Data.Alerts)

	for _, path := range []string{"/api/v1/incidents/3/topology", "/api/v1/incidents/3/timeline"} {
		resp, err = client.GET(path)
		require.NoError(t, err)
		assert.JSONEq(t, `{"data":{}}`, testutil.ReadBody(t, resp))
	}
}
