//go:build integration

package app_test

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/bissquit/incident-archive/internal/app"
	"github.com/bissquit/incident-archive/internal/config"
	"github.com/bissquit/incident-archive/internal/queue"
	"github.com/bissquit/incident-archive/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	postgresURL string
	redisURL    string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	redisContainer, err := testutil.NewRedisContainer(ctx)
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	postgresURL = pgContainer.ConnectionString
	redisURL = redisContainer.URL

	code := m.Run()

	if err := redisContainer.Terminate(ctx); err != nil {
		log.Printf("terminate redis: %v", err)
	}
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return strconv.Itoa(l.Addr().(*net.TCPAddr).Port)
}

func TestApp_SyncPipeline(t *testing.T) {
	ctx := context.Background()

	aiopsServer := httptest.NewServer(&fakeAIOps{feedback: map[string]any{}})
	t.Cleanup(aiopsServer.Close)

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Server.MetricsPort = freePort(t)
	cfg.Database.URL = postgresURL
	cfg.Database.AutoMigrate = true
	cfg.Database.MigrationsPath = "../../migrations"
	cfg.Queue.URL = redisURL
	cfg.Queue.Consumer = "it"
	cfg.Queue.Block = 200 * time.Millisecond
	cfg.AIOps.BaseURL = aiopsServer.URL
	cfg.AIOps.RateLimit = 1000
	cfg.Log.Level = "error"
	require.NoError(t, cfg.Validate())

	a, err := app.New(cfg)
	require.NoError(t, err)
	go func() { _ = a.Run() }()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
	})

	server := httptest.NewServer(a.Router())
	t.Cleanup(server.Close)
	client := testutil.NewClientWithValidation(t, server.URL, openAPISpecPath)

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	producer := queue.NewProducer(rdb, cfg.Queue.Stream)

	publish := func(msg map[string]any) {
		t.Helper()
		body, err := json.Marshal(msg)
		require.NoError(t, err)
		_, err = producer.Publish(ctx, body)
		require.NoError(t, err)
	}

	info := map[string]any{
		"incident_id":   42,
		"incident_name": "checkout errors",
		"status":        "abnormal",
		"level":         "ERROR",
		"assignees":     []string{"alice"},
		"create_time":   1700000000,
		"begin_time":    1700000000,
	}
	publish(map[string]any{
		"sync_type":       "create",
		"incident_id":     42,
		"fpp_snapshot_id": "fpp-1",
		"sync_time":       1700000000,
		"incident_info":   info,
		"scope":           map[string]any{"bk_biz_ids": []int{2}, "alerts": []int{10, 11}},
	})

	require.Eventually(t, func() bool {
		resp, err := client.WithoutValidation().GET("/api/v1/incidents/42")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 15*time.Second, 100*time.Millisecond)

	info["status"] = "recovered"
	info["end_time"] = 1700000900
	publish(map[string]any{
		"sync_type":         "update",
		"incident_id":       42,
		"fpp_snapshot_id":   "fpp-2",
		"sync_time":         1700000900,
		"incident_info":     info,
		"scope":             map[string]any{"alerts": []int{10, 11}},
		"update_attributes": map[string]any{"status": map[string]any{"from": "abnormal", "to": "recovered"}},
	})

	var ops struct {
		Data []struct {
			Type string `json:"operation_type"`
		} `json:"data"`
	}
	require.Eventually(t, func() bool {
		resp, err := client.WithoutValidation().GET("/api/v1/incidents/42/operations")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&ops) != nil {
			return false
		}
		return len(ops.Data) == 2
	}, 15*time.Second, 100*time.Millisecond)

	resp, err := client.GET("/api/v1/incidents/42")
	require.NoError(t, err)
	var detail struct {
		Data struct {
			Status            string `json:"status"`
			Duration          int64  `json:"duration"`
			CurrentSnapshotID string `json:"current_snapshot_id"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &detail)
	assert.Equal(t, "recovered", detail.Data.Status)
	assert.Equal(t, int64(900), detail.Data.Duration)
	assert.Equal(t, "fpp-2", detail.Data.CurrentSnapshotID)

	// Undecodable messages go straight to the dead letter stream.
	_, err = producer.Publish(ctx, []byte("not json"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		n, err := rdb.XLen(ctx, cfg.Queue.DLQStream).Result()
		return err == nil && n == 1
	}, 15*time.Second, 100*time.Millisecond)

	resp, err = client.GET("/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}
