package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpplane/internal/config"
	"mcpplane/internal/engine"
	"mcpplane/internal/idempotency"
	"mcpplane/internal/notify"
	"mcpplane/internal/observability"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Disabled = true
	cfg.Webhook.Secret = "s3cret"
	cfg.Webhook.Store = "memory"
	return cfg
}

func openApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Open(context.Background(), t.TempDir(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestOpenSelectsIdempotencyStore(t *testing.T) {
	cfg := testConfig(t)
	a := openApp(t, cfg)
	assert.IsType(t, &idempotency.MemoryStore{}, a.Store)

	cfg = testConfig(t)
	cfg.Webhook.Store = "sqlite"
	a = openApp(t, cfg)
	assert.IsType(t, &idempotency.SQLStore{}, a.Store)

	mr := miniredis.RunT(t)
	cfg = testConfig(t)
	cfg.Webhook.Store = "redis"
	cfg.Webhook.Redis.Addr = mr.Addr()
	a = openApp(t, cfg)
	require.IsType(t, &idempotency.RedisStore{}, a.Store)
	require.NoError(t, a.Store.HealthCheck(context.Background()))
}

func TestOpenRejectsMissingManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Deployment.Manifest = "does-not-exist.yaml"
	_, err := Open(context.Background(), t.TempDir(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation manifest")
}

func TestReadyReportsDatabaseAndStore(t *testing.T) {
	a := openApp(t, testConfig(t))
	handler, err := a.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body observability.ReadinessResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Len(t, body.Checks, 2)
}

func TestCommittedEventsReachTheBus(t *testing.T) {
	a := openApp(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	got := make(chan notify.Notification, 4)
	unsubscribe := a.Bus.Subscribe(engine.EventTaskCreated, func(n notify.Notification) { got <- n })
	defer unsubscribe()

	inst, err := a.Engine.Install(ctx, engine.InstallOptions{
		EngagementID: "eng-1",
		ModuleID:     "invoice-extractor",
		CustomerID:   "acme",
		ActorID:      "tester",
	})
	require.NoError(t, err)
	task, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		InstallationID: inst.ID,
		Title:          "Extract",
		ActorID:        "tester",
	})
	require.NoError(t, err)

	select {
	case n := <-got:
		assert.Equal(t, task.ID, n.EntityID)
		assert.Equal(t, "acme", n.CustomerID)
	case <-time.After(2 * time.Second):
		t.Fatal("task.created never reached the bus")
	}
}
