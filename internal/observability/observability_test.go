package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitMetrics_registersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)

	m.RecordWebhook("task.completed", "processed")
	m.RecordWebhook("task.completed", "duplicate")
	m.RecordWebhook("task.completed", "duplicate")
	m.RecordTaskTransition("in_progress", "needs_review")
	m.RecordInstallationRequest(true)
	m.RecordValidation("fail", 0.2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WebhookDeliveriesTotal.WithLabelValues("task.completed", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskTransitionsTotal.WithLabelValues("in_progress", "needs_review")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InstallationRequestsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationRunsTotal.WithLabelValues("fail")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["mcpplane_webhook_deliveries_total"])
	assert.True(t, names["mcpplane_validation_duration_seconds"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordWebhook("x", "y")
	m.RecordDeploymentStall()
	m.DeploymentStarted()
}

func TestHandler_servesExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	m.RecordDeploymentEvent("ingesting")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `mcpplane_deployment_events_total{phase="ingesting"} 1`))
}

func TestReady_reportsFailingCheck(t *testing.T) {
	resp := Ready(context.Background(), map[string]HealthChecker{
		"database": HealthCheckFunc(func(context.Context) error { return nil }),
		"redis":    HealthCheckFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"].Status)
	assert.Equal(t, "connection refused", resp.Checks["redis"].Error)
}

func TestLoggerFrom(t *testing.T) {
	assert.NotNil(t, LoggerFrom(context.Background(), nil))
	l := zap.NewExample()
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, LoggerFrom(ctx, nil))
}

func TestNewLogger_unknownLevelFallsBackToInfo(t *testing.T) {
	l, err := NewLogger("loud")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}
