package mcpplanesdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchDeploymentStopsAtTerminalEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/deployments/acme/progress", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		for i, step := range []string{"initializing", "ingesting", "completed"} {
			data, _ := json.Marshal(ProgressEvent{Seq: int64(i + 1), Step: step, Terminal: step == "completed"})
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
		}
		// Never read: the client stops at the terminal event.
		fmt.Fprint(w, "event: progress\ndata: {\"step\":\"bogus\"}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	var steps []string
	err := c.WatchDeployment(context.Background(), "acme", func(ev ProgressEvent) error {
		steps = append(steps, ev.Step)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"initializing", "ingesting", "completed"}, steps)
}

func TestWatchDeploymentReportsTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"step\":\"ingesting\",\"progress\":60,\"status\":\"running\"}\n\n")
	}))
	defer srv.Close()

	err := New(srv.URL).WatchDeployment(context.Background(), "acme", func(ProgressEvent) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ended before")
}

func TestAPIErrorCarriesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"code":"invalid_transition","message":"task t-1: cannot start from completed"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Act(context.Background(), "t-1", TaskAction{Action: "start"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)
}

func TestSendWebhookSetsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/webhooks/mcp", r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get("X-Webhook-Secret"))
		assert.Equal(t, "k-1", r.Header.Get("X-Idempotency-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "task.started", body["event"])
		fmt.Fprint(w, `{"received":true,"duplicate":true}`)
	}))
	defer srv.Close()

	ack, err := New(srv.URL).SendWebhook(context.Background(), "s3cret", "k-1", "task.started", map[string]any{"task_id": "t-1"})
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
}
