package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpplane/internal/events"
	"mcpplane/internal/observability"
)

func sampleRecord() events.Record {
	return events.Record{
		ID:         42,
		TS:         "2024-01-15T09:00:00Z",
		Type:       "task.completed",
		CustomerID: "acme",
		EntityKind: events.KindTask,
		EntityID:   "task-1",
		ActorID:    "agent",
		Payload:    events.EventPayload{"cost_cents": 12},
	}
}

func TestHTTPSinkPostsJSONWithSecret(t *testing.T) {
	var got Notification
	var secret, eventHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get("X-Webhook-Secret")
		eventHeader = r.Header.Get("X-Mcpplane-Event")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewHTTPSink([]string{srv.URL}, "s3cret", time.Second)
	require.NoError(t, sink.Notify(context.Background(), FromRecord(sampleRecord())))
	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, "task.completed", eventHeader)
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, "task-1", got.EntityID)
	assert.EqualValues(t, 12, got.Payload["cost_cents"])
}

func TestHTTPSinkClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewHTTPSink([]string{srv.URL}, "", time.Second)
	err := sink.Notify(context.Background(), FromRecord(sampleRecord()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPSinkFilterSkipsOtherEvents(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	sink := NewHTTPSink([]string{srv.URL}, "", time.Second)
	sink.Filter = []string{"installation.uninstalled"}
	require.NoError(t, sink.Notify(context.Background(), FromRecord(sampleRecord())))
	assert.Zero(t, calls.Load())
}

func TestMultiJoinsErrors(t *testing.T) {
	var ok atomic.Int32
	m := Multi{
		SinkFunc(func(context.Context, Notification) error { return errors.New("first down") }),
		SinkFunc(func(context.Context, Notification) error { ok.Add(1); return nil }),
		nil,
	}
	err := m.Notify(context.Background(), Notification{Type: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first down")
	assert.Equal(t, int32(1), ok.Load(), "later sinks still run")
}

func TestBusDeliversByTypeAndWildcard(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	typed := make(chan Notification, 1)
	all := make(chan Notification, 2)
	bus.Subscribe("task.completed", func(n Notification) { typed <- n })
	unsub := bus.Subscribe(AllEvents, func(n Notification) { all <- n })

	bus.Publish(Notification{Type: "task.completed", ID: 1})
	bus.Publish(Notification{Type: "task.started", ID: 2})

	select {
	case n := <-typed:
		assert.Equal(t, int64(1), n.ID)
	case <-time.After(time.Second):
		t.Fatal("typed subscriber got nothing")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("wildcard subscriber missed an event")
		}
	}
	unsub()
	unsub()
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()
	var drops atomic.Int32
	bus.OnDrop(func(string) { drops.Add(1) })

	block := make(chan struct{})
	bus.Subscribe("e", func(Notification) { <-block })
	for i := 0; i < 5; i++ {
		bus.Publish(Notification{Type: "e"})
	}
	close(block)
	assert.Positive(t, drops.Load())
}

func TestDispatcherBroadcastsAndDelivers(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	delivered := make(chan Notification, 1)
	sink := SinkFunc(func(_ context.Context, n Notification) error {
		delivered <- n
		return errors.New("receiver down")
	})
	bus := NewBus(4)
	defer bus.Close()
	seen := make(chan Notification, 1)
	bus.Subscribe(AllEvents, func(n Notification) { seen <- n })

	d := NewDispatcher(sink, bus, zap.NewNop(), metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Publish(ctx, sampleRecord())
	for _, ch := range []chan Notification{seen, delivered} {
		select {
		case n := <-ch:
			assert.Equal(t, "task.completed", n.Type)
		case <-time.After(time.Second):
			t.Fatal("notification not received")
		}
	}
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.NotificationFailuresTotal.WithLabelValues("sink")) == 1
	}, time.Second, 10*time.Millisecond)
}
