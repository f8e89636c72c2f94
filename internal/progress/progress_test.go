package progress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpplane/internal/config"
	"mcpplane/internal/domain"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStreamer() (*Streamer, *clock) {
	c := &clock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
	s := NewStreamer()
	s.Now = c.Now
	s.StallTimeout = time.Minute
	s.DeliveryTimeout = time.Second
	return s, c
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("channel not closed; got %d events", len(out))
		}
	}
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase(" Starting-Containers ")
	require.NoError(t, err)
	assert.Equal(t, PhaseStartingContainers, p)
	assert.Equal(t, 25, p.Percent())

	_, err = ParsePhase("warming_up")
	assert.Error(t, err)

	prev := -1
	for _, ph := range Phases() {
		assert.Greater(t, ph.Percent(), prev, ph)
		prev = ph.Percent()
	}
	assert.Equal(t, 100, prev)
}

func TestProgressNeverDecreases(t *testing.T) {
	s, _ := newStreamer()
	require.NoError(t, s.Begin("acme"))
	ch, cancel := s.Subscribe("acme")
	defer cancel()

	steps := []Phase{PhaseInitializing, PhaseIngesting, PhaseStartingContainers, PhaseDeployingModules}
	for _, ph := range steps {
		_, err := s.Publish("acme", ph, string(ph), nil)
		require.NoError(t, err)
	}
	_, err := s.Fail("acme", errors.New("image push failed"), nil)
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 5)
	prev := 0
	for i, ev := range events {
		assert.GreaterOrEqual(t, ev.Progress, prev)
		assert.Equal(t, int64(i+1), ev.Seq)
		prev = ev.Progress
	}
	assert.Equal(t, 60, events[2].Progress, "starting_containers after ingesting is clamped")
	last := events[4]
	assert.True(t, last.Terminal)
	assert.Equal(t, PhaseFailed, last.Step)
	assert.Equal(t, 85, last.Progress, "failure keeps the highest progress reached")
	assert.Equal(t, "image push failed", last.Message)
}

func TestEventWireFormat(t *testing.T) {
	s, c := newStreamer()
	require.NoError(t, s.Begin("acme"))
	ev, err := s.Publish("acme", PhaseIngesting, "ingesting", nil)
	require.NoError(t, err)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "ingesting", wire["step"])
	assert.EqualValues(t, 60, wire["progress"])
	assert.Equal(t, "running", wire["status"])
	assert.Equal(t, "2024-01-15T09:00:00Z", wire["timestamp"])
	assert.NotContains(t, wire, "step_name")
	assert.NotContains(t, wire, "ts")

	ch, cancel := s.Subscribe("acme")
	defer cancel()
	c.Advance(2 * time.Minute)
	require.Equal(t, []string{"acme"}, s.Sweep())
	stalled := <-ch
	assert.Equal(t, StatusStalled, stalled.Status)

	ev, err = s.Finish("acme", false, "health check failed", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, ev.Status)

	require.NoError(t, s.Begin("globex"))
	ev, err = s.Fail("globex", errors.New("push failed"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, ev.Status)

	require.NoError(t, s.Begin("initech"))
	ev, err = s.Finish("initech", true, "done", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ev.Status)
}

func TestBeginStartsNewRunFromZero(t *testing.T) {
	s, _ := newStreamer()
	require.NoError(t, s.Begin("acme"))
	_, err := s.Publish("acme", PhaseDeployingModules, "modules", nil)
	require.NoError(t, err)
	_, err = s.Fail("acme", errors.New("image push failed"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Begin("acme"))
	ev, err := s.Publish("acme", PhaseInitializing, "retry", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, PhaseInitializing.Percent(), ev.Progress)
	assert.Equal(t, StatusRunning, ev.Status)
}

func TestTerminalEventReachesEverySubscriber(t *testing.T) {
	s, _ := newStreamer()
	s.BufferSize = 1
	require.NoError(t, s.Begin("acme"))

	const n = 5
	chans := make([]<-chan Event, n)
	for i := range chans {
		ch, cancel := s.Subscribe("acme")
		defer cancel()
		chans[i] = ch
	}

	// Fill every buffer so the terminal event cannot be enqueued without
	// the consumer reading.
	_, err := s.Publish("acme", PhaseGeneratingConfig, "config", nil)
	require.NoError(t, err)
	_, err = s.Publish("acme", PhaseIngesting, "dropped for full buffers", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]Event, n)
	for i, ch := range chans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = drain(t, ch)
		}()
	}
	_, err = s.Finish("acme", true, "done", nil)
	require.NoError(t, err)
	wg.Wait()

	for i, evs := range results {
		require.NotEmpty(t, evs, "subscriber %d", i)
		last := evs[len(evs)-1]
		assert.Equal(t, PhaseCompleted, last.Step, "subscriber %d", i)
		assert.Equal(t, 100, last.Progress)
		require.NotNil(t, last.Verified)
		assert.True(t, *last.Verified)
	}
}

func TestLateSubscriberGetsTerminalEvent(t *testing.T) {
	s, _ := newStreamer()
	require.NoError(t, s.Begin("acme"))
	_, err := s.Publish("acme", PhaseVerifying, "verifying", nil)
	require.NoError(t, err)
	_, err = s.Finish("acme", false, "degraded", nil)
	require.NoError(t, err)

	ch, cancel := s.Subscribe("acme")
	defer cancel()
	events := drain(t, ch)
	require.Len(t, events, 1)
	assert.True(t, events[0].Degraded)
	assert.Equal(t, 100, events[0].Progress)

	_, err = s.Publish("acme", PhaseIngesting, "late", nil)
	var rich *goerrors.Error
	require.True(t, goerrors.As(err, &rich))
	assert.Equal(t, http.StatusConflict, rich.Code)
}

func TestBeginRejectsRunningDeployment(t *testing.T) {
	s, _ := newStreamer()
	require.NoError(t, s.Begin("acme"))
	assert.True(t, s.Running("acme"))
	err := s.Begin("acme")
	var rich *goerrors.Error
	require.True(t, goerrors.As(err, &rich))
	assert.Equal(t, codeDeploymentRunning, rich.TextCode)

	_, err = s.Finish("acme", true, "done", nil)
	require.NoError(t, err)
	require.NoError(t, s.Begin("acme"), "a finished deployment can run again")
	st, ok := s.Snapshot("acme")
	require.True(t, ok)
	assert.True(t, st.Running)
	assert.Equal(t, int64(0), st.Last.Seq)
}

func TestCancelledSubscriberIsDetached(t *testing.T) {
	s, _ := newStreamer()
	require.NoError(t, s.Begin("acme"))
	ch, cancel := s.Subscribe("acme")
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	st, _ := s.Snapshot("acme")
	assert.Equal(t, 0, st.Subscribers)
	_, err := s.Finish("acme", true, "done", nil)
	require.NoError(t, err)
}

func TestStallSweep(t *testing.T) {
	s, c := newStreamer()
	require.NoError(t, s.Begin("acme"))
	require.NoError(t, s.Begin("globex"))
	ch, cancel := s.Subscribe("acme")
	defer cancel()
	_, err := s.Publish("acme", PhaseIngesting, "ingesting", nil)
	require.NoError(t, err)
	<-ch

	c.Advance(30 * time.Second)
	assert.Empty(t, s.Sweep())

	c.Advance(45 * time.Second)
	_, err = s.Publish("globex", PhaseGeneratingConfig, "config", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, s.Sweep())
	assert.Empty(t, s.Sweep(), "flagged once until progress resumes")

	ev := <-ch
	assert.True(t, ev.Stalled)
	assert.Equal(t, PhaseIngesting, ev.Step)
	assert.Equal(t, 60, ev.Progress)

	var stalled *domain.StalledDeploymentError
	require.ErrorAs(t, s.Err("acme"), &stalled)
	assert.Equal(t, "ingesting", stalled.LastStep)
	st, _ := s.Snapshot("acme")
	assert.True(t, st.Stalled)

	_, err = s.Publish("acme", PhaseDeployingModules, "moving again", nil)
	require.NoError(t, err)
	st, _ = s.Snapshot("acme")
	assert.False(t, st.Stalled)
}

type fakeJobs struct {
	mu       sync.Mutex
	phases   []JobStatus
	polls    int
	startErr error
}

func (f *fakeJobs) Start(ctx context.Context, customerID string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return "job-" + customerID, nil
}

func (f *fakeJobs) Status(ctx context.Context, jobID string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.phases) {
		i = len(f.phases) - 1
	}
	f.polls++
	return f.phases[i], nil
}

func fastPipeline(s *Streamer, jobs JobClient, v *Verifier) *Pipeline {
	p := NewPipeline(s, jobs, v)
	p.PollInterval = time.Millisecond
	p.MaxPollInterval = 2 * time.Millisecond
	p.Timeout = 5 * time.Second
	return p
}

func service(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/stats":
			_ = json.NewEncoder(w).Encode(map[string]any{"customer": r.URL.Query().Get("customer_id"), "documents": 42})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPipelineRunsToVerifiedCompletion(t *testing.T) {
	lake := service(t, true)
	s, _ := newStreamer()
	jobs := &fakeJobs{phases: []JobStatus{
		{Phase: "generating_config"},
		{Phase: "generating_config"},
		{Phase: "starting-containers"},
		{Phase: "ingesting", Details: map[string]any{"documents": 42}},
		{Phase: "deploying_modules"},
		{Phase: "completed", Message: "all modules deployed"},
	}}
	v := NewVerifier([]config.ServiceTarget{{Name: "lakehouse", URL: lake.URL, Require: true}}, time.Second)
	p := fastPipeline(s, jobs, v)

	ch, cancel := s.Subscribe("acme")
	defer cancel()
	final, err := p.Run(context.Background(), "acme")
	require.NoError(t, err)

	events := drain(t, ch)
	var steps []Phase
	for _, ev := range events {
		steps = append(steps, ev.Step)
	}
	assert.Equal(t, []Phase{
		PhaseInitializing, PhaseGeneratingConfig, PhaseStartingContainers, PhaseIngesting,
		PhaseDeployingModules, PhaseVerifying, PhaseCompleted,
	}, steps)
	assert.Equal(t, final, events[len(events)-1])
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.Verified)
	assert.True(t, *final.Verified)
	assert.False(t, final.Degraded)
	assert.Equal(t, "all modules deployed", final.Message)
}

func TestPipelineDegradedVerification(t *testing.T) {
	s, _ := newStreamer()
	jobs := &fakeJobs{phases: []JobStatus{{Phase: "completed"}}}
	v := NewVerifier([]config.ServiceTarget{
		{Name: "lakehouse", URL: service(t, true).URL, Require: true},
		{Name: "embeddings", URL: service(t, false).URL, Require: true},
		{Name: "reranker", URL: service(t, false).URL},
	}, time.Second)

	final, err := fastPipeline(s, jobs, v).Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, final.Step)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.Verified)
	assert.False(t, *final.Verified)
	assert.True(t, final.Degraded)
	assert.Contains(t, final.Message, "embeddings")
	assert.NotContains(t, final.Message, "reranker")
}

func TestPipelineJobFailure(t *testing.T) {
	s, _ := newStreamer()
	jobs := &fakeJobs{phases: []JobStatus{
		{Phase: "initializing_store"},
		{Phase: "failed", Error: "vector store unreachable"},
	}}
	final, err := fastPipeline(s, jobs, nil).Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, final.Step)
	assert.Equal(t, 40, final.Progress)
	assert.Equal(t, "vector store unreachable", final.Message)
	assert.EqualError(t, s.Err("acme"), "vector store unreachable")
}

func TestPipelineStartFailure(t *testing.T) {
	s, _ := newStreamer()
	jobs := &fakeJobs{startErr: errors.New("job service down")}
	final, err := fastPipeline(s, jobs, nil).Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, final.Step)
	assert.False(t, s.Running("acme"))
}

func TestPipelineTimeout(t *testing.T) {
	s, _ := newStreamer()
	jobs := &fakeJobs{phases: []JobStatus{{Phase: "ingesting"}}}
	p := fastPipeline(s, jobs, nil)
	p.Timeout = 50 * time.Millisecond

	final, err := p.Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, final.Step)
	assert.Contains(t, final.Message, "aborted")
	assert.Equal(t, 60, final.Progress)
}

func TestLaunchRunsInBackground(t *testing.T) {
	s, _ := newStreamer()
	jobs := &fakeJobs{phases: []JobStatus{{Phase: "ingesting"}, {Phase: "completed"}}}
	p := fastPipeline(s, jobs, nil)
	defer p.Close()

	ch, cancel := s.Subscribe("acme")
	defer cancel()
	ctx, stop := context.WithCancel(context.Background())
	require.NoError(t, p.Launch(ctx, "acme"))
	stop()

	events := drain(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, PhaseCompleted, events[len(events)-1].Step, "run survives the caller's context")
}

func TestHTTPJobClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(JobStatus{JobID: "j-" + body["customer_id"], Phase: "initializing"})
		case r.URL.Path == "/jobs/j-acme":
			_ = json.NewEncoder(w).Encode(JobStatus{Phase: "ingesting", Message: "42 documents"})
		default:
			http.Error(w, "no such job", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPJobClient(srv.URL+"/", time.Second)
	id, err := c.Start(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "j-acme", id)

	st, err := c.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "j-acme", st.JobID)
	assert.Equal(t, "ingesting", st.Phase)

	_, err = c.Status(context.Background(), "missing")
	require.Error(t, err)
	var he *jobHTTPError
	require.ErrorAs(t, err, &he)
	assert.False(t, retryable(he))
}
