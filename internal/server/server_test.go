package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mcpplane/internal/config"
	"mcpplane/internal/db"
	"mcpplane/internal/domain"
	"mcpplane/internal/engine"
	"mcpplane/internal/idempotency"
	"mcpplane/internal/migrate"
	"mcpplane/internal/observability"
	"mcpplane/internal/progress"
	"mcpplane/internal/validate"
	"mcpplane/internal/webhook"
)

const (
	testWebhookSecret = "hook-secret"
	testJWTSecret     = "jwt-secret"
)

type testServer struct {
	URL      string
	Engine   engine.Engine
	Streamer *progress.Streamer
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type serverOptions struct {
	auth AuthConfig
	jobs progress.JobClient
}

// fakeJobs walks a job through the given phases, one per status poll.
type fakeJobs struct {
	mu     sync.Mutex
	phases []string
	polls  int
}

func (f *fakeJobs) Start(context.Context, string) (string, error) { return "job-1", nil }

func (f *fakeJobs) Status(context.Context, string) (progress.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.phases) {
		i = len(f.phases) - 1
	}
	f.polls++
	return progress.JobStatus{JobID: "job-1", Phase: f.phases[i]}, nil
}

func newTestServer(t *testing.T, opts serverOptions) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	ingress := webhook.NewIngress(testWebhookSecret, idempotency.NewMemoryStore(), time.Hour)
	ingress.Metrics = metrics
	webhook.RegisterHandlers(ingress, e)

	manifest, err := validate.DefaultManifest()
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	streamer := progress.NewStreamer()
	jobs := opts.jobs
	if jobs == nil {
		jobs = &fakeJobs{phases: []string{"generating_config", "ingesting", "completed"}}
	}
	pipeline := progress.NewPipeline(streamer, jobs, nil)
	pipeline.PollInterval = 5 * time.Millisecond
	pipeline.MaxPollInterval = 10 * time.Millisecond

	handler, err := New(Config{
		Engine:    e,
		BasePath:  "/v1",
		Auth:      opts.auth,
		Ingress:   ingress,
		Validator: validate.New(manifest),
		Streamer:  streamer,
		Pipeline:  pipeline,
		BuildRoot: "../validate/testdata",
		Gatherer:  reg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Engine:   e,
		Streamer: streamer,
		client:   &http.Client{Timeout: 10 * time.Second},
		close: func() {
			pipeline.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func localServer(t *testing.T) (*testServer, func()) {
	return newTestServer(t, serverOptions{auth: AuthConfig{Disabled: true}})
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeInto(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(body))
	}
}

func expectErrorCode(t *testing.T, body []byte, want string) {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	decodeInto(t, body, &env)
	if env.Error.Code != want {
		t.Fatalf("error code %q, want %q: %s", env.Error.Code, want, string(body))
	}
}

func createInstallation(t *testing.T, srv *testServer, customer string) domain.Installation {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/installations", map[string]any{
		"engagement_id": "eng-1",
		"module_id":     "invoice-extractor",
		"customer_id":   customer,
	}, nil)
	expectStatus(t, res, body, http.StatusCreated)
	var inst domain.Installation
	decodeInto(t, body, &inst)
	return inst
}

func taskAction(t *testing.T, srv *testServer, id string, action map[string]any) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+id+"/actions", action, nil)
}

func TestTaskLifecycleThroughReviewGate(t *testing.T) {
	srv, cleanup := localServer(t)
	defer cleanup()
	inst := createInstallation(t, srv, "acme")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"installation_id": inst.ID,
		"title":           "Extract March invoices",
		"priority":        "high",
	}, nil)
	expectStatus(t, res, body, http.StatusCreated)
	var task domain.Task
	decodeInto(t, body, &task)
	if task.Status != domain.TaskTodo || task.CustomerID != "acme" {
		t.Fatalf("unexpected created task: %+v", task)
	}

	res, body = taskAction(t, srv, task.ID, map[string]any{"action": "start"})
	expectStatus(t, res, body, http.StatusOK)

	res, body = taskAction(t, srv, task.ID, map[string]any{
		"action":        "complete",
		"ai_confidence": 55,
		"ai_handled":    "full",
		"output":        map[string]any{"rows": 12},
	})
	expectStatus(t, res, body, http.StatusOK)
	decodeInto(t, body, &task)
	if task.Status != domain.TaskNeedsReview || !task.RequiresHumanReview {
		t.Fatalf("low confidence must park for review: %+v", task)
	}

	res, body = taskAction(t, srv, task.ID, map[string]any{"action": "review"})
	expectStatus(t, res, body, http.StatusBadRequest)

	res, body = taskAction(t, srv, task.ID, map[string]any{"action": "review", "approve": true, "notes": "checked"})
	expectStatus(t, res, body, http.StatusOK)
	decodeInto(t, body, &task)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("approved task status %s", task.Status)
	}

	res, body = taskAction(t, srv, task.ID, map[string]any{"action": "start"})
	expectStatus(t, res, body, http.StatusConflict)
	expectErrorCode(t, body, domain.CodeInvalidTransition)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+task.ID+"/events?limit=2", nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	var page paginatedEvents
	decodeInto(t, body, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor: %+v", page)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+task.ID+"/events?limit=50&cursor="+page.NextCursor, nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	var rest paginatedEvents
	decodeInto(t, body, &rest)
	for _, evt := range rest.Items {
		if evt.ID >= page.Items[1].ID {
			t.Fatalf("cursor page repeated event %d", evt.ID)
		}
	}
}

func TestTaskListFiltersAndPaginates(t *testing.T) {
	srv, cleanup := localServer(t)
	defer cleanup()
	acme := createInstallation(t, srv, "acme")
	globex := createInstallation(t, srv, "globex")

	for i, inst := range []domain.Installation{acme, acme, acme, globex} {
		res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
			"installation_id": inst.ID,
			"title":           "task " + string(rune('a'+i)),
		}, nil)
		expectStatus(t, res, body, http.StatusCreated)
	}

	seen := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		url := srv.URL + "/v1/tasks?customer_id=acme&limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, body := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
		expectStatus(t, res, body, http.StatusOK)
		var page paginatedTasks
		decodeInto(t, body, &page)
		for _, task := range page.Items {
			if task.CustomerID != "acme" {
				t.Fatalf("filter leaked task of %s", task.CustomerID)
			}
			if seen[task.ID] {
				t.Fatalf("task %s listed twice", task.ID)
			}
			seen[task.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("listed %d acme tasks, want 3", len(seen))
	}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks?cursor=garbage", nil, nil)
	expectStatus(t, res, body, http.StatusBadRequest)
}

func TestUnknownResourcesUseErrorEnvelope(t *testing.T) {
	srv, cleanup := localServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/missing", nil, nil)
	expectStatus(t, res, body, http.StatusNotFound)
	expectErrorCode(t, body, domain.CodeNotFound)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"installation_id": "missing",
		"title":           "orphan",
	}, nil)
	expectStatus(t, res, body, http.StatusNotFound)
	expectErrorCode(t, body, domain.CodeNotFound)
}

func TestInstallationLifecycleRoutes(t *testing.T) {
	srv, cleanup := localServer(t)
	defer cleanup()
	inst := createInstallation(t, srv, "acme")
	base := srv.URL + "/v1/installations/" + inst.ID

	res, body := doJSON(t, srv.Client(), http.MethodPost, base+"/activate", nil, nil)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, srv.Client(), http.MethodPost, base+"/status", map[string]any{"status": "paused"}, nil)
	expectStatus(t, res, body, http.StatusOK)
	res, body = doJSON(t, srv.Client(), http.MethodPost, base+"/status", map[string]any{"status": "active"}, nil)
	expectStatus(t, res, body, http.StatusOK)
	decodeInto(t, body, &inst)
	if inst.Status != domain.InstallationActive {
		t.Fatalf("resume left status %s", inst.Status)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, base+"/requests", map[string]any{"success": true, "cost_cents": 7}, nil)
	expectStatus(t, res, body, http.StatusOK)
	decodeInto(t, body, &inst)
	if inst.TotalRequests != 1 || inst.SuccessfulRequests != 1 {
		t.Fatalf("request not counted: %+v", inst)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, base+"/uninstall", map[string]any{"reason": "contract ended"}, nil)
	expectStatus(t, res, body, http.StatusOK)
	decodeInto(t, body, &inst)
	if inst.Status != domain.InstallationUninstalled {
		t.Fatalf("uninstall left status %s", inst.Status)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/installations?customer_id=acme&status=uninstalled", nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	var list []domain.Installation
	decodeInto(t, body, &list)
	if len(list) != 1 || list[0].ID != inst.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestWebhookDeliveriesAreDeduplicated(t *testing.T) {
	srv, cleanup := localServer(t)
	defer cleanup()
	inst := createInstallation(t, srv, "acme")

	delivery := map[string]any{
		"event": "task.created",
		"data": map[string]any{
			"task_id":         "t-hook",
			"installation_id": inst.ID,
			"title":           "From runtime",
		},
	}
	headers := map[string]string{
		webhook.HeaderSecret:         testWebhookSecret,
		webhook.HeaderIdempotencyKey: "delivery-1",
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhooks/mcp", delivery, headers)
	expectStatus(t, res, body, http.StatusOK)
	var ack webhook.Ack
	decodeInto(t, body, &ack)
	if !ack.Received || ack.Duplicate {
		t.Fatalf("first delivery ack %+v", ack)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhooks/mcp", delivery, headers)
	expectStatus(t, res, body, http.StatusOK)
	decodeInto(t, body, &ack)
	if !ack.Duplicate {
		t.Fatalf("replayed delivery not flagged duplicate: %+v", ack)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/t-hook", nil, nil)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhooks/mcp", delivery, map[string]string{
		webhook.HeaderSecret:         "wrong",
		webhook.HeaderIdempotencyKey: "delivery-2",
	})
	expectStatus(t, res, body, http.StatusUnauthorized)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhooks/mcp", []byte("{not json"), headers)
	expectStatus(t, res, body, http.StatusBadRequest)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	if !strings.Contains(string(body), `mcpplane_webhook_deliveries_total{event="task.created",outcome="duplicate"} 1`) {
		t.Fatalf("duplicate delivery not counted:\n%s", string(body))
	}
}

func TestValidateEndpointRecordsReport(t *testing.T) {
	srv, cleanup := localServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/deployments/acme/validate", map[string]any{"build_dir": "build-ok"}, nil)
	expectStatus(t, res, body, http.StatusOK)
	var v ValidationResponse
	decodeInto(t, body, &v)
	if v.ExitCode != 0 || len(v.Report.Checks) != len(validate.CheckNames()) {
		t.Fatalf("unexpected validation: %+v", v)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/deployments/acme/validation", nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	var latest ValidationResponse
	decodeInto(t, body, &latest)
	if latest.ID != v.ID {
		t.Fatalf("latest validation %s, want %s", latest.ID, v.ID)
	}

	// No staged build for this customer: every file check fails but the
	// report itself is still returned.
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/deployments/ghost/validate", map[string]any{}, nil)
	expectStatus(t, res, body, http.StatusOK)
	decodeInto(t, body, &v)
	if v.ExitCode != 1 {
		t.Fatalf("missing build exit code %d", v.ExitCode)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/deployments/acme/validate", map[string]any{"build_dir": "../../engine"}, nil)
	expectStatus(t, res, body, http.StatusBadRequest)
}

func TestDeploymentRunsAndStreamsProgress(t *testing.T) {
	srv, cleanup := localServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/deployments/ghost", map[string]any{}, nil)
	expectStatus(t, res, body, http.StatusUnprocessableEntity)
	expectErrorCode(t, body, domain.CodeValidationFailed)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/deployments/acme", map[string]any{"build_dir": "build-ok"}, nil)
	expectStatus(t, res, body, http.StatusAccepted)
	var started DeploymentResponse
	decodeInto(t, body, &started)
	if !started.Started || started.Validation == nil {
		t.Fatalf("unexpected start response: %+v", started)
	}

	var state progress.State
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/deployments/acme", nil, nil)
		expectStatus(t, res, body, http.StatusOK)
		decodeInto(t, body, &state)
		if !state.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deployment still running: %+v", state)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state.Last.Step != progress.PhaseCompleted || state.Last.Progress != 100 {
		t.Fatalf("unexpected final state: %+v", state)
	}

	// Attaching after the end replays the terminal event and closes.
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/deployments/acme/progress", nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}
	if !strings.Contains(string(body), `"step":"completed","progress":100`) {
		t.Fatalf("terminal event missing from stream:\n%s", string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/deployments/nobody", nil, nil)
	expectStatus(t, res, body, http.StatusNotFound)
}

func TestAuthenticationAndPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{auth: AuthConfig{JWTSecret: testJWTSecret}})
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	expectStatus(t, res, body, http.StatusUnauthorized)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	expectStatus(t, res, body, http.StatusUnauthorized)
	expectErrorCode(t, body, "invalid_credentials")

	viewer, err := SignToken(testJWTSecret, "vera", []string{"viewer"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	operator, err := SignToken(testJWTSecret, "otto", []string{"operator"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer " + viewer})
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/installations", map[string]any{
		"engagement_id": "eng-1",
		"module_id":     "m",
		"customer_id":   "acme",
	}, map[string]string{"Authorization": "Bearer " + viewer})
	expectStatus(t, res, body, http.StatusForbidden)
	expectErrorCode(t, body, domain.CodeForbidden)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/installations", map[string]any{
		"engagement_id": "eng-1",
		"module_id":     "m",
		"customer_id":   "acme",
	}, map[string]string{"Authorization": "Bearer " + operator})
	expectStatus(t, res, body, http.StatusCreated)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + operator})
	expectStatus(t, res, body, http.StatusOK)
	var me WhoAmIResponse
	decodeInto(t, body, &me)
	if me.ActorID != "otto" || me.Source != sourceJWT {
		t.Fatalf("unexpected principal: %+v", me)
	}

	// Webhooks authenticate with their own secret, not a token.
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/webhooks/mcp", map[string]any{"event": "model.loaded"}, map[string]string{
		webhook.HeaderSecret: testWebhookSecret,
	})
	expectStatus(t, res, body, http.StatusOK)
}

func TestResolveBuildDir(t *testing.T) {
	cases := []struct {
		root, customer, dir string
		want                string
		wantErr             bool
	}{
		{root: "/builds", customer: "acme", want: "/builds/acme"},
		{root: "/builds", customer: "acme", dir: "acme-v2", want: "/builds/acme-v2"},
		{root: "/builds", customer: "acme", dir: "../etc", wantErr: true},
		{root: "/builds", customer: "acme", dir: "/etc", wantErr: true},
		{root: "/builds", customer: "../x", wantErr: true},
		{root: "", customer: "acme", dir: "/srv/build", want: "/srv/build"},
	}
	for _, tc := range cases {
		got, err := resolveBuildDir(tc.root, tc.customer, tc.dir)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("resolveBuildDir(%q, %q, %q) = %q, want error", tc.root, tc.customer, tc.dir, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("resolveBuildDir(%q, %q, %q) = %q, %v; want %q", tc.root, tc.customer, tc.dir, got, err, tc.want)
		}
	}
}
