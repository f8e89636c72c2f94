package mcpplanesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal mcpplane HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID                  string         `json:"id"`
	InstallationID      string         `json:"installation_id"`
	CustomerID          string         `json:"customer_id"`
	Type                string         `json:"type"`
	Title               string         `json:"title"`
	Priority            string         `json:"priority"`
	Status              string         `json:"status"`
	AIConfidence        *int           `json:"ai_confidence,omitempty"`
	AIHandled           string         `json:"ai_handled"`
	RequiresHumanReview bool           `json:"requires_human_review"`
	Output              map[string]any `json:"output,omitempty"`
	ReviewNotes         string         `json:"review_notes,omitempty"`
	CreatedAt           string         `json:"created_at"`
	UpdatedAt           string         `json:"updated_at"`
}

// NewTask is the body of CreateTask.
type NewTask struct {
	ID             string         `json:"id,omitempty"`
	InstallationID string         `json:"installation_id"`
	Type           string         `json:"type,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	DueAt          string         `json:"due_at,omitempty"`
}

// TaskAction is the body of the task action endpoint.
type TaskAction struct {
	Action       string         `json:"action"`
	Output       map[string]any `json:"output,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	AIConfidence *int           `json:"ai_confidence,omitempty"`
	AIHandled    string         `json:"ai_handled,omitempty"`
	Artifacts    []string       `json:"artifacts,omitempty"`
	Approve      *bool          `json:"approve,omitempty"`
	Error        string         `json:"error,omitempty"`
	CostCents    int64          `json:"cost_cents,omitempty"`
}

// TaskFilter narrows ListTasks. Empty fields are ignored.
type TaskFilter struct {
	EngagementID   string
	InstallationID string
	CustomerID     string
	Status         string
	Priority       string
	Due            string
	Limit          int
	Cursor         string
}

// Installation represents a deployed module (partial).
type Installation struct {
	ID                 string  `json:"id"`
	EngagementID       string  `json:"engagement_id"`
	ModuleID           string  `json:"module_id"`
	CustomerID         string  `json:"customer_id"`
	Status             string  `json:"status"`
	HealthScore        int     `json:"health_score"`
	AutomationRate     float64 `json:"automation_rate"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	MonthlyCostCents   int64   `json:"monthly_cost_cents"`
}

// NewInstallation is the body of CreateInstallation.
type NewInstallation struct {
	ID           string         `json:"id,omitempty"`
	EngagementID string         `json:"engagement_id"`
	ModuleID     string         `json:"module_id"`
	CustomerID   string         `json:"customer_id"`
	ExpertID     string         `json:"expert_id,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Features     []string       `json:"features,omitempty"`
}

// Event represents a task audit entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CustomerID string         `json:"customer_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// WebhookAck is the answer to a webhook delivery.
type WebhookAck struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// ProgressEvent is one deployment progress update.
type ProgressEvent struct {
	DeploymentID string         `json:"deployment_id"`
	Seq          int64          `json:"seq"`
	Step         string         `json:"step"`
	Progress     int            `json:"progress"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Terminal     bool           `json:"terminal,omitempty"`
	Status       string         `json:"status"`
	Stalled      bool           `json:"stalled,omitempty"`
	Verified     *bool          `json:"verified,omitempty"`
	Degraded     bool           `json:"degraded,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Failed reports whether the deployment ended in failure.
func (e ProgressEvent) Failed() bool { return e.Terminal && e.Status == "failed" }

// Validation is a stored build validation report.
type Validation struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	ExitCode   int    `json:"exit_code"`
	Report     struct {
		Verdict string `json:"verdict"`
		Checks  []struct {
			Name    string   `json:"name"`
			Status  string   `json:"status"`
			Message string   `json:"message"`
			Details []string `json:"details,omitempty"`
		} `json:"checks"`
	} `json:"report"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.apiPath("tasks"), t, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.apiPath("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListTasks returns one page of tasks.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) (PaginatedTasks, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"engagement_id":   f.EngagementID,
		"installation_id": f.InstallationID,
		"customer_id":     f.CustomerID,
		"status":          f.Status,
		"priority":        f.Priority,
		"due":             f.Due,
		"cursor":          f.Cursor,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("tasks"), q), nil, &resp)
	return resp, err
}

// Act applies a lifecycle action to a task.
func (c *Client) Act(ctx context.Context, id string, a TaskAction) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.apiPath("tasks/"+url.PathEscape(id)+"/actions"), a, &resp)
	return resp, err
}

// TaskEvents returns a page of a task's audit trail, newest first.
func (c *Client) TaskEvents(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("tasks/"+url.PathEscape(id)+"/events"), q), nil, &resp)
	return resp, err
}

func (c *Client) CreateInstallation(ctx context.Context, in NewInstallation) (Installation, error) {
	var resp Installation
	err := c.do(ctx, http.MethodPost, c.apiPath("installations"), in, &resp)
	return resp, err
}

func (c *Client) GetInstallation(ctx context.Context, id string) (Installation, error) {
	var resp Installation
	err := c.do(ctx, http.MethodGet, c.apiPath("installations/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListInstallations filters by customer and status when set.
func (c *Client) ListInstallations(ctx context.Context, customerID, status string) ([]Installation, error) {
	q := url.Values{}
	if customerID != "" {
		q.Set("customer_id", customerID)
	}
	if status != "" {
		q.Set("status", status)
	}
	var resp []Installation
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("installations"), q), nil, &resp)
	return resp, err
}

func (c *Client) ActivateInstallation(ctx context.Context, id string) (Installation, error) {
	var resp Installation
	err := c.do(ctx, http.MethodPost, c.apiPath("installations/"+url.PathEscape(id)+"/activate"), nil, &resp)
	return resp, err
}

func (c *Client) Uninstall(ctx context.Context, id, reason string) (Installation, error) {
	var resp Installation
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, c.apiPath("installations/"+url.PathEscape(id)+"/uninstall"), body, &resp)
	return resp, err
}

// RecordRequest reports one request served by an installation.
func (c *Client) RecordRequest(ctx context.Context, id string, success bool, costCents int64) (Installation, error) {
	var resp Installation
	body := map[string]any{"success": success, "cost_cents": costCents}
	err := c.do(ctx, http.MethodPost, c.apiPath("installations/"+url.PathEscape(id)+"/requests"), body, &resp)
	return resp, err
}

// SendWebhook delivers one runtime event. Reusing idempotencyKey for a retry
// guarantees the event is applied at most once.
func (c *Client) SendWebhook(ctx context.Context, secret, idempotencyKey, event string, data any) (WebhookAck, error) {
	body := map[string]any{
		"event":     event,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	headers := map[string]string{"X-Webhook-Secret": secret}
	if idempotencyKey != "" {
		headers["X-Idempotency-Key"] = idempotencyKey
	}
	var resp WebhookAck
	err := c.doWithHeaders(ctx, http.MethodPost, "webhooks/mcp", body, &resp, headers)
	return resp, err
}

// ValidateBuild runs the build checks for customerID. buildDir is optional.
func (c *Client) ValidateBuild(ctx context.Context, customerID, buildDir string) (Validation, error) {
	var resp Validation
	body := map[string]any{}
	if buildDir != "" {
		body["build_dir"] = buildDir
	}
	err := c.do(ctx, http.MethodPost, c.apiPath("deployments/"+url.PathEscape(customerID)+"/validate"), body, &resp)
	return resp, err
}

// StartDeployment validates and launches a deployment.
func (c *Client) StartDeployment(ctx context.Context, customerID, buildDir string) error {
	body := map[string]any{}
	if buildDir != "" {
		body["build_dir"] = buildDir
	}
	return c.do(ctx, http.MethodPost, c.apiPath("deployments/"+url.PathEscape(customerID)), body, nil)
}

// WatchDeployment streams progress for customerID and calls fn for each
// event. It returns after the terminal event, when fn fails or when ctx ends.
func (c *Client) WatchDeployment(ctx context.Context, customerID string, fn func(ProgressEvent) error) error {
	endpoint := c.base() + "/" + strings.TrimLeft(c.apiPath("deployments/"+url.PathEscape(customerID)+"/progress"), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	// Streams outlive the per-request timeout.
	client := &http.Client{}
	if c.HTTPClient != nil {
		client = &http.Client{Transport: c.HTTPClient.Transport}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	return readEvents(resp.Body, func(data []byte) (bool, error) {
		var ev ProgressEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return false, fmt.Errorf("decode progress event: %w", err)
		}
		if err := fn(ev); err != nil {
			return false, err
		}
		return ev.Terminal, nil
	})
}

// readEvents parses a text/event-stream body and hands each data payload to
// fn until fn reports done.
func readEvents(r io.Reader, fn func(data []byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			done, err := fn(data.Bytes())
			data.Reset()
			if err != nil || done {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if data.Len() > 0 {
		_, err := fn(data.Bytes())
		return err
	}
	return errors.New("progress stream ended before the deployment finished")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	return c.doWithHeaders(ctx, method, endpoint, body, out, nil)
}

func (c *Client) doWithHeaders(ctx context.Context, method, endpoint string, body any, out any, headers map[string]string) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
