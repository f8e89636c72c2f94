package progress

import (
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

// JobStatus is what the build job service reports for one job.
type JobStatus struct {
	JobID   string         `json:"job_id"`
	Phase   string         `json:"phase"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// JobClient drives the external deployment job.
type JobClient interface {
	Start(ctx context.Context, customerID string) (string, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
}

// HTTPJobClient talks to a job service exposing POST /jobs and GET /jobs/{id}.
type HTTPJobClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPJobClient(baseURL string, timeout time.Duration) *HTTPJobClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPJobClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPJobClient) Start(ctx context.Context, customerID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"customer_id": customerID})
	var out JobStatus
	if err := c.do(ctx, http.MethodPost, c.BaseURL+"/jobs", body, &out); err != nil {
		return "", fmt.Errorf("start job for %s: %w", customerID, err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("start job for %s: response has no job_id", customerID)
	}
	return out.JobID, nil
}

func (c *HTTPJobClient) Status(ctx context.Context, jobID string) (JobStatus, error) {
	var out JobStatus
	if err := c.do(ctx, http.MethodGet, c.BaseURL+"/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return JobStatus{}, fmt.Errorf("job %s status: %w", jobID, err)
	}
	if out.JobID == "" {
		out.JobID = jobID
	}
	return out, nil
}

func (c *HTTPJobClient) do(ctx context.Context, method, target string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &jobHTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return json.Unmarshal(data, out)
}

type jobHTTPError struct {
	Status int
	Body   string
}

func (e *jobHTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("job service returned %d", e.Status)
	}
	return fmt.Sprintf("job service returned %d: %s", e.Status, e.Body)
}

// retryable reports whether polling should continue after err.
func retryable(err error) bool {
	var he *jobHTTPError
	if !errors.As(err, &he) {
		return true
	}
	return he.Status >= 500 || he.Status == http.StatusTooManyRequests
}
