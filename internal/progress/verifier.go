package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mcpplane/internal/config"
	"mcpplane/internal/observability"
)

// ServiceResult is the outcome of polling one service.
type ServiceResult struct {
	Name      string         `json:"name"`
	URL       string         `json:"url"`
	Required  bool           `json:"required"`
	Healthy   bool           `json:"healthy"`
	Status    int            `json:"status,omitempty"`
	Stats     map[string]any `json:"stats,omitempty"`
	Error     string         `json:"error,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
}

// Verification is the post-deploy health answer for one customer.
type Verification struct {
	CustomerID string                    `json:"customer_id"`
	Success    bool                      `json:"success"`
	Stats      map[string]map[string]any `json:"stats"`
	Services   []ServiceResult           `json:"services"`
	CheckedAt  time.Time                 `json:"checked_at"`
}

// Unhealthy lists the required services that failed.
func (v Verification) Unhealthy() []string {
	var out []string
	for _, s := range v.Services {
		if s.Required && !s.Healthy {
			out = append(out, s.Name)
		}
	}
	return out
}

// Verifier polls /health and /stats of every configured service.
type Verifier struct {
	Services []config.ServiceTarget
	Client   *http.Client
	Timeout  time.Duration
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

func NewVerifier(services []config.ServiceTarget, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Verifier{Services: services, Client: &http.Client{}, Timeout: timeout, Logger: zap.NewNop()}
}

// Verify succeeds when every required service answers /health with 2xx.
// Optional services are reported but never fail the verification.
func (v *Verifier) Verify(ctx context.Context, customerID string) Verification {
	results := make([]ServiceResult, len(v.Services))
	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range v.Services {
		g.Go(func() error {
			results[i] = v.poll(gctx, customerID, svc)
			return nil
		})
	}
	_ = g.Wait()

	out := Verification{
		CustomerID: customerID,
		Success:    true,
		Stats:      map[string]map[string]any{},
		Services:   results,
		CheckedAt:  time.Now().UTC(),
	}
	for _, r := range results {
		if r.Stats != nil {
			out.Stats[r.Name] = r.Stats
		}
		if r.Required && !r.Healthy {
			out.Success = false
		}
	}
	v.Metrics.RecordVerification(out.Success)
	if v.Logger != nil {
		v.Logger.Info("deployment verified",
			zap.String("customer_id", customerID),
			zap.Bool("success", out.Success),
			zap.Strings("unhealthy", out.Unhealthy()))
	}
	return out
}

func (v *Verifier) poll(ctx context.Context, customerID string, svc config.ServiceTarget) ServiceResult {
	res := ServiceResult{Name: svc.Name, URL: svc.URL, Required: svc.Require}
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	status, _, err := v.get(ctx, svc.URL, "/health", customerID)
	res.LatencyMS = time.Since(start).Milliseconds()
	res.Status = status
	switch {
	case err != nil:
		res.Error = err.Error()
		return res
	case status < 200 || status >= 300:
		res.Error = fmt.Sprintf("health returned %d", status)
		return res
	}
	res.Healthy = true

	status, body, err := v.get(ctx, svc.URL, "/stats", customerID)
	switch {
	case err != nil:
		res.Error = "stats: " + err.Error()
	case status < 200 || status >= 300:
		res.Error = fmt.Sprintf("stats returned %d", status)
	default:
		var stats map[string]any
		if err := json.Unmarshal(body, &stats); err != nil {
			res.Error = "stats: " + err.Error()
		} else {
			res.Stats = stats
		}
	}
	return res
}

func (v *Verifier) get(ctx context.Context, base, path, customerID string) (int, []byte, error) {
	target := strings.TrimRight(base, "/") + path
	if customerID != "" {
		target += "?customer_id=" + url.QueryEscape(customerID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, body, err
}
