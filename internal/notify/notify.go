// Package notify delivers committed domain events to external sinks and to
// in-process subscribers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mcpplane/internal/events"
)

const defaultTimeout = 5 * time.Second

// Notification is one committed event as seen by consumers.
type Notification struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	CustomerID string         `json:"customer_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts"`
	Payload    map[string]any `json:"payload"`
}

// FromRecord converts an event record.
func FromRecord(rec events.Record) Notification {
	payload := map[string]any(rec.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return Notification{
		ID:         rec.ID,
		Type:       rec.Type,
		CustomerID: rec.CustomerID,
		EntityKind: rec.EntityKind,
		EntityID:   rec.EntityID,
		ActorID:    rec.ActorID,
		TS:         rec.TS,
		Payload:    payload,
	}
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Notify(_ context.Context, n Notification) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("notification",
		zap.Int64("event_id", n.ID),
		zap.String("type", n.Type),
		zap.String("customer_id", n.CustomerID),
		zap.String("entity_kind", n.EntityKind),
		zap.String("entity_id", n.EntityID))
	return nil
}

// HTTPSink POSTs notifications as JSON to a set of URLs.
type HTTPSink struct {
	URLs    []string
	Secret  string
	Client  *http.Client
	Retries uint64
	// Filter limits delivery to these event types; empty means all.
	Filter []string
}

func NewHTTPSink(urls []string, secret string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPSink{
		URLs:    urls,
		Secret:  secret,
		Client:  &http.Client{Timeout: timeout},
		Retries: 2,
	}
}

func (s *HTTPSink) Notify(ctx context.Context, n Notification) error {
	if !newEventFilter(s.Filter).match(n.Type) {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	var errs []error
	for _, url := range s.URLs {
		if strings.TrimSpace(url) == "" {
			continue
		}
		post := func() error { return s.post(ctx, url, n, data) }
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.Retries), ctx)
		if err := backoff.Retry(post, policy); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

func (s *HTTPSink) post(ctx context.Context, url string, n Notification, data []byte) error {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mcpplane-Event", n.Type)
	req.Header.Set("X-Mcpplane-Delivery", fmt.Sprintf("%d", n.ID))
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Webhook-Secret", s.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
