// Package webhook receives callbacks from workers and MCP runtimes and turns
// them into task and installation mutations.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"go.uber.org/zap"

	"mcpplane/internal/domain"
	"mcpplane/internal/idempotency"
	"mcpplane/internal/observability"
)

const (
	HeaderSecret         = "X-Webhook-Secret"
	HeaderIdempotencyKey = "X-Idempotency-Key"

	defaultTTL = time.Hour

	codeHandlerFailed = "handler_failed"
	codeClaimFailed   = "idempotency_failed"
)

// Delivery is one inbound webhook body.
type Delivery struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Ack is the response to an accepted delivery.
type Ack struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Handler applies one event. It must return an error rather than partially
// apply a mutation.
type Handler func(ctx context.Context, d Delivery) error

type Ingress struct {
	Secret  string
	Store   idempotency.Store
	TTL     time.Duration
	Logger  *zap.Logger
	Metrics *observability.Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewIngress(secret string, store idempotency.Store, ttl time.Duration) *Ingress {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Ingress{
		Secret:   secret,
		Store:    store,
		TTL:      ttl,
		Logger:   zap.NewNop(),
		handlers: map[string]Handler{},
	}
}

// Register routes event to h, replacing any previous handler.
func (in *Ingress) Register(event string, h Handler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers[strings.TrimSpace(event)] = h
}

func (in *Ingress) handlerFor(event string) Handler {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.handlers[event]
}

// Events returns the registered event names.
func (in *Ingress) Events() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]string, 0, len(in.handlers))
	for k := range in.handlers {
		out = append(out, k)
	}
	return out
}

func (in *Ingress) log() *zap.Logger {
	if in.Logger == nil {
		return zap.NewNop()
	}
	return in.Logger
}

// Verify compares the presented secret in constant time. An ingress without
// a configured secret rejects everything.
func (in *Ingress) Verify(presented string) error {
	if in.Secret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(in.Secret)) != 1 {
		return domain.ErrAuthorizationFailed
	}
	return nil
}

// Receive authenticates, deduplicates and dispatches one delivery.
func (in *Ingress) Receive(ctx context.Context, secret, key string, d Delivery) (ack Ack, err error) {
	event := strings.TrimSpace(d.Event)
	logger := in.log().With(zap.String("event", event), zap.String("idempotency_key", key))

	if err := in.Verify(secret); err != nil {
		logger.Warn("webhook rejected: bad secret")
		in.Metrics.RecordWebhook(event, "unauthorized")
		return Ack{}, err
	}
	if event == "" {
		in.Metrics.RecordWebhook(event, "bad_request")
		return Ack{}, domain.BadInput("event", "is required")
	}

	key = strings.TrimSpace(key)
	claimed := false
	if key == "" {
		logger.Warn("webhook without idempotency key, processing without dedup")
	} else if in.Store != nil {
		ok, err := in.Store.Claim(ctx, key, in.TTL)
		if err != nil {
			logger.Error("idempotency claim failed", zap.Error(err))
			in.Metrics.RecordWebhook(event, "error")
			return Ack{}, goerrors.Wrap(err, goerrors.CategoryOperation, "webhook: idempotency claim failed").
				WithCode(http.StatusInternalServerError).
				WithTextCode(codeClaimFailed)
		}
		if !ok {
			logger.Info("duplicate webhook delivery")
			in.Metrics.RecordWebhook(event, "duplicate")
			return Ack{Received: true, Duplicate: true}, nil
		}
		claimed = true
	}

	h := in.handlerFor(event)
	if h == nil {
		logger.Info("unknown webhook event acknowledged")
		in.Metrics.RecordWebhook(event, "ignored")
		return Ack{Received: true}, nil
	}

	if herr := in.run(ctx, h, d); herr != nil {
		logger.Error("webhook handler failed", zap.Error(herr), zap.ByteString("data", d.Data))
		in.Metrics.RecordWebhook(event, "error")
		if claimed {
			// Let the sender's retry through.
			if rerr := in.Store.Release(context.WithoutCancel(ctx), key); rerr != nil {
				logger.Error("idempotency release failed", zap.Error(rerr))
			}
		}
		return Ack{}, goerrors.Wrap(herr, goerrors.CategoryOperation, fmt.Sprintf("webhook: handler for %s failed", event)).
			WithCode(http.StatusInternalServerError).
			WithTextCode(codeHandlerFailed).
			WithMetadata(map[string]any{"event": event})
	}
	in.Metrics.RecordWebhook(event, "processed")
	logger.Info("webhook processed")
	return Ack{Received: true}, nil
}

func (in *Ingress) run(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, d)
}
