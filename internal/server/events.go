package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"go.uber.org/zap"

	"mcpplane/internal/notify"
	"mcpplane/internal/observability"
)

const eventStreamBuffer = 64

func registerEventStream(api huma.API, bus *notify.Bus) {
	if bus == nil {
		return
	}
	sse.Register(api, huma.Operation{
		OperationID: "event-stream",
		Method:      http.MethodGet,
		Path:        "/events/stream",
		Summary:     "Live feed of committed domain events",
		Description: "Best effort: a consumer that falls behind misses events. Use the task event history for a complete record.",
		Tags:        []string{"events"},
	}, map[string]any{
		"event": notify.Notification{},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		CustomerID string `query:"customer_id"`
	}, send sse.Sender) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return
		}
		topic := input.Type
		if topic == "" {
			topic = notify.AllEvents
		}
		ch := make(chan notify.Notification, eventStreamBuffer)
		unsubscribe := bus.Subscribe(topic, func(n notify.Notification) {
			if input.CustomerID != "" && n.CustomerID != input.CustomerID {
				return
			}
			select {
			case ch <- n:
			default:
			}
		})
		defer unsubscribe()

		logger := observability.LoggerFrom(ctx, nil)
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-ch:
				if err := send.Data(n); err != nil {
					logger.Debug("event stream send failed", zap.Error(err))
					return
				}
			}
		}
	})
}
