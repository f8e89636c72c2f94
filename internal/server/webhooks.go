package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"mcpplane/internal/domain"
	"mcpplane/internal/progress"
	"mcpplane/internal/webhook"
)

const (
	webhookPath = "/webhooks/mcp"
	verifyPath  = "/verify/{customer_id}"
)

func registerWebhooks(api huma.API, ingress *webhook.Ingress) {
	if ingress == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "receive-webhook",
		Method:      http.MethodPost,
		Path:        webhookPath,
		Summary:     "Receive an event from the MCP runtime",
		Description: "Deliveries carrying an idempotency key already seen within the retention window are acknowledged without being applied again.",
		Tags:        []string{"webhooks"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Secret         string `header:"X-Webhook-Secret"`
		IdempotencyKey string `header:"X-Idempotency-Key"`
		RawBody        []byte `contentType:"application/json"`
	}) (*struct {
		Body webhook.Ack `json:"body"`
	}, error) {
		var d webhook.Delivery
		if err := json.Unmarshal(input.RawBody, &d); err != nil {
			return nil, newAPIError(http.StatusBadRequest, domain.CodeBadRequest, "invalid webhook body", map[string]any{"error": err.Error()})
		}
		ack, err := ingress.Receive(ctx, input.Secret, input.IdempotencyKey, d)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body webhook.Ack `json:"body"`
		}{Body: ack}, nil
	})
}

func registerVerify(api huma.API, verifier *progress.Verifier) {
	if verifier == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "verify-customer",
		Method:      http.MethodGet,
		Path:        verifyPath,
		Summary:     "Poll configured services for a customer",
		Description: "success is false when any required service is unhealthy.",
		Tags:        []string{"deployments"},
	}, func(ctx context.Context, input *customerPath) (*struct {
		Body progress.Verification `json:"body"`
	}, error) {
		if input.CustomerID == "" {
			return nil, handleError(domain.BadInput("customer_id", "is required"))
		}
		return &struct {
			Body progress.Verification `json:"body"`
		}{Body: verifier.Verify(ctx, input.CustomerID)}, nil
	})
}
