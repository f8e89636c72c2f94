package server

import (
	"encoding/json"

	"mcpplane/internal/domain"
	"mcpplane/internal/validate"
)

// Request payloads

type CreateTaskRequest struct {
	ID             *string         `json:"id,omitempty"`
	InstallationID string          `json:"installation_id"`
	Type           string          `json:"type,omitempty"`
	Title          string          `json:"title"`
	Description    *string         `json:"description,omitempty"`
	Priority       domain.Priority `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Input          map[string]any  `json:"input,omitempty"`
	DueAt          *string         `json:"due_at,omitempty" format:"date-time"`
}

type TaskActionRequest struct {
	Action       string           `json:"action" enum:"start,complete,review,cancel,fail,flag_for_review"`
	Output       map[string]any   `json:"output,omitempty"`
	Notes        string           `json:"notes,omitempty"`
	AIConfidence *int             `json:"ai_confidence,omitempty" minimum:"0" maximum:"100"`
	AIHandled    domain.AIHandled `json:"ai_handled,omitempty" enum:"no,partial,full"`
	Artifacts    []string         `json:"artifacts,omitempty"`
	Approve      *bool            `json:"approve,omitempty"`
	Error        string           `json:"error,omitempty"`
	CostCents    int64            `json:"cost_cents,omitempty" minimum:"0"`
}

type CreateInstallationRequest struct {
	ID           *string        `json:"id,omitempty"`
	EngagementID string         `json:"engagement_id"`
	ModuleID     string         `json:"module_id"`
	CustomerID   string         `json:"customer_id"`
	ExpertID     string         `json:"expert_id,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Features     []string       `json:"features,omitempty"`
}

type UninstallRequest struct {
	Reason string `json:"reason,omitempty"`
}

type InstallationStatusRequest struct {
	Status  domain.InstallationStatus `json:"status" enum:"installing,active,paused,error"`
	Message string                    `json:"message,omitempty"`
}

type RecordRequestRequest struct {
	Success   bool  `json:"success"`
	CostCents int64 `json:"cost_cents,omitempty" minimum:"0"`
}

type DeploymentRequest struct {
	BuildDir string `json:"build_dir,omitempty"`
}

// Responses

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CustomerID string         `json:"customer_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ValidationResponse struct {
	ID         string          `json:"id,omitempty"`
	CustomerID string          `json:"customer_id"`
	CreatedAt  string          `json:"created_at,omitempty" format:"date-time"`
	CreatedBy  string          `json:"created_by,omitempty"`
	ExitCode   int             `json:"exit_code"`
	Report     validate.Report `json:"report"`
}

type DeploymentResponse struct {
	CustomerID string              `json:"customer_id"`
	Started    bool                `json:"started"`
	Validation *ValidationResponse `json:"validation,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CustomerID: e.CustomerID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func validationResponse(rec domain.ValidationRecord) (ValidationResponse, error) {
	var r validate.Report
	if err := json.Unmarshal([]byte(rec.ReportJSON), &r); err != nil {
		return ValidationResponse{}, err
	}
	return ValidationResponse{
		ID:         rec.ID,
		CustomerID: rec.CustomerID,
		CreatedAt:  rec.CreatedAt,
		CreatedBy:  rec.CreatedBy,
		ExitCode:   r.ExitCode(),
		Report:     r,
	}, nil
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
