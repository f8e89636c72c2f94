package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mcpplane/internal/domain"
	"mcpplane/internal/engine"
)

// Inbound event names.
const (
	EventTaskCreated     = "task.created"
	EventTaskStarted     = "task.started"
	EventTaskCompleted   = "task.completed"
	EventTaskNeedsReview = "task.needs_review"
	EventTaskFailed      = "task.failed"
	EventMCPInstalled    = "mcp.installed"
	EventMCPUninstalled  = "mcp.uninstalled"
	EventModelLoaded     = "model.loaded"
	EventModelEvicted    = "model.evicted"
)

const webhookActor = "webhook"

type taskCreatedData struct {
	TaskID         string          `json:"task_id"`
	InstallationID string          `json:"installation_id"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Priority       domain.Priority `json:"priority"`
	Input          map[string]any  `json:"input"`
	DueAt          string          `json:"due_at"`
}

type taskRefData struct {
	TaskID string `json:"task_id"`
	Notes  string `json:"notes"`
}

type taskCompletedData struct {
	TaskID       string           `json:"task_id"`
	Output       map[string]any   `json:"output"`
	Notes        string           `json:"notes"`
	AIConfidence *int             `json:"ai_confidence"`
	AIHandled    domain.AIHandled `json:"ai_handled"`
	Artifacts    []string         `json:"artifacts"`
	CostCents    int64            `json:"cost_cents"`
}

type taskFailedData struct {
	TaskID    string `json:"task_id"`
	Error     string `json:"error"`
	CostCents int64  `json:"cost_cents"`
}

type installationData struct {
	InstallationID string         `json:"installation_id"`
	EngagementID   string         `json:"engagement_id"`
	ModuleID       string         `json:"module_id"`
	CustomerID     string         `json:"customer_id"`
	ExpertID       string         `json:"expert_id"`
	Config         map[string]any `json:"config"`
	Features       []string       `json:"features"`
	Reason         string         `json:"reason"`
	ModelID        string         `json:"model_id"`
}

// RegisterHandlers wires the standard event taxonomy to eng.
func RegisterHandlers(in *Ingress, eng engine.Engine) {
	h := handlers{eng: eng, in: in}
	in.Register(EventTaskCreated, h.taskCreated)
	in.Register(EventTaskStarted, h.taskStarted)
	in.Register(EventTaskCompleted, h.taskCompleted)
	in.Register(EventTaskNeedsReview, h.taskNeedsReview)
	in.Register(EventTaskFailed, h.taskFailed)
	in.Register(EventMCPInstalled, h.mcpInstalled)
	in.Register(EventMCPUninstalled, h.mcpUninstalled)
	in.Register(EventModelLoaded, h.modelTouched(EventModelLoaded))
	in.Register(EventModelEvicted, h.modelTouched(EventModelEvicted))
}

type handlers struct {
	eng engine.Engine
	in  *Ingress
}

func decode(d Delivery, v any) error {
	if len(d.Data) == 0 {
		return domain.BadInput("data", "is required for %s", d.Event)
	}
	if err := json.Unmarshal(d.Data, v); err != nil {
		return domain.BadInput("data", "invalid %s payload: %v", d.Event, err)
	}
	return nil
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return domain.BadInput(field, "is required")
	}
	return nil
}

func (h handlers) taskCreated(ctx context.Context, d Delivery) error {
	var data taskCreatedData
	if err := decode(d, &data); err != nil {
		return err
	}
	if data.TaskID != "" {
		if _, err := h.eng.GetTask(ctx, data.TaskID); err == nil {
			return nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	_, err := h.eng.CreateTask(ctx, engine.TaskCreateOptions{
		ID:             data.TaskID,
		InstallationID: data.InstallationID,
		Type:           data.Type,
		Title:          data.Title,
		Description:    data.Description,
		Priority:       data.Priority,
		Input:          data.Input,
		DueAt:          data.DueAt,
		ActorID:        webhookActor,
	})
	return err
}

func (h handlers) taskStarted(ctx context.Context, d Delivery) error {
	var data taskRefData
	if err := decode(d, &data); err != nil {
		return err
	}
	if err := requireID("task_id", data.TaskID); err != nil {
		return err
	}
	_, err := h.eng.StartTask(ctx, data.TaskID, webhookActor)
	return err
}

func (h handlers) taskCompleted(ctx context.Context, d Delivery) error {
	var data taskCompletedData
	if err := decode(d, &data); err != nil {
		return err
	}
	if err := requireID("task_id", data.TaskID); err != nil {
		return err
	}
	_, err := h.eng.CompleteTask(ctx, data.TaskID, engine.CompleteOptions{
		Output:       data.Output,
		Notes:        data.Notes,
		AIConfidence: data.AIConfidence,
		AIHandled:    data.AIHandled,
		Artifacts:    data.Artifacts,
		CostCents:    data.CostCents,
		ActorID:      webhookActor,
	})
	return err
}

func (h handlers) taskNeedsReview(ctx context.Context, d Delivery) error {
	var data taskRefData
	if err := decode(d, &data); err != nil {
		return err
	}
	if err := requireID("task_id", data.TaskID); err != nil {
		return err
	}
	_, err := h.eng.FlagForReview(ctx, data.TaskID, data.Notes, webhookActor)
	return err
}

func (h handlers) taskFailed(ctx context.Context, d Delivery) error {
	var data taskFailedData
	if err := decode(d, &data); err != nil {
		return err
	}
	if err := requireID("task_id", data.TaskID); err != nil {
		return err
	}
	_, err := h.eng.FailTask(ctx, data.TaskID, data.Error, data.CostCents, webhookActor)
	return err
}

// mcpInstalled activates a known installation, registering it first when the
// runtime reports one the registry has not seen. A paused installation is
// resumed.
func (h handlers) mcpInstalled(ctx context.Context, d Delivery) error {
	var data installationData
	if err := decode(d, &data); err != nil {
		return err
	}
	if err := requireID("installation_id", data.InstallationID); err != nil {
		return err
	}
	inst, err := h.eng.GetInstallation(ctx, data.InstallationID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		inst, err = h.eng.Install(ctx, engine.InstallOptions{
			ID:           data.InstallationID,
			EngagementID: data.EngagementID,
			ModuleID:     data.ModuleID,
			CustomerID:   data.CustomerID,
			ExpertID:     data.ExpertID,
			Config:       data.Config,
			Features:     data.Features,
			ActorID:      webhookActor,
		})
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}
	switch inst.Status {
	case domain.InstallationActive:
		return nil
	case domain.InstallationPaused:
		_, err = h.eng.Resume(ctx, inst.ID, webhookActor)
		return err
	case domain.InstallationPending, domain.InstallationInstalling:
		_, err = h.eng.MarkActivated(ctx, inst.ID, webhookActor)
		return err
	}
	// Error and uninstalled need an operator; retrying the delivery cannot
	// change that.
	h.in.log().Warn("mcp.installed for installation that cannot be activated",
		zap.String("installation_id", inst.ID),
		zap.String("status", string(inst.Status)))
	return nil
}

func (h handlers) mcpUninstalled(ctx context.Context, d Delivery) error {
	var data installationData
	if err := decode(d, &data); err != nil {
		return err
	}
	if err := requireID("installation_id", data.InstallationID); err != nil {
		return err
	}
	_, err := h.eng.Uninstall(ctx, data.InstallationID, data.Reason, webhookActor)
	var gone *domain.AlreadyUninstalledError
	if errors.As(err, &gone) {
		return nil
	}
	return err
}

func (h handlers) modelTouched(event string) Handler {
	return func(ctx context.Context, d Delivery) error {
		var data installationData
		if err := decode(d, &data); err != nil {
			return err
		}
		if err := requireID("installation_id", data.InstallationID); err != nil {
			return err
		}
		reason := event
		if data.ModelID != "" {
			reason = fmt.Sprintf("%s:%s", event, data.ModelID)
		}
		_, err := h.eng.Touch(ctx, data.InstallationID, reason, webhookActor)
		return err
	}
}
