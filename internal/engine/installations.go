package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpplane/internal/domain"
	"mcpplane/internal/events"
	"mcpplane/internal/repo"
)

// Installation event types.
const (
	EventInstallationCreated     = "installation.created"
	EventInstallationInstalling  = "installation.installing"
	EventInstallationActivated   = "installation.activated"
	EventInstallationPaused      = "installation.paused"
	EventInstallationResumed     = "installation.resumed"
	EventInstallationErrored     = "installation.error"
	EventInstallationUninstalled = "installation.uninstalled"
	EventInstallationRequest     = "installation.request_recorded"
	EventInstallationTouched     = "installation.touched"
)

type InstallOptions struct {
	ID           string
	EngagementID string
	ModuleID     string
	CustomerID   string
	ExpertID     string
	Config       map[string]any
	Features     []string
	ActorID      string
}

func (e Engine) Install(ctx context.Context, opts InstallOptions) (domain.Installation, error) {
	switch {
	case strings.TrimSpace(opts.EngagementID) == "":
		return domain.Installation{}, domain.BadInput("engagement_id", "is required")
	case strings.TrimSpace(opts.ModuleID) == "":
		return domain.Installation{}, domain.BadInput("module_id", "is required")
	case strings.TrimSpace(opts.CustomerID) == "":
		return domain.Installation{}, domain.BadInput("customer_id", "is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	in := domain.Installation{
		ID:           id,
		EngagementID: opts.EngagementID,
		ModuleID:     opts.ModuleID,
		CustomerID:   opts.CustomerID,
		ExpertID:     opts.ExpertID,
		Status:       domain.InstallationPending,
		Config:       opts.Config,
		Features:     opts.Features,
		HealthScore:  100,
		InstalledAt:  e.nowString(),
	}
	err := e.inTx(ctx, func(uow *UnitOfWork) error {
		if err := e.Repo.InsertInstallation(ctx, uow.Tx, in); err != nil {
			return fmt.Errorf("insert installation: %w", err)
		}
		return e.append(ctx, uow, EventInstallationCreated, in.CustomerID, events.KindInstallation, in.ID, opts.ActorID, events.EventPayload{
			"engagement_id": in.EngagementID,
			"module_id":     in.ModuleID,
			"status":        in.Status,
		})
	})
	if err != nil {
		return domain.Installation{}, err
	}
	e.log().Info("installation created", zap.String("installation_id", in.ID), zap.String("module_id", in.ModuleID))
	return in, nil
}

func (e Engine) GetInstallation(ctx context.Context, id string) (domain.Installation, error) {
	return e.Repo.GetInstallation(ctx, id)
}

func (e Engine) ListInstallations(ctx context.Context, f repo.InstallationFilters) ([]domain.Installation, error) {
	if f.Status != "" && !domain.InstallationStatus(f.Status).Valid() {
		return nil, domain.BadInput("status", "unknown installation status %q", f.Status)
	}
	return e.Repo.ListInstallations(ctx, f)
}

// installationChange moves an installation between states under a status check.
type installationChange struct {
	action  string
	event   string
	from    []domain.InstallationStatus
	to      domain.InstallationStatus
	update  func(u *repo.InstallationStatusUpdate, now string)
	payload events.EventPayload
}

func (e Engine) changeInstallation(ctx context.Context, id, actorID string, c installationChange) (domain.Installation, error) {
	var out domain.Installation
	err := e.inTx(ctx, func(uow *UnitOfWork) error {
		cur, err := e.Repo.GetInstallationTx(ctx, uow.Tx, id)
		if err != nil {
			return err
		}
		if cur.Status == domain.InstallationUninstalled {
			return &domain.AlreadyUninstalledError{ID: id}
		}
		if !installationStatusIn(cur.Status, c.from) {
			return &domain.InvalidTransitionError{Entity: "installation", ID: id, Current: string(cur.Status), Action: c.action}
		}
		u := repo.InstallationStatusUpdate{ID: id, From: []domain.InstallationStatus{cur.Status}, To: c.to}
		if c.update != nil {
			c.update(&u, e.nowString())
		}
		ok, err := e.Repo.UpdateInstallationStatus(ctx, uow.Tx, u)
		if err != nil {
			return fmt.Errorf("update installation: %w", err)
		}
		if !ok {
			actual, err := e.Repo.GetInstallationTx(ctx, uow.Tx, id)
			if err != nil {
				return err
			}
			if actual.Status == domain.InstallationUninstalled {
				return &domain.AlreadyUninstalledError{ID: id}
			}
			return &domain.InvalidTransitionError{Entity: "installation", ID: id, Current: string(actual.Status), Action: c.action}
		}
		payload := events.EventPayload{"from_status": cur.Status, "to_status": c.to}
		for k, v := range c.payload {
			payload[k] = v
		}
		if err := e.append(ctx, uow, c.event, cur.CustomerID, events.KindInstallation, id, actorID, payload); err != nil {
			return err
		}
		out, err = e.Repo.GetInstallationTx(ctx, uow.Tx, id)
		return err
	})
	if err != nil {
		return domain.Installation{}, err
	}
	e.log().Info("installation transition", zap.String("installation_id", id), zap.String("action", c.action), zap.String("to", string(c.to)))
	return out, nil
}

func installationStatusIn(s domain.InstallationStatus, allowed []domain.InstallationStatus) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func (e Engine) MarkInstalling(ctx context.Context, id, actorID string) (domain.Installation, error) {
	return e.changeInstallation(ctx, id, actorID, installationChange{
		action: "mark_installing",
		event:  EventInstallationInstalling,
		from:   []domain.InstallationStatus{domain.InstallationPending},
		to:     domain.InstallationInstalling,
	})
}

func (e Engine) MarkActivated(ctx context.Context, id, actorID string) (domain.Installation, error) {
	return e.changeInstallation(ctx, id, actorID, installationChange{
		action: "activate",
		event:  EventInstallationActivated,
		from:   []domain.InstallationStatus{domain.InstallationPending, domain.InstallationInstalling},
		to:     domain.InstallationActive,
		update: func(u *repo.InstallationStatusUpdate, now string) { u.ActivatedAt = &now },
	})
}

func (e Engine) Pause(ctx context.Context, id, actorID string) (domain.Installation, error) {
	return e.changeInstallation(ctx, id, actorID, installationChange{
		action: "pause",
		event:  EventInstallationPaused,
		from:   []domain.InstallationStatus{domain.InstallationActive},
		to:     domain.InstallationPaused,
	})
}

func (e Engine) Resume(ctx context.Context, id, actorID string) (domain.Installation, error) {
	return e.changeInstallation(ctx, id, actorID, installationChange{
		action: "resume",
		event:  EventInstallationResumed,
		from:   []domain.InstallationStatus{domain.InstallationPaused},
		to:     domain.InstallationActive,
	})
}

func (e Engine) MarkError(ctx context.Context, id, message, actorID string) (domain.Installation, error) {
	return e.changeInstallation(ctx, id, actorID, installationChange{
		action:  "mark_error",
		event:   EventInstallationErrored,
		from:    []domain.InstallationStatus{domain.InstallationPending, domain.InstallationInstalling, domain.InstallationActive},
		to:      domain.InstallationError,
		update:  func(u *repo.InstallationStatusUpdate, _ string) { u.ErrorMessage = &message },
		payload: events.EventPayload{"error": message},
	})
}

// Uninstall is terminal. Usage counters keep their last values.
func (e Engine) Uninstall(ctx context.Context, id, reason, actorID string) (domain.Installation, error) {
	return e.changeInstallation(ctx, id, actorID, installationChange{
		action: "uninstall",
		event:  EventInstallationUninstalled,
		from: []domain.InstallationStatus{
			domain.InstallationPending, domain.InstallationInstalling, domain.InstallationActive,
			domain.InstallationPaused, domain.InstallationError,
		},
		to: domain.InstallationUninstalled,
		update: func(u *repo.InstallationStatusUpdate, now string) {
			u.UninstalledAt = &now
			u.UninstallReason = reason
		},
		payload: events.EventPayload{"reason": reason},
	})
}

// RecordRequest applies one usage sample to an installation.
func (e Engine) RecordRequest(ctx context.Context, id string, success bool, costCents int64, actorID string) (domain.Installation, error) {
	if costCents < 0 {
		return domain.Installation{}, domain.BadInput("cost_cents", "must not be negative")
	}
	var out domain.Installation
	err := e.inTx(ctx, func(uow *UnitOfWork) error {
		var err error
		out, err = e.recordRequestTx(ctx, uow, id, success, costCents, actorID)
		return err
	})
	if err != nil {
		return domain.Installation{}, err
	}
	return out, nil
}

func (e Engine) recordRequestTx(ctx context.Context, uow *UnitOfWork, id string, success bool, costCents int64, actorID string) (domain.Installation, error) {
	now := e.now().UTC()
	ok, err := e.Repo.RecordRequest(ctx, uow.Tx, repo.RequestOutcome{
		ID:        id,
		Success:   success,
		CostCents: costCents,
		Alpha:     e.HealthAlpha,
		Month:     now.Format("2006-01"),
		At:        now.Format(time.RFC3339),
	})
	if err != nil {
		return domain.Installation{}, fmt.Errorf("record request: %w", err)
	}
	cur, err := e.Repo.GetInstallationTx(ctx, uow.Tx, id)
	if err != nil {
		return domain.Installation{}, err
	}
	if !ok {
		return domain.Installation{}, &domain.AlreadyUninstalledError{ID: id}
	}
	if err := e.append(ctx, uow, EventInstallationRequest, cur.CustomerID, events.KindInstallation, id, actorID, events.EventPayload{
		"success":         success,
		"cost_cents":      costCents,
		"total_requests":  cur.TotalRequests,
		"automation_rate": cur.AutomationRate,
		"health_score":    cur.HealthScore,
	}); err != nil {
		return domain.Installation{}, err
	}
	e.Metrics.RecordInstallationRequest(success)
	return cur, nil
}

// Touch records that the installation was used without counting a request.
func (e Engine) Touch(ctx context.Context, id, reason, actorID string) (domain.Installation, error) {
	var out domain.Installation
	err := e.inTx(ctx, func(uow *UnitOfWork) error {
		ok, err := e.Repo.TouchInstallation(ctx, uow.Tx, id, e.nowString())
		if err != nil {
			return err
		}
		cur, err := e.Repo.GetInstallationTx(ctx, uow.Tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.AlreadyUninstalledError{ID: id}
		}
		out = cur
		return e.append(ctx, uow, EventInstallationTouched, cur.CustomerID, events.KindInstallation, id, actorID, events.EventPayload{"reason": reason})
	})
	return out, err
}

// InstallationUsageListener counts finished tasks against their installation.
// Tasks of an uninstalled installation leave its frozen counters untouched.
func InstallationUsageListener(ctx context.Context, e Engine, uow *UnitOfWork, rec events.Record) error {
	if rec.EntityKind != events.KindTask {
		return nil
	}
	var success bool
	switch rec.Type {
	case EventTaskCompleted:
		success = true
	case EventTaskFailed:
		success = false
	default:
		return nil
	}
	t, err := e.Repo.GetTaskTx(ctx, uow.Tx, rec.EntityID)
	if err != nil {
		return err
	}
	_, err = e.recordRequestTx(ctx, uow, t.InstallationID, success, t.CostCents, rec.ActorID)
	var gone *domain.AlreadyUninstalledError
	if errors.As(err, &gone) {
		e.log().Warn("task finished on uninstalled installation",
			zap.String("task_id", t.ID), zap.String("installation_id", t.InstallationID))
		return nil
	}
	return err
}
