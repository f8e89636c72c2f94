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

// Task event types.
const (
	EventTaskCreated        = "task.created"
	EventTaskStarted        = "task.started"
	EventTaskCompleted      = "task.completed"
	EventTaskNeedsReview    = "task.needs_review"
	EventTaskReviewRejected = "task.review_rejected"
	EventTaskFailed         = "task.failed"
	EventTaskCancelled      = "task.cancelled"
	EventTaskAnnotated      = "task.annotated"
)

// Task actions accepted by ApplyAction.
const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionReview   = "review"
	ActionCancel   = "cancel"
	ActionFail     = "fail"
	ActionFlag     = "flag_for_review"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	InstallationID string
	Type           string
	Title          string
	Description    string
	Priority       domain.Priority
	Input          map[string]any
	DueAt          string
	ActorID        string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, domain.BadInput("title", "is required")
	}
	if opts.InstallationID == "" {
		return domain.Task{}, domain.BadInput("installation_id", "is required")
	}
	if opts.Type == "" {
		opts.Type = "general"
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.Task{}, domain.BadInput("priority", "must be one of low, medium, high, urgent")
	}
	var dueAt *string
	if opts.DueAt != "" {
		parsed, err := time.Parse(time.RFC3339, opts.DueAt)
		if err != nil {
			return domain.Task{}, domain.BadInput("due_at", "must be RFC3339")
		}
		s := parsed.UTC().Format(time.RFC3339)
		dueAt = &s
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.nowString()
	var t domain.Task
	err := e.inTx(ctx, func(uow *UnitOfWork) error {
		inst, err := e.Repo.GetInstallationTx(ctx, uow.Tx, opts.InstallationID)
		if err != nil {
			return fmt.Errorf("installation %s: %w", opts.InstallationID, err)
		}
		if inst.Status == domain.InstallationUninstalled {
			return &domain.AlreadyUninstalledError{ID: inst.ID}
		}
		t = domain.Task{
			ID:                  id,
			EngagementID:        inst.EngagementID,
			InstallationID:      inst.ID,
			ModuleID:            inst.ModuleID,
			CustomerID:          inst.CustomerID,
			Type:                opts.Type,
			Title:               opts.Title,
			Description:         opts.Description,
			Priority:            opts.Priority,
			Status:              domain.TaskTodo,
			AIHandled:           domain.AIHandledNo,
			RequiresHumanReview: true,
			Input:               opts.Input,
			DueAt:               dueAt,
			CreatedAt:           now,
			UpdatedAt:           now,
			Version:             1,
		}
		if err := e.Repo.InsertTask(ctx, uow.Tx, t); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return e.append(ctx, uow, EventTaskCreated, t.CustomerID, events.KindTask, t.ID, opts.ActorID, events.EventPayload{
			"title":           t.Title,
			"status":          t.Status,
			"installation_id": t.InstallationID,
			"priority":        t.Priority,
		})
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task created", zap.String("task_id", t.ID), zap.String("installation_id", t.InstallationID))
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Status != "" && !domain.TaskStatus(f.Status).Valid() {
		return nil, domain.BadInput("status", "unknown task status %q", f.Status)
	}
	if f.Priority != "" && !domain.Priority(f.Priority).Valid() {
		return nil, domain.BadInput("priority", "unknown priority %q", f.Priority)
	}
	if f.Now.IsZero() {
		f.Now = e.now()
	}
	return e.Repo.ListTasks(ctx, f)
}

// TaskEvents returns the audit trail of a task, newest first.
func (e Engine) TaskEvents(ctx context.Context, id string, limit int, cursor int64) ([]domain.Event, error) {
	if _, err := e.Repo.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, repo.EventFilters{EntityKind: events.KindTask, EntityID: id, Limit: limit, Cursor: cursor})
}

// taskChange is computed from the current row; it returns the event type and
// payload to record for the transition.
type taskChange func(t *domain.Task, now string) (string, events.EventPayload, error)

// transition loads the task, checks the action is allowed from its state,
// applies change and writes the result with a status+version check-and-set.
func (e Engine) transition(ctx context.Context, id, action, actorID string, allowed []domain.TaskStatus, change taskChange) (domain.Task, error) {
	var out domain.Task
	var from domain.TaskStatus
	err := e.inTx(ctx, func(uow *UnitOfWork) error {
		cur, err := e.Repo.GetTaskTx(ctx, uow.Tx, id)
		if err != nil {
			return err
		}
		if !statusIn(cur.Status, allowed) {
			return &domain.InvalidTransitionError{Entity: "task", ID: id, Current: string(cur.Status), Action: action}
		}
		from = cur.Status
		now := e.nowString()
		next := cur
		next.Artifacts = append([]string(nil), cur.Artifacts...)
		evtType, payload, err := change(&next, now)
		if err != nil {
			return err
		}
		next.UpdatedAt = now
		next.Version = cur.Version + 1
		ok, err := e.Repo.CompareAndSwapTask(ctx, uow.Tx, next, cur.Status, cur.Version)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if !ok {
			actual, err := e.Repo.GetTaskTx(ctx, uow.Tx, id)
			if err != nil {
				return err
			}
			return &domain.InvalidTransitionError{Entity: "task", ID: id, Current: string(actual.Status), Action: action}
		}
		if payload == nil {
			payload = events.EventPayload{}
		}
		payload["from_status"] = cur.Status
		payload["to_status"] = next.Status
		if err := e.append(ctx, uow, evtType, next.CustomerID, events.KindTask, next.ID, actorID, payload); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.Metrics.RecordTaskTransition(string(from), string(out.Status))
	e.log().Info("task transition",
		zap.String("task_id", out.ID),
		zap.String("action", action),
		zap.String("from", string(from)),
		zap.String("to", string(out.Status)))
	return out, nil
}

func statusIn(s domain.TaskStatus, allowed []domain.TaskStatus) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func (e Engine) StartTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	return e.transition(ctx, id, ActionStart, actorID, []domain.TaskStatus{domain.TaskTodo},
		func(t *domain.Task, now string) (string, events.EventPayload, error) {
			t.Status = domain.TaskInProgress
			t.StartedAt = &now
			return EventTaskStarted, nil, nil
		})
}

// CompleteOptions carry the result reported for a task.
type CompleteOptions struct {
	Output       map[string]any
	Notes        string
	AIConfidence *int
	AIHandled    domain.AIHandled
	Artifacts    []string
	CostCents    int64
	ActorID      string
}

// CompleteTask finishes a task. Results below the review threshold, or not
// fully AI handled, land in needs_review instead of completed. Completing a
// task that is already awaiting review counts as the reviewer's approval.
func (e Engine) CompleteTask(ctx context.Context, id string, opts CompleteOptions) (domain.Task, error) {
	if opts.AIConfidence != nil && (*opts.AIConfidence < 0 || *opts.AIConfidence > 100) {
		return domain.Task{}, domain.BadInput("ai_confidence", "must be within 0..100")
	}
	if opts.AIHandled != "" && !opts.AIHandled.Valid() {
		return domain.Task{}, domain.BadInput("ai_handled", "must be one of no, partial, full")
	}
	if opts.CostCents < 0 {
		return domain.Task{}, domain.BadInput("cost_cents", "must not be negative")
	}
	cur, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if cur.Status == domain.TaskNeedsReview {
		return e.ReviewTask(ctx, id, ReviewOptions{Approve: true, Notes: opts.Notes, Output: opts.Output, Artifacts: opts.Artifacts, ActorID: opts.ActorID})
	}
	threshold := e.ReviewThreshold
	return e.transition(ctx, id, ActionComplete, opts.ActorID, []domain.TaskStatus{domain.TaskInProgress},
		func(t *domain.Task, now string) (string, events.EventPayload, error) {
			if opts.AIConfidence != nil {
				c := *opts.AIConfidence
				t.AIConfidence = &c
			}
			if opts.AIHandled != "" {
				t.AIHandled = opts.AIHandled
			}
			if opts.Output != nil {
				t.Output = opts.Output
			}
			t.Artifacts = append(t.Artifacts, opts.Artifacts...)
			t.CostCents += opts.CostCents
			if opts.Notes != "" {
				t.ReviewNotes = appendNote(t.ReviewNotes, now, opts.ActorID, opts.Notes)
			}
			t.RequiresHumanReview = domain.NeedsReview(t.AIConfidence, t.AIHandled, threshold)
			payload := events.EventPayload{
				"ai_handled":    t.AIHandled,
				"ai_confidence": t.AIConfidence,
				"threshold":     threshold,
				"cost_cents":    opts.CostCents,
			}
			if t.RequiresHumanReview {
				t.Status = domain.TaskNeedsReview
				return EventTaskNeedsReview, payload, nil
			}
			t.Status = domain.TaskCompleted
			t.CompletedAt = &now
			return EventTaskCompleted, payload, nil
		})
}

type ReviewOptions struct {
	Approve   bool
	Notes     string
	Output    map[string]any
	Artifacts []string
	ActorID   string
}

// ReviewTask resolves a task awaiting review. Approval completes it; rejection
// sends it back to in_progress with the reviewer's notes appended.
func (e Engine) ReviewTask(ctx context.Context, id string, opts ReviewOptions) (domain.Task, error) {
	if !opts.Approve && strings.TrimSpace(opts.Notes) == "" {
		return domain.Task{}, domain.BadInput("notes", "are required when rejecting")
	}
	return e.transition(ctx, id, ActionReview, opts.ActorID, []domain.TaskStatus{domain.TaskNeedsReview},
		func(t *domain.Task, now string) (string, events.EventPayload, error) {
			if opts.Notes != "" {
				t.ReviewNotes = appendNote(t.ReviewNotes, now, opts.ActorID, opts.Notes)
			}
			t.ReviewedAt = &now
			if !opts.Approve {
				t.Status = domain.TaskInProgress
				return EventTaskReviewRejected, events.EventPayload{"notes": opts.Notes}, nil
			}
			if opts.Output != nil {
				t.Output = opts.Output
			}
			t.Artifacts = append(t.Artifacts, opts.Artifacts...)
			t.Status = domain.TaskCompleted
			t.CompletedAt = &now
			// A human signed off, so the result no longer awaits review.
			t.RequiresHumanReview = false
			return EventTaskCompleted, events.EventPayload{"approved_by": opts.ActorID, "cost_cents": t.CostCents}, nil
		})
}

// CancelTask cancels any non-terminal task. Cancelling a cancelled task is a no-op.
func (e Engine) CancelTask(ctx context.Context, id, reason, actorID string) (domain.Task, error) {
	cur, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if cur.Status == domain.TaskCancelled {
		return cur, nil
	}
	t, err := e.transition(ctx, id, ActionCancel, actorID,
		[]domain.TaskStatus{domain.TaskTodo, domain.TaskInProgress, domain.TaskNeedsReview},
		func(t *domain.Task, now string) (string, events.EventPayload, error) {
			t.Status = domain.TaskCancelled
			if reason != "" {
				t.ReviewNotes = appendNote(t.ReviewNotes, now, actorID, "cancelled: "+reason)
			}
			return EventTaskCancelled, events.EventPayload{"reason": reason}, nil
		})
	var it *domain.InvalidTransitionError
	if errors.As(err, &it) && it.Current == string(domain.TaskCancelled) {
		// Lost a race against another cancel.
		return e.Repo.GetTask(ctx, id)
	}
	return t, err
}

// FailTask records a failed execution.
func (e Engine) FailTask(ctx context.Context, id, message string, costCents int64, actorID string) (domain.Task, error) {
	if costCents < 0 {
		return domain.Task{}, domain.BadInput("cost_cents", "must not be negative")
	}
	return e.transition(ctx, id, ActionFail, actorID,
		[]domain.TaskStatus{domain.TaskInProgress, domain.TaskNeedsReview},
		func(t *domain.Task, now string) (string, events.EventPayload, error) {
			t.Status = domain.TaskFailed
			t.ErrorMessage = message
			t.CostCents += costCents
			t.CompletedAt = &now
			return EventTaskFailed, events.EventPayload{"error": message, "cost_cents": costCents}, nil
		})
}

// FlagForReview moves a running task to needs_review regardless of confidence.
func (e Engine) FlagForReview(ctx context.Context, id, notes, actorID string) (domain.Task, error) {
	return e.transition(ctx, id, ActionFlag, actorID, []domain.TaskStatus{domain.TaskInProgress},
		func(t *domain.Task, now string) (string, events.EventPayload, error) {
			t.Status = domain.TaskNeedsReview
			t.RequiresHumanReview = true
			if notes != "" {
				t.ReviewNotes = appendNote(t.ReviewNotes, now, actorID, notes)
			}
			return EventTaskNeedsReview, events.EventPayload{"notes": notes, "flagged": true}, nil
		})
}

// AnnotateTask appends an audit note to the task's event log in any state.
func (e Engine) AnnotateTask(ctx context.Context, id, note, actorID string) error {
	if strings.TrimSpace(note) == "" {
		return domain.BadInput("note", "is required")
	}
	return e.inTx(ctx, func(uow *UnitOfWork) error {
		t, err := e.Repo.GetTaskTx(ctx, uow.Tx, id)
		if err != nil {
			return err
		}
		return e.append(ctx, uow, EventTaskAnnotated, t.CustomerID, events.KindTask, t.ID, actorID, events.EventPayload{
			"note":   note,
			"status": t.Status,
		})
	})
}

// TaskAction is the body of the single task action endpoint.
type TaskAction struct {
	Action       string
	Output       map[string]any
	Notes        string
	AIConfidence *int
	AIHandled    domain.AIHandled
	Artifacts    []string
	Approve      *bool
	Error        string
	CostCents    int64
	ActorID      string
}

func (e Engine) ApplyAction(ctx context.Context, id string, a TaskAction) (domain.Task, error) {
	switch a.Action {
	case ActionStart:
		return e.StartTask(ctx, id, a.ActorID)
	case ActionComplete:
		return e.CompleteTask(ctx, id, CompleteOptions{
			Output:       a.Output,
			Notes:        a.Notes,
			AIConfidence: a.AIConfidence,
			AIHandled:    a.AIHandled,
			Artifacts:    a.Artifacts,
			CostCents:    a.CostCents,
			ActorID:      a.ActorID,
		})
	case ActionReview:
		if a.Approve == nil {
			return domain.Task{}, domain.BadInput("approve", "is required for review")
		}
		return e.ReviewTask(ctx, id, ReviewOptions{Approve: *a.Approve, Notes: a.Notes, Output: a.Output, Artifacts: a.Artifacts, ActorID: a.ActorID})
	case ActionCancel:
		return e.CancelTask(ctx, id, a.Notes, a.ActorID)
	case ActionFail:
		return e.FailTask(ctx, id, a.Error, a.CostCents, a.ActorID)
	case ActionFlag:
		return e.FlagForReview(ctx, id, a.Notes, a.ActorID)
	default:
		return domain.Task{}, domain.BadInput("action", "unknown action %q", a.Action)
	}
}

func appendNote(existing, ts, actorID, note string) string {
	if actorID == "" {
		actorID = "system"
	}
	line := fmt.Sprintf("[%s %s] %s", ts, actorID, strings.TrimSpace(note))
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
