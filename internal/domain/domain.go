package domain

type TaskStatus string

const (
	TaskTodo        TaskStatus = "todo"
	TaskInProgress  TaskStatus = "in_progress"
	TaskNeedsReview TaskStatus = "needs_review"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskNeedsReview, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

type AIHandled string

const (
	AIHandledNo      AIHandled = "no"
	AIHandledPartial AIHandled = "partial"
	AIHandledFull    AIHandled = "full"
)

func (a AIHandled) Valid() bool {
	return a == AIHandledNo || a == AIHandledPartial || a == AIHandledFull
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Task struct {
	ID                  string         `json:"id"`
	EngagementID        string         `json:"engagement_id"`
	InstallationID      string         `json:"installation_id"`
	ModuleID            string         `json:"module_id"`
	CustomerID          string         `json:"customer_id"`
	Type                string         `json:"type"`
	Title               string         `json:"title"`
	Description         string         `json:"description,omitempty"`
	Priority            Priority       `json:"priority" enum:"low,medium,high,urgent"`
	Status              TaskStatus     `json:"status" enum:"todo,in_progress,needs_review,completed,failed,cancelled"`
	AIHandled           AIHandled      `json:"ai_handled" enum:"no,partial,full"`
	AIConfidence        *int           `json:"ai_confidence,omitempty" minimum:"0" maximum:"100"`
	RequiresHumanReview bool           `json:"requires_human_review"`
	Input               map[string]any `json:"input,omitempty"`
	Output              map[string]any `json:"output,omitempty"`
	Artifacts           []string       `json:"artifacts,omitempty"`
	ReviewNotes         string         `json:"review_notes,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	CostCents           int64          `json:"cost_cents"`
	DueAt               *string        `json:"due_at,omitempty" format:"date-time"`
	CreatedAt           string         `json:"created_at" format:"date-time"`
	UpdatedAt           string         `json:"updated_at" format:"date-time"`
	StartedAt           *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt         *string        `json:"completed_at,omitempty" format:"date-time"`
	ReviewedAt          *string        `json:"reviewed_at,omitempty" format:"date-time"`
	Version             int            `json:"version"`
}

// NeedsReview applies the review rule for a confidence score and handling mode.
// A missing score is treated as below the threshold.
func NeedsReview(confidence *int, handled AIHandled, threshold int) bool {
	if confidence == nil || *confidence < threshold {
		return true
	}
	return handled != AIHandledFull
}

type InstallationStatus string

const (
	InstallationPending     InstallationStatus = "pending"
	InstallationInstalling  InstallationStatus = "installing"
	InstallationActive      InstallationStatus = "active"
	InstallationPaused      InstallationStatus = "paused"
	InstallationError       InstallationStatus = "error"
	InstallationUninstalled InstallationStatus = "uninstalled"
)

func (s InstallationStatus) Valid() bool {
	switch s {
	case InstallationPending, InstallationInstalling, InstallationActive, InstallationPaused, InstallationError, InstallationUninstalled:
		return true
	}
	return false
}

type Installation struct {
	ID                 string             `json:"id"`
	EngagementID       string             `json:"engagement_id"`
	ModuleID           string             `json:"module_id"`
	CustomerID         string             `json:"customer_id"`
	ExpertID           string             `json:"expert_id,omitempty"`
	Status             InstallationStatus `json:"status" enum:"pending,installing,active,paused,error,uninstalled"`
	Config             map[string]any     `json:"config,omitempty"`
	Features           []string           `json:"features,omitempty"`
	HealthScore        int                `json:"health_score" minimum:"0" maximum:"100"`
	AutomationRate     float64            `json:"automation_rate" minimum:"0" maximum:"1"`
	FailureEWMA        float64            `json:"-"`
	TotalRequests      int64              `json:"total_requests"`
	SuccessfulRequests int64              `json:"successful_requests"`
	FailedRequests     int64              `json:"failed_requests"`
	MonthlyCostCents   int64              `json:"monthly_cost_cents"`
	CostMonth          string             `json:"cost_month,omitempty"`
	InstalledAt        string             `json:"installed_at" format:"date-time"`
	ActivatedAt        *string            `json:"activated_at,omitempty" format:"date-time"`
	LastUsedAt         *string            `json:"last_used_at,omitempty" format:"date-time"`
	UninstalledAt      *string            `json:"uninstalled_at,omitempty" format:"date-time"`
	UninstallReason    string             `json:"uninstall_reason,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CustomerID string `json:"customer_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidationRecord is a persisted deployment validation report.
type ValidationRecord struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	BuildDir   string `json:"build_dir"`
	Verdict    string `json:"verdict" enum:"pass,pass_with_warnings,fail"`
	Passed     int    `json:"passed"`
	Warnings   int    `json:"warnings"`
	Failed     int    `json:"failed"`
	ReportJSON string `json:"report_json"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
