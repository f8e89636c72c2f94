package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"mcpplane/internal/domain"
)

const taskColumns = `id,engagement_id,installation_id,module_id,customer_id,type,title,description,priority,status,ai_handled,ai_confidence,requires_human_review,input_json,output_json,artifacts_json,review_notes,error_message,cost_cents,due_at,created_at,updated_at,started_at,completed_at,reviewed_at,version`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, inputJSON, outputJSON, artifactsJSON, reviewNotes, errorMessage sql.NullString
	var dueAt, startedAt, completedAt, reviewedAt sql.NullString
	var confidence sql.NullInt64
	var review int
	err := row.Scan(&t.ID, &t.EngagementID, &t.InstallationID, &t.ModuleID, &t.CustomerID, &t.Type, &t.Title, &description,
		&t.Priority, &t.Status, &t.AIHandled, &confidence, &review, &inputJSON, &outputJSON, &artifactsJSON, &reviewNotes,
		&errorMessage, &t.CostCents, &dueAt, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &reviewedAt, &t.Version)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.ReviewNotes = reviewNotes.String
	t.ErrorMessage = errorMessage.String
	t.RequiresHumanReview = review != 0
	if confidence.Valid {
		c := int(confidence.Int64)
		t.AIConfidence = &c
	}
	t.DueAt = stringPtr(dueAt)
	t.StartedAt = stringPtr(startedAt)
	t.CompletedAt = stringPtr(completedAt)
	t.ReviewedAt = stringPtr(reviewedAt)
	if err := unmarshalJSON(inputJSON, &t.Input); err != nil {
		return t, err
	}
	if err := unmarshalJSON(outputJSON, &t.Output); err != nil {
		return t, err
	}
	if err := unmarshalJSON(artifactsJSON, &t.Artifacts); err != nil {
		return t, err
	}
	return t, nil
}

func taskArgs(t domain.Task) ([]any, error) {
	input, err := marshalJSON(t.Input)
	if err != nil {
		return nil, err
	}
	output, err := marshalJSON(t.Output)
	if err != nil {
		return nil, err
	}
	artifacts, err := marshalJSON(t.Artifacts)
	if err != nil {
		return nil, err
	}
	review := 0
	if t.RequiresHumanReview {
		review = 1
	}
	return []any{t.ID, t.EngagementID, t.InstallationID, t.ModuleID, t.CustomerID, t.Type, t.Title, nullable(t.Description),
		string(t.Priority), string(t.Status), string(t.AIHandled), nullableIntPtr(t.AIConfidence), review, input, output, artifacts,
		nullable(t.ReviewNotes), nullable(t.ErrorMessage), t.CostCents, nullableStringPtr(t.DueAt), t.CreatedAt, t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.ReviewedAt), t.Version}, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

// CompareAndSwapTask writes t only if the stored row still has the expected
// status and version. It reports whether the row was written.
func (r Repo) CompareAndSwapTask(ctx context.Context, tx *sql.Tx, t domain.Task, expectStatus domain.TaskStatus, expectVersion int) (bool, error) {
	input, err := marshalJSON(t.Input)
	if err != nil {
		return false, err
	}
	output, err := marshalJSON(t.Output)
	if err != nil {
		return false, err
	}
	artifacts, err := marshalJSON(t.Artifacts)
	if err != nil {
		return false, err
	}
	review := 0
	if t.RequiresHumanReview {
		review = 1
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?, ai_handled=?, ai_confidence=?, requires_human_review=?, input_json=?, output_json=?, artifacts_json=?,
review_notes=?, error_message=?, cost_cents=?, updated_at=?, started_at=?, completed_at=?, reviewed_at=?, version=?
WHERE id=? AND status=? AND version=?`,
		string(t.Status), string(t.AIHandled), nullableIntPtr(t.AIConfidence), review, input, output, artifacts,
		nullable(t.ReviewNotes), nullable(t.ErrorMessage), t.CostCents, t.UpdatedAt, nullableStringPtr(t.StartedAt),
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.ReviewedAt), t.Version,
		t.ID, string(expectStatus), expectVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// Due window filters for ListTasks.
const (
	DueOverdue = "overdue"
	DueToday   = "today"
	DueWeek    = "week"
	DueNone    = "none"
)

type TaskFilters struct {
	EngagementID    string
	InstallationID  string
	CustomerID      string
	Status          string
	Priority        string
	Due             string
	Now             time.Time
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.EngagementID != "" {
		clauses = append(clauses, "engagement_id=?")
		args = append(args, f.EngagementID)
	}
	if f.InstallationID != "" {
		clauses = append(clauses, "installation_id=?")
		args = append(args, f.InstallationID)
	}
	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id=?")
		args = append(args, f.CustomerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.Due != "" {
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		now = now.UTC()
		open := "status NOT IN ('completed','failed','cancelled')"
		switch f.Due {
		case DueOverdue:
			clauses = append(clauses, "due_at IS NOT NULL AND due_at < ? AND "+open)
			args = append(args, now.Format(time.RFC3339))
		case DueToday:
			start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			clauses = append(clauses, "due_at >= ? AND due_at < ?")
			args = append(args, start.Format(time.RFC3339), start.AddDate(0, 0, 1).Format(time.RFC3339))
		case DueWeek:
			clauses = append(clauses, "due_at >= ? AND due_at < ?")
			args = append(args, now.Format(time.RFC3339), now.AddDate(0, 0, 7).Format(time.RFC3339))
		case DueNone:
			clauses = append(clauses, "due_at IS NULL")
		default:
			return nil, domain.BadInput("due", "unknown due window %q", f.Due)
		}
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
