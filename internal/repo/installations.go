package repo

import (
	"context"
	"database/sql"
	"strings"

	"mcpplane/internal/domain"
)

const installationColumns = `id,engagement_id,module_id,customer_id,expert_id,status,config_json,features_json,health_score,automation_rate,failure_ewma,total_requests,successful_requests,failed_requests,monthly_cost_cents,cost_month,installed_at,activated_at,last_used_at,uninstalled_at,uninstall_reason,error_message`

func scanInstallation(row rowScanner) (domain.Installation, error) {
	var in domain.Installation
	var expertID, configJSON, featuresJSON, costMonth, activatedAt, lastUsedAt, uninstalledAt, reason, errMsg sql.NullString
	err := row.Scan(&in.ID, &in.EngagementID, &in.ModuleID, &in.CustomerID, &expertID, &in.Status, &configJSON, &featuresJSON,
		&in.HealthScore, &in.AutomationRate, &in.FailureEWMA, &in.TotalRequests, &in.SuccessfulRequests, &in.FailedRequests,
		&in.MonthlyCostCents, &costMonth, &in.InstalledAt, &activatedAt, &lastUsedAt, &uninstalledAt, &reason, &errMsg)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.ExpertID = expertID.String
	in.CostMonth = costMonth.String
	in.UninstallReason = reason.String
	in.ErrorMessage = errMsg.String
	in.ActivatedAt = stringPtr(activatedAt)
	in.LastUsedAt = stringPtr(lastUsedAt)
	in.UninstalledAt = stringPtr(uninstalledAt)
	if err := unmarshalJSON(configJSON, &in.Config); err != nil {
		return in, err
	}
	if err := unmarshalJSON(featuresJSON, &in.Features); err != nil {
		return in, err
	}
	return in, nil
}

func (r Repo) InsertInstallation(ctx context.Context, tx *sql.Tx, in domain.Installation) error {
	cfg, err := marshalJSON(in.Config)
	if err != nil {
		return err
	}
	features, err := marshalJSON(in.Features)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO installations(`+installationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.EngagementID, in.ModuleID, in.CustomerID, nullable(in.ExpertID), string(in.Status), cfg, features,
		in.HealthScore, in.AutomationRate, in.FailureEWMA, in.TotalRequests, in.SuccessfulRequests, in.FailedRequests,
		in.MonthlyCostCents, nullable(in.CostMonth), in.InstalledAt, nullableStringPtr(in.ActivatedAt),
		nullableStringPtr(in.LastUsedAt), nullableStringPtr(in.UninstalledAt), nullable(in.UninstallReason), nullable(in.ErrorMessage))
	return err
}

func (r Repo) GetInstallation(ctx context.Context, id string) (domain.Installation, error) {
	return r.GetInstallationTx(ctx, nil, id)
}

func (r Repo) GetInstallationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Installation, error) {
	return scanInstallation(r.q(tx).QueryRowContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE id=?`, id))
}

type InstallationFilters struct {
	EngagementID string
	ExpertID     string
	CustomerID   string
	ModuleID     string
	Status       string
}

func (r Repo) ListInstallations(ctx context.Context, f InstallationFilters) ([]domain.Installation, error) {
	var clauses []string
	var args []any
	if f.EngagementID != "" {
		clauses = append(clauses, "engagement_id=?")
		args = append(args, f.EngagementID)
	}
	if f.ExpertID != "" {
		clauses = append(clauses, "expert_id=?")
		args = append(args, f.ExpertID)
	}
	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id=?")
		args = append(args, f.CustomerID)
	}
	if f.ModuleID != "" {
		clauses = append(clauses, "module_id=?")
		args = append(args, f.ModuleID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+installationColumns+` FROM installations `+where+` ORDER BY installed_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Installation
	for rows.Next() {
		in, err := scanInstallation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// InstallationStatusUpdate describes a conditional status change.
type InstallationStatusUpdate struct {
	ID              string
	From            []domain.InstallationStatus
	To              domain.InstallationStatus
	ActivatedAt     *string
	UninstalledAt   *string
	UninstallReason string
	ErrorMessage    *string
}

// UpdateInstallationStatus applies u only when the current status is one of
// u.From. It reports whether the row was written.
func (r Repo) UpdateInstallationStatus(ctx context.Context, tx *sql.Tx, u InstallationStatusUpdate) (bool, error) {
	fields := []string{"status=?"}
	args := []any{string(u.To)}
	if u.ActivatedAt != nil {
		fields = append(fields, "activated_at=?")
		args = append(args, *u.ActivatedAt)
	}
	if u.UninstalledAt != nil {
		fields = append(fields, "uninstalled_at=?", "uninstall_reason=?")
		args = append(args, *u.UninstalledAt, nullable(u.UninstallReason))
	}
	if u.ErrorMessage != nil {
		fields = append(fields, "error_message=?")
		args = append(args, nullable(*u.ErrorMessage))
	}
	placeholders := make([]string, len(u.From))
	args = append(args, u.ID)
	for i, s := range u.From {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE installations SET `+strings.Join(fields, ",")+` WHERE id=? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RequestOutcome is one usage sample applied by RecordRequest.
type RequestOutcome struct {
	ID        string
	Success   bool
	CostCents int64
	Alpha     float64
	Month     string
	At        string
}

// RecordRequest bumps counters, automation rate, failure EWMA and health score
// in a single statement. Right-hand sides read the pre-update row, so every
// derived value is consistent with the new counters.
func (r Repo) RecordRequest(ctx context.Context, tx *sql.Tx, o RequestOutcome) (bool, error) {
	succ, fail := 0, 1
	if o.Success {
		succ, fail = 1, 0
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE installations SET
  total_requests = total_requests + 1,
  successful_requests = successful_requests + ?,
  failed_requests = failed_requests + ?,
  automation_rate = CAST(successful_requests + ? AS REAL) / (total_requests + 1),
  failure_ewma = failure_ewma * (1 - ?) + ? * ?,
  health_score = CAST(ROUND(100 * (1 - (failure_ewma * (1 - ?) + ? * ?))) AS INTEGER),
  monthly_cost_cents = CASE WHEN cost_month = ? THEN monthly_cost_cents + ? ELSE ? END,
  cost_month = ?,
  last_used_at = ?
WHERE id = ? AND status != 'uninstalled'`,
		succ, fail, succ,
		o.Alpha, o.Alpha, fail,
		o.Alpha, o.Alpha, fail,
		o.Month, o.CostCents, o.CostCents,
		o.Month, o.At, o.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchInstallation records usage without changing counters.
func (r Repo) TouchInstallation(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE installations SET last_used_at=? WHERE id=? AND status != 'uninstalled'`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
