package repo

import (
	"context"
	"database/sql"

	"mcpplane/internal/domain"
)

const validationColumns = `id,customer_id,build_dir,verdict,passed,warnings,failed,report_json,created_by,created_at`

func scanValidation(row rowScanner) (domain.ValidationRecord, error) {
	var v domain.ValidationRecord
	err := row.Scan(&v.ID, &v.CustomerID, &v.BuildDir, &v.Verdict, &v.Passed, &v.Warnings, &v.Failed, &v.ReportJSON, &v.CreatedBy, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) CreateValidation(ctx context.Context, tx *sql.Tx, v domain.ValidationRecord) (domain.ValidationRecord, error) {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO validation_reports(`+validationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.CustomerID, v.BuildDir, v.Verdict, v.Passed, v.Warnings, v.Failed, v.ReportJSON, v.CreatedBy, v.CreatedAt)
	if err != nil {
		return domain.ValidationRecord{}, err
	}
	return v, nil
}

func (r Repo) GetValidation(ctx context.Context, id string) (domain.ValidationRecord, error) {
	return scanValidation(r.DB.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validation_reports WHERE id=?`, id))
}

// LatestValidation returns the most recent report for a customer.
func (r Repo) LatestValidation(ctx context.Context, customerID string) (domain.ValidationRecord, error) {
	return scanValidation(r.DB.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validation_reports WHERE customer_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, customerID))
}

func (r Repo) ListValidations(ctx context.Context, customerID string, limit int) ([]domain.ValidationRecord, error) {
	query := `SELECT ` + validationColumns + ` FROM validation_reports`
	var args []any
	if customerID != "" {
		query += ` WHERE customer_id=?`
		args = append(args, customerID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRecord
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
