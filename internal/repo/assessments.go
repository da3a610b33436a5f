package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"safeline/internal/domain"
)

const assessmentColumns = `id,project_id,system_name,checklist_json,result_json,summary_source,created_by,created_at,updated_at`

func scanAssessment(row interface{ Scan(...any) error }) (domain.Assessment, error) {
	var (
		a                   domain.Assessment
		checklist, results string
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.SystemName, &checklist, &results, &a.SummarySource, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(checklist), &a.Checklist); err != nil {
		return a, fmt.Errorf("decode checklist of assessment %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &a.Result); err != nil {
		return a, fmt.Errorf("decode result of assessment %s: %w", a.ID, err)
	}
	return a, nil
}

func (r Repo) InsertAssessment(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	checklist, err := json.Marshal(a.Checklist)
	if err != nil {
		return err
	}
	result, err := json.Marshal(a.Result)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO assessments(`+assessmentColumns+`,is_compliant) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.SystemName, string(checklist), string(result), a.SummarySource, a.CreatedBy, a.CreatedAt, a.UpdatedAt, a.Result.IsCompliant)
	return err
}

// UpdateAssessmentResult replaces the stored result; the checklist is immutable.
func (r Repo) UpdateAssessmentResult(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	result, err := json.Marshal(a.Result)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE assessments SET result_json=?, is_compliant=?, summary_source=?, updated_at=? WHERE id=?`,
		string(result), a.Result.IsCompliant, a.SummarySource, a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAssessment(ctx context.Context, tx *sql.Tx, id string) (domain.Assessment, error) {
	return scanAssessment(r.q(tx).QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM assessments WHERE id=?`, id))
}

type AssessmentFilters struct {
	ProjectID string
	// Compliant filters by verdict when set.
	Compliant       *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListAssessments returns assessments newest first.
func (r Repo) ListAssessments(ctx context.Context, f AssessmentFilters) ([]domain.Assessment, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Compliant != nil {
		clauses = append(clauses, "is_compliant=?")
		args = append(args, *f.Compliant)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
