package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aicallyu/olympus/internal/domain"
)

// InsertVerificationTx appends a gate attempt record. A second record for the
// same (task, gate, round, attempt) returns ErrDuplicate.
func (r Repo) InsertVerificationTx(ctx context.Context, tx *sql.Tx, v domain.Verification) error {
	details, err := marshalMap(v.Details)
	if err != nil {
		return err
	}
	escalation, err := marshalMap(v.EscalationContext)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO verifications(id,project_id,task_id,gate,round,attempt,verified_by,status,summary,details_json,auto_fix_action,auto_fix_result,escalation_context_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ProjectID, v.TaskID, v.Gate, v.Round, v.Attempt, v.VerifiedBy, v.Status, nullable(v.Summary),
		details, nullable(v.AutoFixAction), nullable(v.AutoFixResult), escalation, v.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const verificationColumns = `id,project_id,task_id,gate,round,attempt,verified_by,status,COALESCE(summary,''),details_json,COALESCE(auto_fix_action,''),COALESCE(auto_fix_result,''),escalation_context_json,created_at`

func scanVerification(row rowScanner) (domain.Verification, error) {
	var v domain.Verification
	var details, escalation sql.NullString
	err := row.Scan(&v.ID, &v.ProjectID, &v.TaskID, &v.Gate, &v.Round, &v.Attempt, &v.VerifiedBy, &v.Status, &v.Summary,
		&details, &v.AutoFixAction, &v.AutoFixResult, &escalation, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if v.Details, err = unmarshalMap(details); err != nil {
		return v, err
	}
	if v.EscalationContext, err = unmarshalMap(escalation); err != nil {
		return v, err
	}
	return v, nil
}

// GetVerificationByKey looks up the record for one attempt of a gate.
func (r Repo) GetVerificationByKey(ctx context.Context, tx *sql.Tx, taskID, gate string, round, attempt int) (domain.Verification, error) {
	return scanVerification(r.q(tx).QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE task_id=? AND gate=? AND round=? AND attempt=?`,
		taskID, gate, round, attempt))
}

// ListVerifications returns the records of a task oldest first. An empty gate
// lists all gates.
func (r Repo) ListVerifications(ctx context.Context, taskID, gate string) ([]domain.Verification, error) {
	query := `SELECT ` + verificationColumns + ` FROM verifications WHERE task_id=?`
	args := []any{taskID}
	if gate != "" {
		query += ` AND gate=?`
		args = append(args, gate)
	}
	query += ` ORDER BY rowid ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
