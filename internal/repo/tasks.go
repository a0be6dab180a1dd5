package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aicallyu/olympus/internal/domain"
)

const taskColumns = `id,project_id,title,COALESCE(description,''),status,assignee_id,requires_human_checkpoint,gate_status_json,acceptance_criteria_json,created_at,updated_at,completed_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var assignee, completedAt sql.NullString
	var human int
	var gates, criteria string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &assignee, &human, &gates, &criteria, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.RequiresHumanCheckpoint = human != 0
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if err := json.Unmarshal([]byte(gates), &t.GateStatus); err != nil {
		return t, err
	}
	if t.GateStatus == nil {
		t.GateStatus = map[string]domain.GateState{}
	}
	if err := json.Unmarshal([]byte(criteria), &t.AcceptanceCriteria); err != nil {
		return t, err
	}
	return t, nil
}

func taskJSON(t domain.Task) (string, string, error) {
	gs := t.GateStatus
	if gs == nil {
		gs = map[string]domain.GateState{}
	}
	gates, err := json.Marshal(gs)
	if err != nil {
		return "", "", err
	}
	crit := t.AcceptanceCriteria
	if crit == nil {
		crit = []domain.Criterion{}
	}
	criteria, err := json.Marshal(crit)
	if err != nil {
		return "", "", err
	}
	return string(gates), string(criteria), nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	gates, criteria, err := taskJSON(t)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,status,assignee_id,requires_human_checkpoint,gate_status_json,acceptance_criteria_json,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.AssigneeID), boolInt(t.RequiresHumanCheckpoint),
		gates, criteria, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// UpdateTask rewrites every mutable column of t.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	gates, criteria, err := taskJSON(t)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, assignee_id=?, requires_human_checkpoint=?, gate_status_json=?, acceptance_criteria_json=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.AssigneeID), boolInt(t.RequiresHumanCheckpoint),
		gates, criteria, t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	ProjectID string
	Statuses  []string
	Assignee  string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN (?"+strings.Repeat(",?", len(f.Statuses)-1)+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee_id=? COLLATE NOCASE")
		args = append(args, f.Assignee)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
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

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
