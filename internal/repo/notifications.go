package repo

import (
	"context"
	"database/sql"

	"github.com/aicallyu/olympus/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (int64, error) {
	details, err := marshalMap(n.Details)
	if err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(type,project_id,task_id,message,details_json,forwarded,created_at) VALUES (?,?,?,?,?,?,?)`,
		n.Type, nullable(n.ProjectID), nullable(n.TaskID), n.Message, details, boolInt(n.Forwarded), n.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) MarkNotificationForwarded(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET forwarded=1 WHERE id=?`, id)
	return err
}

type NotificationFilters struct {
	ProjectID string
	TaskID    string
	Type      string
	Limit     int
}

// ListNotifications returns the newest notifications first.
func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT id,type,COALESCE(project_id,''),COALESCE(task_id,''),message,details_json,forwarded,created_at FROM notifications WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var details sql.NullString
		var forwarded int
		if err := rows.Scan(&n.ID, &n.Type, &n.ProjectID, &n.TaskID, &n.Message, &details, &forwarded, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Forwarded = forwarded != 0
		if n.Details, err = unmarshalMap(details); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
