package repo

import (
	"context"
	"database/sql"

	"labelflow/internal/domain"
	"labelflow/internal/labels"
)

const feedbackColumns = `id,project_id,task_id,action,COALESCE(comment,''),corrected_labels_json,submitted_by,COALESCE(client_name,''),COALESCE(client_email,''),created_at`

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.Feedback) error {
	var corrected any
	if f.CorrectedLabels != nil {
		var err error
		if corrected, err = marshalNullable(f.CorrectedLabels); err != nil {
			return err
		}
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO feedback(id,project_id,task_id,action,comment,corrected_labels_json,submitted_by,client_name,client_email,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.ProjectID, f.TaskID, f.Action, nullable(f.Comment), corrected, f.SubmittedBy, nullable(f.ClientName), nullable(f.ClientEmail), f.CreatedAt)
	return err
}

type FeedbackFilters struct {
	ProjectID string
	TaskID    string
	Action    string
	Limit     int
}

// ListFeedback returns feedback in submission order.
func (r Repo) ListFeedback(ctx context.Context, f FeedbackFilters) ([]domain.Feedback, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback WHERE project_id=?`
	args := []any{f.ProjectID}
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.Action != "" {
		query += ` AND action=?`
		args = append(args, f.Action)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feedback
	for rows.Next() {
		var fb domain.Feedback
		var corrected sql.NullString
		if err := rows.Scan(&fb.ID, &fb.ProjectID, &fb.TaskID, &fb.Action, &fb.Comment, &corrected, &fb.SubmittedBy, &fb.ClientName, &fb.ClientEmail, &fb.CreatedAt); err != nil {
			return nil, err
		}
		if corrected.Valid {
			if fb.CorrectedLabels, err = labels.Decode([]byte(corrected.String)); err != nil {
				return nil, err
			}
		}
		res = append(res, fb)
	}
	return res, rows.Err()
}

func (r Repo) CountFeedbackByAction(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT action, count(*) FROM feedback WHERE project_id=? GROUP BY action`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		res[action] = n
	}
	return res, rows.Err()
}
