package repo

import (
	"context"
	"database/sql"

	"labelflow/internal/domain"
	"labelflow/internal/events"
)

// EnsureAnnotator registers id with a placeholder name when unknown.
func (r Repo) EnsureAnnotator(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO annotators(id,name,created_at) VALUES (?,?,?)`, id, id, now)
	return err
}

// UpsertAnnotator creates or renames an annotator.
func (r Repo) UpsertAnnotator(ctx context.Context, tx *sql.Tx, a domain.Annotator) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO annotators(id,name,email,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email`, a.ID, a.Name, nullable(a.Email), a.CreatedAt)
	return err
}

func (r Repo) GetAnnotator(ctx context.Context, id string) (domain.Annotator, error) {
	var a domain.Annotator
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),created_at FROM annotators WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Email, &a.CreatedAt)
	return a, notFound(err)
}

// AnnotatorStats derives per-annotator counters for a project from the event
// log and client feedback on the tasks they hold.
func (r Repo) AnnotatorStats(ctx context.Context, projectID string) ([]domain.AnnotatorStats, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.id, a.name, COALESCE(a.email,''), a.created_at,
  (SELECT COUNT(*) FROM events e WHERE e.actor_id=a.id AND e.project_id=? AND e.type=?),
  (SELECT COUNT(*) FROM events e WHERE e.actor_id=a.id AND e.project_id=? AND e.type=?),
  (SELECT COUNT(*) FROM feedback f JOIN tasks t ON t.id=f.task_id WHERE t.annotator_id=a.id AND f.project_id=? AND f.action='approve'),
  (SELECT COUNT(*) FROM feedback f JOIN tasks t ON t.id=f.task_id WHERE t.annotator_id=a.id AND f.project_id=? AND f.action IN ('reject','correct'))
FROM annotators a
WHERE EXISTS (SELECT 1 FROM events e WHERE e.actor_id=a.id AND e.project_id=? AND e.type IN (?,?))
ORDER BY a.id`,
		projectID, events.TaskReviewed, projectID, events.TaskCorrected, projectID, projectID,
		projectID, events.TaskReviewed, events.TaskClaimed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AnnotatorStats
	for rows.Next() {
		var s domain.AnnotatorStats
		if err := rows.Scan(&s.ID, &s.Name, &s.Email, &s.CreatedAt, &s.TasksReviewed, &s.Corrections, &s.Approved, &s.Rejected); err != nil {
			return nil, err
		}
		if judged := s.Approved + s.Rejected; judged > 0 {
			s.Accuracy = float64(s.Approved) / float64(judged)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
