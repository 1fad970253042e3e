package repo

import (
	"context"
	"database/sql"

	"labelflow/internal/domain"
)

// NextGuidelineVersion returns one past the highest version of the project.
func (r Repo) NextGuidelineVersion(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var v int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM guidelines WHERE project_id=?`, projectID).Scan(&v)
	return v, err
}

// InsertGuideline stores g and deactivates earlier guidelines when g is active.
func (r Repo) InsertGuideline(ctx context.Context, tx *sql.Tx, g domain.Guideline) error {
	q := r.q(tx)
	if g.IsActive {
		if _, err := q.ExecContext(ctx, `UPDATE guidelines SET is_active=0 WHERE project_id=?`, g.ProjectID); err != nil {
			return err
		}
	}
	_, err := q.ExecContext(ctx, `INSERT INTO guidelines(id,project_id,title,content,version,is_active,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, g.Title, g.Content, g.Version, g.IsActive, g.CreatedBy, g.CreatedAt)
	return err
}

func (r Repo) ListGuidelines(ctx context.Context, projectID string, activeOnly bool) ([]domain.Guideline, error) {
	query := `SELECT id,project_id,title,content,version,is_active,created_by,created_at FROM guidelines WHERE project_id=?`
	if activeOnly {
		query += ` AND is_active=1`
	}
	query += ` ORDER BY version DESC`
	rows, err := r.DB.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Guideline
	for rows.Next() {
		var g domain.Guideline
		if err := rows.Scan(&g.ID, &g.ProjectID, &g.Title, &g.Content, &g.Version, &g.IsActive, &g.CreatedBy, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
