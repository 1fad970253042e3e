package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"labelflow/internal/domain"
	"labelflow/internal/labels"
)

const projectColumns = `id,name,COALESCE(description,''),task_type,language,entity_classes_json,categories_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var taskType string
	var classes, categories sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &taskType, &p.Language, &classes, &categories, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, notFound(err)
	}
	p.TaskType = labels.TaskType(taskType)
	if classes.Valid {
		if err := json.Unmarshal([]byte(classes.String), &p.EntityClasses); err != nil {
			return p, fmt.Errorf("decode entity classes of %s: %w", p.ID, err)
		}
	}
	if categories.Valid {
		if err := json.Unmarshal([]byte(categories.String), &p.Categories); err != nil {
			return p, fmt.Errorf("decode categories of %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func listJSON(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return marshalNullable(values)
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	classes, err := listJSON(p.EntityClasses)
	if err != nil {
		return err
	}
	categories, err := listJSON(p.Categories)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,name,description,task_type,language,entity_classes_json,categories_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), string(p.TaskType), p.Language, classes, categories, p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateProject writes the mutable project fields.
func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	classes, err := listJSON(p.EntityClasses)
	if err != nil {
		return err
	}
	categories, err := listJSON(p.Categories)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE projects SET description=?, entity_classes_json=?, categories_json=?, updated_at=? WHERE id=?`,
		nullable(p.Description), classes, categories, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.GetProjectTx(ctx, nil, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.q(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
