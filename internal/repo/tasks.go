package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"labelflow/internal/domain"
	"labelflow/internal/labels"
)

const taskColumns = `id,project_id,text,metadata_json,auto_labels_json,confidence,model,final_labels_json,status,annotator_id,created_at,updated_at,reviewed_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var metadata, autoLabels, model, finalLabels, annotatorID, reviewedAt sql.NullString
	var confidence sql.NullFloat64
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Text, &metadata, &autoLabels, &confidence, &model, &finalLabels, &t.Status, &annotatorID, &t.CreatedAt, &t.UpdatedAt, &reviewedAt); err != nil {
		return t, notFound(err)
	}
	if metadata.Valid {
		var m domain.TaskMetadata
		if err := json.Unmarshal([]byte(metadata.String), &m); err != nil {
			return t, fmt.Errorf("decode metadata of task %s: %w", t.ID, err)
		}
		t.Metadata = &m
	}
	var err error
	if autoLabels.Valid {
		if t.AutoLabels, err = labels.Decode([]byte(autoLabels.String)); err != nil {
			return t, fmt.Errorf("task %s auto labels: %w", t.ID, err)
		}
	}
	if finalLabels.Valid {
		if t.FinalLabels, err = labels.Decode([]byte(finalLabels.String)); err != nil {
			return t, fmt.Errorf("task %s final labels: %w", t.ID, err)
		}
	}
	if confidence.Valid {
		c := confidence.Float64
		t.Confidence = &c
	}
	if model.Valid {
		t.Model = model.String
	}
	t.AnnotatorID = stringPtr(annotatorID)
	t.ReviewedAt = stringPtr(reviewedAt)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
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

type taskJSON struct {
	metadata, autoLabels, finalLabels any
}

func encodeTask(t domain.Task) (taskJSON, error) {
	var enc taskJSON
	var err error
	if t.Metadata != nil {
		if enc.metadata, err = marshalNullable(t.Metadata); err != nil {
			return enc, err
		}
	}
	if t.AutoLabels != nil {
		if enc.autoLabels, err = marshalNullable(t.AutoLabels); err != nil {
			return enc, err
		}
	}
	if t.FinalLabels != nil {
		if enc.finalLabels, err = marshalNullable(t.FinalLabels); err != nil {
			return enc, err
		}
	}
	return enc, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	enc, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Text, enc.metadata, enc.autoLabels, nullableFloatPtr(t.Confidence), nullable(t.Model),
		enc.finalLabels, t.Status, nullableStringPtr(t.AnnotatorID), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.ReviewedAt))
	return err
}

// UpdateTaskIfStatus writes the mutable columns of t only while the stored
// status still equals expected. It reports whether the row was updated.
func (r Repo) UpdateTaskIfStatus(ctx context.Context, tx *sql.Tx, t domain.Task, expected string) (bool, error) {
	enc, err := encodeTask(t)
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET auto_labels_json=?, confidence=?, model=?, final_labels_json=?, status=?, annotator_id=?, updated_at=?, reviewed_at=? WHERE id=? AND status=?`,
		enc.autoLabels, nullableFloatPtr(t.Confidence), nullable(t.Model), enc.finalLabels, t.Status,
		nullableStringPtr(t.AnnotatorID), t.UpdatedAt, nullableStringPtr(t.ReviewedAt), t.ID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	ProjectID   string
	Statuses    []string
	AnnotatorID string
	IDs         []string
	Limit       int
	// CursorID returns tasks with ids strictly greater than it.
	CursorID string
}

// ListTasks returns tasks ordered by ascending id.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		clause, inArgs := inClause("status", f.Statuses)
		clauses = append(clauses, clause)
		args = append(args, inArgs...)
	}
	if len(f.IDs) > 0 {
		clause, inArgs := inClause("id", f.IDs)
		clauses = append(clauses, clause)
		args = append(args, inArgs...)
	}
	if f.AnnotatorID != "" {
		clauses = append(clauses, "annotator_id=?")
		args = append(args, f.AnnotatorID)
	}
	if f.CursorID != "" {
		clauses = append(clauses, "id>?")
		args = append(args, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// PendingCursor is the keyset position of the last task of a pending page.
// Tasks without a confidence sort as -1.
type PendingCursor struct {
	Confidence float64
	ID         string
}

type PendingQuery struct {
	ProjectID   string
	AnnotatorID string
	After       *PendingCursor
	Limit       int
}

// PendingPage returns auto_labeled tasks plus in_review tasks held by the
// annotator (any in_review task when no annotator is given), lowest
// confidence first.
func (r Repo) PendingPage(ctx context.Context, pq PendingQuery) ([]domain.Task, error) {
	clauses := []string{"project_id=?"}
	args := []any{pq.ProjectID}
	if pq.AnnotatorID != "" {
		clauses = append(clauses, "(status=? OR (status=? AND annotator_id=?))")
		args = append(args, domain.StatusAutoLabeled, domain.StatusInReview, pq.AnnotatorID)
	} else {
		clauses = append(clauses, "status IN (?,?)")
		args = append(args, domain.StatusAutoLabeled, domain.StatusInReview)
	}
	if pq.After != nil {
		clauses = append(clauses, "(COALESCE(confidence,-1) > ? OR (COALESCE(confidence,-1) = ? AND id > ?))")
		args = append(args, pq.After.Confidence, pq.After.Confidence, pq.After.ID)
	}
	limit := pq.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY COALESCE(confidence,-1) ASC, id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// SampleTasks returns post-review tasks, those awaiting client feedback first.
func (r Repo) SampleTasks(ctx context.Context, projectID string, limit int) ([]domain.Task, error) {
	clause, args := inClause("status", domain.PostReviewStatuses)
	args = append([]any{projectID}, args...)
	args = append(args, domain.StatusReviewed, limit)
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id=? AND ` + clause +
		` ORDER BY CASE WHEN status=? THEN 0 ELSE 1 END, id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ExportTasks returns every task carrying final labels, ordered by id.
func (r Repo) ExportTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	clause, args := inClause("status", domain.PostReviewStatuses)
	args = append([]any{projectID}, args...)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=? AND `+clause+` AND final_labels_json IS NOT NULL ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
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

// AverageConfidence averages over tasks that have a confidence; ok is false
// when none do.
func (r Repo) AverageConfidence(ctx context.Context, projectID string) (avg float64, ok bool, err error) {
	var v sql.NullFloat64
	if err := r.DB.QueryRowContext(ctx, `SELECT AVG(confidence) FROM tasks WHERE project_id=? AND confidence IS NOT NULL`, projectID).Scan(&v); err != nil {
		return 0, false, err
	}
	return v.Float64, v.Valid, nil
}
