package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"labelflow/internal/domain"
	"labelflow/internal/events"
	"labelflow/internal/ingest"
	"labelflow/internal/notify"
)

type UploadOptions struct {
	ProjectID string
	Filename  string
	Format    string
	// Data is parsed when Items is empty.
	Data    io.Reader
	Items   []ingest.Item
	ActorID string
}

type UploadResult struct {
	ProjectID string   `json:"project_id"`
	Filename  string   `json:"filename,omitempty"`
	Created   int      `json:"tasks_created"`
	TaskIDs   []string `json:"task_ids"`
}

// Upload turns a dataset into uploaded tasks, all or nothing.
func (e Engine) Upload(ctx context.Context, opts UploadOptions) (UploadResult, error) {
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return UploadResult{}, err
	}
	items := opts.Items
	if len(items) == 0 {
		if opts.Data == nil {
			return UploadResult{}, ingest.ErrEmptyDataset
		}
		format, err := ingest.DetectFormat(opts.Format, opts.Filename)
		if err != nil {
			return UploadResult{}, err
		}
		items, err = ingest.Parse(opts.Data, format, opts.Filename)
		if err != nil {
			return UploadResult{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UploadResult{}, err
	}
	defer tx.Rollback()
	now := e.timestamp()
	res := UploadResult{ProjectID: opts.ProjectID, Filename: opts.Filename, TaskIDs: make([]string, 0, len(items))}
	for i, item := range items {
		if strings.TrimSpace(item.Text) == "" {
			return UploadResult{}, fmt.Errorf("%w: item %d has no text", ingest.ErrInvalidDataset, i)
		}
		t := domain.Task{
			ID:        newID(),
			ProjectID: opts.ProjectID,
			Text:      item.Text,
			Metadata:  item.Metadata,
			Status:    domain.StatusUploaded,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return UploadResult{}, fmt.Errorf("insert task: %w", err)
		}
		res.TaskIDs = append(res.TaskIDs, t.ID)
	}
	res.Created = len(res.TaskIDs)
	if err := e.record(ctx, tx, events.Record{
		Type: events.DatasetUploaded, ProjectID: opts.ProjectID, EntityKind: events.EntityProject, EntityID: opts.ProjectID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"filename": opts.Filename, "tasks_created": res.Created},
	}); err != nil {
		return UploadResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UploadResult{}, err
	}
	e.logger().Info("dataset uploaded", "project_id", opts.ProjectID, "filename", opts.Filename, "tasks", res.Created)
	e.publish(ctx, notify.Event{Type: events.DatasetUploaded, ProjectID: opts.ProjectID, Data: map[string]any{"filename": opts.Filename, "tasks_created": res.Created}})
	return res, nil
}
