package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"labelflow/internal/domain"
	"labelflow/internal/events"
	"labelflow/internal/labels"
	"labelflow/internal/notify"
)

type ProjectCreateOptions struct {
	ID            string
	Name          string
	Description   string
	TaskType      string
	Language      string
	EntityClasses []string
	Categories    []string
	ActorID       string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	taskType, err := labels.ParseTaskType(opts.TaskType)
	if err != nil {
		return domain.Project{}, err
	}
	classes := cleanList(opts.EntityClasses)
	if taskType == labels.TaskNER && len(classes) == 0 {
		return domain.Project{}, errors.New("entity_classes is required for ner projects")
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	now := e.timestamp()
	p := domain.Project{
		ID:            id,
		Name:          name,
		Description:   opts.Description,
		TaskType:      taskType,
		Language:      lang,
		EntityClasses: classes,
		Categories:    cleanList(opts.Categories),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.ProjectCreated, ProjectID: p.ID, EntityKind: events.EntityProject, EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"name": p.Name, "task_type": p.TaskType},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.publish(ctx, notify.Event{Type: events.ProjectCreated, ProjectID: p.ID})
	return p, nil
}

type ProjectUpdateOptions struct {
	ID            string
	Description   *string
	EntityClasses *[]string
	Categories    *[]string
	ActorID       string
}

// UpdateProject edits the mutable project fields. Name, task type and
// language are fixed at creation.
func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Project{}, err
	}
	changed := []string{}
	if opts.Description != nil {
		p.Description = *opts.Description
		changed = append(changed, "description")
	}
	if opts.EntityClasses != nil {
		classes := cleanList(*opts.EntityClasses)
		if p.TaskType == labels.TaskNER && len(classes) == 0 {
			return domain.Project{}, errors.New("entity_classes is required for ner projects")
		}
		p.EntityClasses = classes
		changed = append(changed, "entity_classes")
	}
	if opts.Categories != nil {
		p.Categories = cleanList(*opts.Categories)
		changed = append(changed, "categories")
	}
	if len(changed) == 0 {
		return p, nil
	}
	p.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.ProjectUpdated, ProjectID: p.ID, EntityKind: events.EntityProject, EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"fields": changed},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.publish(ctx, notify.Event{Type: events.ProjectUpdated, ProjectID: p.ID, Data: map[string]any{"fields": changed}})
	return p, nil
}

// DeleteProject removes a project with its tasks, feedback and guidelines.
func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProjectTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteProject(ctx, tx, id); err != nil {
		return err
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.ProjectDeleted, ProjectID: id, EntityKind: events.EntityProject, EntityID: id, ActorID: actorID,
		Payload: events.EventPayload{"name": p.Name},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(ctx, notify.Event{Type: events.ProjectDeleted, ProjectID: id})
	return nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// cleanList trims values and drops blanks and duplicates, keeping order.
func cleanList(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
