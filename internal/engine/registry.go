package engine

import (
	"context"
	"errors"
	"strings"

	"labelflow/internal/domain"
	"labelflow/internal/events"
	"labelflow/internal/notify"
)

type GuidelineCreateOptions struct {
	ProjectID string
	Title     string
	Content   string
	ActorID   string
}

// CreateGuideline publishes a new guideline version; it becomes the only
// active one.
func (e Engine) CreateGuideline(ctx context.Context, opts GuidelineCreateOptions) (domain.Guideline, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Guideline{}, errors.New("title is required")
	}
	if strings.TrimSpace(opts.Content) == "" {
		return domain.Guideline{}, errors.New("content is required")
	}
	actor := opts.ActorID
	if actor == "" {
		actor = "system"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Guideline{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID); err != nil {
		return domain.Guideline{}, err
	}
	version, err := e.Repo.NextGuidelineVersion(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Guideline{}, err
	}
	g := domain.Guideline{
		ID:        newID(),
		ProjectID: opts.ProjectID,
		Title:     title,
		Content:   opts.Content,
		Version:   version,
		IsActive:  true,
		CreatedBy: actor,
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertGuideline(ctx, tx, g); err != nil {
		return domain.Guideline{}, err
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.GuidelineCreated, ProjectID: g.ProjectID, EntityKind: events.EntityGuideline, EntityID: g.ID, ActorID: actor,
		Payload: events.EventPayload{"version": g.Version, "title": g.Title},
	}); err != nil {
		return domain.Guideline{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Guideline{}, err
	}
	e.publish(ctx, notify.Event{Type: events.GuidelineCreated, ProjectID: g.ProjectID, Data: map[string]any{"version": g.Version}})
	return g, nil
}

func (e Engine) ListGuidelines(ctx context.Context, projectID string, activeOnly bool) ([]domain.Guideline, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	out, err := e.Repo.ListGuidelines(ctx, projectID, activeOnly)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Guideline{}
	}
	return out, nil
}

// RegisterAnnotator creates or renames an annotator.
func (e Engine) RegisterAnnotator(ctx context.Context, a domain.Annotator, actorID string) (domain.Annotator, error) {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return domain.Annotator{}, errors.New("id is required")
	}
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		a.Name = a.ID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotator{}, err
	}
	defer tx.Rollback()
	a.CreatedAt = e.timestamp()
	if err := e.Repo.UpsertAnnotator(ctx, tx, a); err != nil {
		return domain.Annotator{}, err
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.AnnotatorRegistered, EntityKind: events.EntityAnnotator, EntityID: a.ID, ActorID: actorID,
		Payload: events.EventPayload{"name": a.Name},
	}); err != nil {
		return domain.Annotator{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotator{}, err
	}
	return e.Repo.GetAnnotator(ctx, a.ID)
}
