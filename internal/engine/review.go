package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"labelflow/internal/domain"
	"labelflow/internal/events"
	"labelflow/internal/labels"
	"labelflow/internal/notify"
	"labelflow/internal/repo"
)

const pendingPageSize = 100

// FetchPending yields the review queue of a project lowest confidence first,
// reading it in keyset pages. Tasks without confidence come first. A
// non-empty annotatorID limits in_review tasks to those it holds.
func (e Engine) FetchPending(ctx context.Context, projectID, annotatorID string) iter.Seq2[domain.Task, error] {
	return func(yield func(domain.Task, error) bool) {
		if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
			yield(domain.Task{}, err)
			return
		}
		var after *repo.PendingCursor
		for {
			page, err := e.Repo.PendingPage(ctx, repo.PendingQuery{
				ProjectID:   projectID,
				AnnotatorID: annotatorID,
				After:       after,
				Limit:       pendingPageSize,
			})
			if err != nil {
				yield(domain.Task{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < pendingPageSize {
				return
			}
			last := page[len(page)-1]
			after = &repo.PendingCursor{Confidence: -1, ID: last.ID}
			if last.Confidence != nil {
				after.Confidence = *last.Confidence
			}
		}
	}
}

// PendingTasks collects at most limit tasks of the review queue.
func (e Engine) PendingTasks(ctx context.Context, projectID, annotatorID string, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = e.config().Lifecycle.PendingLimit
	}
	out := []domain.Task{}
	for t, err := range e.FetchPending(ctx, projectID, annotatorID) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ClaimTask marks an auto_labeled task as being reviewed by annotatorID.
// Claiming a task already held by the same annotator is a no-op.
func (e Engine) ClaimTask(ctx context.Context, taskID, annotatorID string) (domain.Task, error) {
	annotatorID = strings.TrimSpace(annotatorID)
	if annotatorID == "" {
		return domain.Task{}, errors.New("annotator_id is required")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.StatusInReview {
		if t.AnnotatorID != nil && *t.AnnotatorID != annotatorID {
			return domain.Task{}, fmt.Errorf("%w: task %s is held by %s", ErrClaimConflict, t.ID, *t.AnnotatorID)
		}
		return t, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	from := t.Status
	if err := e.Repo.EnsureAnnotator(ctx, tx, annotatorID, e.timestamp()); err != nil {
		return domain.Task{}, err
	}
	t.AnnotatorID = &annotatorID
	if err := e.transition(ctx, tx, &t, OpClaim, domain.StatusInReview); err != nil {
		return domain.Task{}, err
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.TaskClaimed, ProjectID: t.ProjectID, EntityKind: events.EntityTask, EntityID: t.ID, ActorID: annotatorID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Metrics.Transition(from, t.Status)
	e.publish(ctx, notify.Event{Type: events.TaskClaimed, ProjectID: t.ProjectID, TaskID: t.ID, Data: map[string]any{"annotator_id": annotatorID}})
	return t, nil
}

type ReviewOptions struct {
	TaskID      string
	FinalLabels labels.Payload
	AnnotatorID string
}

// Review records the annotator's final labels. A task claimed by someone
// else cannot be reviewed.
func (e Engine) Review(ctx context.Context, opts ReviewOptions) (domain.Task, error) {
	annotatorID := strings.TrimSpace(opts.AnnotatorID)
	if annotatorID == "" {
		return domain.Task{}, errors.New("annotator_id is required")
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureTaskTransition(t.ID, OpReview, t.Status, domain.StatusReviewed); err != nil {
		e.Metrics.TransitionRejected(OpReview, false)
		return domain.Task{}, err
	}
	if t.Status == domain.StatusInReview && t.AnnotatorID != nil && *t.AnnotatorID != annotatorID {
		return domain.Task{}, fmt.Errorf("%w: task %s is held by %s", ErrClaimConflict, t.ID, *t.AnnotatorID)
	}
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	final, err := labels.Validate(opts.FinalLabels, t.Text, p.Rules())
	if err != nil {
		return domain.Task{}, err
	}
	changed := !labels.Equal(t.AutoLabels, &final)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	from := t.Status
	now := e.timestamp()
	if err := e.Repo.EnsureAnnotator(ctx, tx, annotatorID, now); err != nil {
		return domain.Task{}, err
	}
	t.FinalLabels = &final
	t.AnnotatorID = &annotatorID
	t.ReviewedAt = &now
	if err := e.transition(ctx, tx, &t, OpReview, domain.StatusReviewed); err != nil {
		return domain.Task{}, err
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.TaskReviewed, ProjectID: t.ProjectID, EntityKind: events.EntityTask, EntityID: t.ID, ActorID: annotatorID,
		Payload: events.EventPayload{"labels_changed": changed},
	}); err != nil {
		return domain.Task{}, err
	}
	if changed {
		payload := events.EventPayload{"task_type": p.TaskType, "original": t.AutoLabels, "corrected": final}
		if t.Confidence != nil {
			payload["confidence"] = *t.Confidence
		}
		if err := e.record(ctx, tx, events.Record{
			Type: events.TaskCorrected, ProjectID: t.ProjectID, EntityKind: events.EntityTask, EntityID: t.ID, ActorID: annotatorID, Payload: payload,
		}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Metrics.Transition(from, t.Status)
	e.publish(ctx, notify.Event{Type: events.TaskReviewed, ProjectID: t.ProjectID, TaskID: t.ID, Data: map[string]any{
		"annotator_id":   annotatorID,
		"labels_changed": changed,
	}})
	return t, nil
}
