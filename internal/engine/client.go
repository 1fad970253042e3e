package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"labelflow/internal/config"
	"labelflow/internal/domain"
	"labelflow/internal/events"
	"labelflow/internal/labels"
	"labelflow/internal/notify"
	"labelflow/internal/repo"
)

// FetchSample returns reviewed work for client inspection, tasks still
// awaiting feedback first.
func (e Engine) FetchSample(ctx context.Context, projectID string, limit int) ([]domain.Task, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.config().Lifecycle.SampleLimit
	}
	tasks, err := e.Repo.SampleTasks(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

type FeedbackOptions struct {
	TaskID          string
	Action          string
	Comment         string
	CorrectedLabels *labels.Payload
	SubmittedBy     string
	ClientName      string
	ClientEmail     string
}

type FeedbackResult struct {
	Feedback domain.Feedback `json:"feedback"`
	Task     domain.Task     `json:"task"`
}

func feedbackTarget(action string) (string, error) {
	switch action {
	case domain.ActionApprove, domain.ActionCorrect:
		return domain.StatusClientApproved, nil
	case domain.ActionReject:
		return domain.StatusClientRejected, nil
	default:
		return "", fmt.Errorf("invalid action %q: must be approve, reject or correct", action)
	}
}

// SubmitFeedback stores a client verdict on a reviewed task. A correction
// replaces the final labels and approves the task. Nothing is written when
// validation fails.
func (e Engine) SubmitFeedback(ctx context.Context, opts FeedbackOptions) (FeedbackResult, error) {
	to, err := feedbackTarget(opts.Action)
	if err != nil {
		return FeedbackResult{}, err
	}
	submittedBy := strings.TrimSpace(opts.SubmittedBy)
	if submittedBy == "" {
		return FeedbackResult{}, errors.New("submitted_by is required")
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return FeedbackResult{}, err
	}
	if err := ensureTaskTransition(t.ID, OpFeedback, t.Status, to); err != nil {
		e.Metrics.TransitionRejected(OpFeedback, false)
		return FeedbackResult{}, err
	}
	var corrected *labels.Payload
	if opts.Action == domain.ActionCorrect {
		if opts.CorrectedLabels == nil {
			return FeedbackResult{}, &labels.ShapeError{Field: "corrected_labels", Reason: "required for correct"}
		}
		p, err := e.Repo.GetProject(ctx, t.ProjectID)
		if err != nil {
			return FeedbackResult{}, err
		}
		v, err := labels.Validate(*opts.CorrectedLabels, t.Text, p.Rules())
		if err != nil {
			return FeedbackResult{}, err
		}
		corrected = &v
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return FeedbackResult{}, err
	}
	defer tx.Rollback()
	from := t.Status
	fb := domain.Feedback{
		ID:              newID(),
		ProjectID:       t.ProjectID,
		TaskID:          t.ID,
		Action:          opts.Action,
		Comment:         opts.Comment,
		CorrectedLabels: corrected,
		SubmittedBy:     submittedBy,
		ClientName:      opts.ClientName,
		ClientEmail:     opts.ClientEmail,
		CreatedAt:       e.timestamp(),
	}
	if corrected != nil {
		t.FinalLabels = corrected
	}
	if err := e.transition(ctx, tx, &t, OpFeedback, to); err != nil {
		return FeedbackResult{}, err
	}
	if err := e.Repo.InsertFeedback(ctx, tx, fb); err != nil {
		return FeedbackResult{}, fmt.Errorf("insert feedback: %w", err)
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.FeedbackReceived, ProjectID: t.ProjectID, EntityKind: events.EntityFeedback, EntityID: fb.ID, ActorID: submittedBy,
		Payload: events.EventPayload{"task_id": t.ID, "action": fb.Action},
	}); err != nil {
		return FeedbackResult{}, err
	}
	statusEvent := events.TaskClientApproved
	if to == domain.StatusClientRejected {
		statusEvent = events.TaskClientRejected
	}
	if err := e.record(ctx, tx, events.Record{
		Type: statusEvent, ProjectID: t.ProjectID, EntityKind: events.EntityTask, EntityID: t.ID, ActorID: submittedBy,
		Payload: events.EventPayload{"feedback_id": fb.ID, "action": fb.Action, "from": from},
	}); err != nil {
		return FeedbackResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return FeedbackResult{}, err
	}
	e.Metrics.Transition(from, t.Status)
	e.publish(ctx, notify.Event{Type: events.FeedbackReceived, ProjectID: t.ProjectID, TaskID: t.ID, Data: map[string]any{
		"action":      fb.Action,
		"feedback_id": fb.ID,
		"status":      t.Status,
	}})

	if to == domain.StatusClientRejected && e.config().Lifecycle.RequeueRejected == config.RequeueAuto {
		requeued, err := e.Requeue(ctx, t.ID, "system")
		if err != nil {
			e.logger().Warn("automatic requeue failed", "task_id", t.ID, "error", err)
		} else {
			t = requeued
		}
	}
	return FeedbackResult{Feedback: fb, Task: t}, nil
}

// Requeue sends a rejected task back to the review queue with its suggested
// labels intact.
func (e Engine) Requeue(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusClientRejected {
		e.Metrics.TransitionRejected(OpRequeue, false)
		return domain.Task{}, &TransitionError{TaskID: t.ID, Op: OpRequeue, From: t.Status, To: domain.StatusAutoLabeled}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	from := t.Status
	payload := events.EventPayload{"rejected_labels": t.FinalLabels}
	if t.AnnotatorID != nil {
		payload["previous_annotator"] = *t.AnnotatorID
	}
	t.FinalLabels = nil
	t.AnnotatorID = nil
	t.ReviewedAt = nil
	if err := e.transition(ctx, tx, &t, OpRequeue, domain.StatusAutoLabeled); err != nil {
		return domain.Task{}, err
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.TaskRequeued, ProjectID: t.ProjectID, EntityKind: events.EntityTask, EntityID: t.ID, ActorID: actorID, Payload: payload,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Metrics.Transition(from, t.Status)
	e.publish(ctx, notify.Event{Type: events.TaskRequeued, ProjectID: t.ProjectID, TaskID: t.ID})
	return t, nil
}

// Complete closes a reviewed or rejected task for good.
func (e Engine) Complete(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	from := t.Status
	if err := e.transition(ctx, tx, &t, OpComplete, domain.StatusCompleted); err != nil {
		return domain.Task{}, err
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.TaskCompleted, ProjectID: t.ProjectID, EntityKind: events.EntityTask, EntityID: t.ID, ActorID: actorID,
		Payload: events.EventPayload{"from": from},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Metrics.Transition(from, t.Status)
	e.publish(ctx, notify.Event{Type: events.TaskCompleted, ProjectID: t.ProjectID, TaskID: t.ID})
	return t, nil
}

// ListFeedback returns a project's feedback in submission order.
func (e Engine) ListFeedback(ctx context.Context, f repo.FeedbackFilters) ([]domain.Feedback, error) {
	if _, err := e.Repo.GetProject(ctx, f.ProjectID); err != nil {
		return nil, err
	}
	if f.Action != "" {
		if _, err := feedbackTarget(f.Action); err != nil {
			return nil, err
		}
	}
	out, err := e.Repo.ListFeedback(ctx, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Feedback{}
	}
	return out, nil
}
