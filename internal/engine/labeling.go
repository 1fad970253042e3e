package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"labelflow/internal/autolabel"
	"labelflow/internal/domain"
	"labelflow/internal/events"
	"labelflow/internal/labels"
	"labelflow/internal/notify"
	"labelflow/internal/repo"
)

// SubmitForLabeling labels one uploaded task. On labeler failure the task
// stays uploaded and a LabelingError is returned.
func (e Engine) SubmitForLabeling(ctx context.Context, taskID, actorID string, timeout time.Duration) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	labeled, err := e.labelTask(ctx, p, t, actorID, timeout)
	if err != nil {
		return domain.Task{}, err
	}
	data := map[string]any{"model": labeled.Model}
	if labeled.Confidence != nil {
		data["confidence"] = *labeled.Confidence
	}
	e.publish(ctx, notify.Event{Type: events.TaskAutoLabeled, ProjectID: p.ID, TaskID: t.ID, Data: data})
	return labeled, nil
}

type LabelBatchOptions struct {
	ProjectID string
	// TaskIDs selects tasks explicitly. When empty the oldest uploaded
	// tasks are taken, up to BatchSize.
	TaskIDs     []string
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
	ActorID     string
}

type TaskFailure struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

type BatchResult struct {
	ProjectID string        `json:"project_id"`
	Requested int           `json:"requested"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Failures  []TaskFailure `json:"failures,omitempty"`
}

// LabelBatch labels tasks concurrently, each under its own deadline. One
// task failing never affects the others.
func (e Engine) LabelBatch(ctx context.Context, opts LabelBatchOptions) (BatchResult, error) {
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return BatchResult{}, err
	}
	cfg := e.config()
	size := opts.BatchSize
	if size <= 0 {
		size = cfg.Labeling.BatchSize
	}
	if size > cfg.Labeling.MaxBatchSize || len(opts.TaskIDs) > cfg.Labeling.MaxBatchSize {
		return BatchResult{}, fmt.Errorf("invalid batch_size: at most %d tasks per batch", cfg.Labeling.MaxBatchSize)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = cfg.Labeling.Concurrency
	}

	res := BatchResult{ProjectID: p.ID}
	var tasks []domain.Task
	if len(opts.TaskIDs) > 0 {
		ids := cleanList(opts.TaskIDs)
		tasks, err = e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: p.ID, IDs: ids})
		if err != nil {
			return BatchResult{}, err
		}
		found := make(map[string]bool, len(tasks))
		for _, t := range tasks {
			found[t.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				res.Failures = append(res.Failures, TaskFailure{TaskID: id, Error: repo.ErrNotFound.Error()})
			}
		}
		res.Requested = len(ids)
	} else {
		tasks, err = e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: p.ID, Statuses: []string{domain.StatusUploaded}, Limit: size})
		if err != nil {
			return BatchResult{}, err
		}
		res.Requested = len(tasks)
	}
	if res.Requested == 0 {
		return res, nil
	}
	e.Metrics.Batch(len(tasks))

	errs := make([]error, len(tasks))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, t := range tasks {
		g.Go(func() error {
			_, errs[i] = e.labelTask(ctx, p, t, opts.ActorID, opts.Timeout)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			res.Failures = append(res.Failures, TaskFailure{TaskID: tasks[i].ID, Error: err.Error()})
			continue
		}
		res.Succeeded++
	}
	res.Failed = len(res.Failures)

	// The summary is recorded even when ctx was canceled mid-batch.
	rctx := context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(rctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.record(rctx, tx, events.Record{
		Type: events.LabelingBatchDone, ProjectID: p.ID, EntityKind: events.EntityProject, EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"requested": res.Requested, "succeeded": res.Succeeded, "failed": res.Failed},
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.logger().Info("labeling batch finished", "project_id", p.ID, "requested", res.Requested, "succeeded", res.Succeeded, "failed", res.Failed)
	e.publish(ctx, notify.Event{Type: events.LabelingBatchDone, ProjectID: p.ID, Data: map[string]any{
		"requested": res.Requested, "succeeded": res.Succeeded, "failed": res.Failed,
	}})
	return res, nil
}

// labelTask runs the labeler on t and stores its output, moving t from
// uploaded to auto_labeled.
func (e Engine) labelTask(ctx context.Context, p domain.Project, t domain.Task, actorID string, timeout time.Duration) (domain.Task, error) {
	if err := ensureTaskTransition(t.ID, OpLabel, t.Status, domain.StatusAutoLabeled); err != nil {
		e.Metrics.TransitionRejected(OpLabel, false)
		return domain.Task{}, err
	}
	if timeout <= 0 {
		timeout = e.config().LabelTimeout()
	}
	labeler := e.Labeler
	if labeler == nil {
		labeler = autolabel.NewKeyword(e.config().Labeling.Gazetteer)
	}

	start := time.Now()
	out, err := callLabeler(ctx, labeler, timeout, autolabel.Request{
		TaskID:        t.ID,
		Text:          t.Text,
		TaskType:      p.TaskType,
		Language:      p.Language,
		EntityClasses: p.EntityClasses,
		Categories:    p.Categories,
		Metadata:      t.Metadata,
	})
	took := time.Since(start)
	if err == nil {
		err = checkResult(p, t, &out)
	}
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		e.Metrics.Labeled(outcome, took)
		var lerr *autolabel.LabelingError
		if !errors.As(err, &lerr) {
			err = &autolabel.LabelingError{TaskID: t.ID, Err: err}
		}
		e.recordLabelingFailure(ctx, t, actorID, err)
		return domain.Task{}, err
	}
	e.Metrics.Labeled("ok", took)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	from := t.Status
	t.AutoLabels = &out.Payload
	t.Confidence = out.Confidence
	t.Model = out.Model
	if err := e.transition(ctx, tx, &t, OpLabel, domain.StatusAutoLabeled); err != nil {
		return domain.Task{}, err
	}
	payload := events.EventPayload{"model": out.Model}
	if out.Confidence != nil {
		payload["confidence"] = *out.Confidence
	}
	if err := e.record(ctx, tx, events.Record{
		Type: events.TaskAutoLabeled, ProjectID: t.ProjectID, EntityKind: events.EntityTask, EntityID: t.ID, ActorID: actorID, Payload: payload,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Metrics.Transition(from, t.Status)
	return t, nil
}

type labelOutcome struct {
	res autolabel.Result
	err error
}

// callLabeler bounds a labeler call by timeout even when the labeler ignores
// its context. Such a labeler keeps its goroutine alive past the deadline
// until Label returns; the result is then dropped into the buffered channel
// and discarded.
func callLabeler(ctx context.Context, labeler autolabel.Labeler, timeout time.Duration, req autolabel.Request) (autolabel.Result, error) {
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan labelOutcome, 1)
	go func() {
		res, err := labeler.Label(lctx, req)
		done <- labelOutcome{res: res, err: err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-lctx.Done():
		return autolabel.Result{}, lctx.Err()
	}
}

// checkResult validates labeler output against the project and normalizes
// it in place.
func checkResult(p domain.Project, t domain.Task, out *autolabel.Result) error {
	if out.Confidence != nil && (*out.Confidence < 0 || *out.Confidence > 1) {
		return fmt.Errorf("confidence %v outside [0,1]", *out.Confidence)
	}
	payload, err := labels.Validate(out.Payload, t.Text, p.Rules())
	if err != nil {
		return fmt.Errorf("labeler output: %w", err)
	}
	out.Payload = payload
	return nil
}

func (e Engine) recordLabelingFailure(ctx context.Context, t domain.Task, actorID string, cause error) {
	e.logger().Warn("labeling failed", "task_id", t.ID, "project_id", t.ProjectID, "error", cause)
	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.logger().Warn("record labeling failure", "task_id", t.ID, "error", err)
		return
	}
	defer tx.Rollback()
	if err := e.record(ctx, tx, events.Record{
		Type: events.TaskLabelingFailed, ProjectID: t.ProjectID, EntityKind: events.EntityTask, EntityID: t.ID, ActorID: actorID,
		Payload: events.EventPayload{"error": cause.Error()},
	}); err != nil {
		e.logger().Warn("record labeling failure", "task_id", t.ID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logger().Warn("record labeling failure", "task_id", t.ID, "error", err)
	}
}
