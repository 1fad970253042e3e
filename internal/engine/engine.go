// Package engine owns the task lifecycle. Every mutation is a conditional
// update on the task's current status, committed together with its event.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"labelflow/internal/autolabel"
	"labelflow/internal/config"
	"labelflow/internal/domain"
	"labelflow/internal/events"
	"labelflow/internal/metrics"
	"labelflow/internal/notify"
	"labelflow/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Labeler  autolabel.Labeler
	Notifier notify.Publisher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Labeler:  autolabel.NewKeyword(cfg.Labeling.Gazetteer),
		Notifier: notify.Nop{},
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// record appends rec to the event log inside tx, stamped with the engine clock.
func (e Engine) record(ctx context.Context, tx *sql.Tx, rec events.Record) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	_, err := w.Append(ctx, tx, rec)
	return err
}

// transition moves t to status to through a conditional update on the status
// it was read with. A concurrent change makes the update miss and yields a
// stale TransitionError carrying the status that won.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, t *domain.Task, op, to string) error {
	from := t.Status
	if err := ensureTaskTransition(t.ID, op, from, to); err != nil {
		e.Metrics.TransitionRejected(op, false)
		return err
	}
	t.Status = to
	t.UpdatedAt = e.timestamp()
	ok, err := e.Repo.UpdateTaskIfStatus(ctx, tx, *t, from)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if !ok {
		current, err := e.Repo.GetTaskTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		e.Metrics.TransitionRejected(op, true)
		return &TransitionError{TaskID: t.ID, Op: op, From: current.Status, To: to, Stale: true}
	}
	return nil
}

// publish delivers evt after commit. Failures are logged and never surface
// to the caller.
func (e Engine) publish(ctx context.Context, evt notify.Event) {
	if e.Notifier == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now().UTC()
	}
	if err := e.Notifier.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.Metrics.NotifyFailed()
		e.logger().Warn("publish notification failed", "type", evt.Type, "project_id", evt.ProjectID, "task_id", evt.TaskID, "error", err)
	}
}

// GetTask returns a task, scoped to projectID when it is set.
func (e Engine) GetTask(ctx context.Context, projectID, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if projectID != "" && t.ProjectID != projectID {
		return domain.Task{}, repo.ErrNotFound
	}
	return t, nil
}

type TaskListOptions struct {
	ProjectID   string
	Status      string
	AnnotatorID string
	Cursor      string
	Limit       int
}

// ListTasks pages through a project's tasks by ascending id.
func (e Engine) ListTasks(ctx context.Context, opts TaskListOptions) ([]domain.Task, error) {
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return nil, err
	}
	f := repo.TaskFilters{ProjectID: opts.ProjectID, AnnotatorID: opts.AnnotatorID, CursorID: opts.Cursor, Limit: opts.Limit}
	if opts.Status != "" {
		if !validStatus(opts.Status) {
			return nil, fmt.Errorf("invalid status %q", opts.Status)
		}
		f.Statuses = []string{opts.Status}
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return e.Repo.ListTasks(ctx, f)
}

func validStatus(s string) bool {
	for _, v := range domain.Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// ListEvents returns the newest events matching f.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return e.Repo.LatestEvents(ctx, f)
}
