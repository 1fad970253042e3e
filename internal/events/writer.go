package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ProjectCreated      = "project.created"
	ProjectUpdated      = "project.updated"
	ProjectDeleted      = "project.deleted"
	DatasetUploaded     = "dataset.uploaded"
	TaskAutoLabeled     = "task.auto_labeled"
	TaskLabelingFailed  = "task.labeling_failed"
	LabelingBatchDone   = "labeling.batch.completed"
	TaskClaimed         = "task.claimed"
	TaskReviewed        = "task.reviewed"
	TaskCorrected       = "task.corrected"
	FeedbackReceived    = "feedback.received"
	TaskClientApproved  = "task.client_approved"
	TaskClientRejected  = "task.client_rejected"
	TaskRequeued        = "task.requeued"
	TaskCompleted       = "task.completed"
	GuidelineCreated    = "guideline.created"
	AnnotatorRegistered = "annotator.registered"
)

const (
	EntityProject   = "project"
	EntityTask      = "task"
	EntityFeedback  = "feedback"
	EntityGuideline = "guideline"
	EntityAnnotator = "annotator"
)

// Writer appends rows to the durable event log. Appends share the caller's
// transaction so an event exists iff its state change committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

type Record struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (int64, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if rec.ActorID == "" {
		rec.ActorID = "system"
	}
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), rec.Type, nullable(rec.ProjectID), rec.EntityKind, nullable(rec.EntityID), rec.ActorID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", rec.Type, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
