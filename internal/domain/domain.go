package domain

import "labelflow/internal/labels"

const (
	StatusUploaded       = "uploaded"
	StatusAutoLabeled    = "auto_labeled"
	StatusInReview       = "in_review"
	StatusReviewed       = "reviewed"
	StatusClientApproved = "client_approved"
	StatusClientRejected = "client_rejected"
	StatusCompleted      = "completed"
)

// Statuses lists every task status in lifecycle order.
var Statuses = []string{
	StatusUploaded,
	StatusAutoLabeled,
	StatusInReview,
	StatusReviewed,
	StatusClientApproved,
	StatusClientRejected,
	StatusCompleted,
}

// PostReviewStatuses are the statuses in which final labels are set.
var PostReviewStatuses = []string{
	StatusReviewed,
	StatusClientApproved,
	StatusClientRejected,
	StatusCompleted,
}

func IsPostReview(status string) bool {
	for _, s := range PostReviewStatuses {
		if s == status {
			return true
		}
	}
	return false
}

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionCorrect = "correct"
)

type Project struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	TaskType      labels.TaskType `json:"task_type" enum:"ner,sentiment,classification"`
	Language      string          `json:"language"`
	EntityClasses []string        `json:"entity_classes,omitempty"`
	Categories    []string        `json:"categories,omitempty"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	UpdatedAt     string          `json:"updated_at" format:"date-time"`
}

// Rules returns the label constraints of the project.
func (p Project) Rules() labels.Rules {
	return labels.Rules{TaskType: p.TaskType, EntityClasses: p.EntityClasses, Categories: p.Categories}
}

type TaskMetadata struct {
	SourceFile    string         `json:"source_file,omitempty"`
	SentenceIndex *int           `json:"sentence_index,omitempty"`
	FullText      string         `json:"full_text,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

type Task struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Text        string          `json:"text"`
	Metadata    *TaskMetadata   `json:"metadata,omitempty"`
	AutoLabels  *labels.Payload `json:"auto_labels,omitempty"`
	Confidence  *float64        `json:"confidence,omitempty"`
	Model       string          `json:"model,omitempty"`
	FinalLabels *labels.Payload `json:"final_labels,omitempty"`
	Status      string          `json:"status" enum:"uploaded,auto_labeled,in_review,reviewed,client_approved,client_rejected,completed"`
	AnnotatorID *string         `json:"annotator_id,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
	ReviewedAt  *string         `json:"reviewed_at,omitempty" format:"date-time"`
}

type Feedback struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	TaskID          string          `json:"task_id"`
	Action          string          `json:"action" enum:"approve,reject,correct"`
	Comment         string          `json:"comment,omitempty"`
	CorrectedLabels *labels.Payload `json:"corrected_labels,omitempty"`
	SubmittedBy     string          `json:"submitted_by"`
	ClientName      string          `json:"client_name,omitempty"`
	ClientEmail     string          `json:"client_email,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
}

type Annotator struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AnnotatorStats struct {
	Annotator
	TasksReviewed int     `json:"tasks_reviewed"`
	Corrections   int     `json:"corrections"`
	Approved      int     `json:"approved"`
	Rejected      int     `json:"rejected"`
	Accuracy      float64 `json:"accuracy"`
}

type Guideline struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Version   int    `json:"version"`
	IsActive  bool   `json:"is_active"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProjectStats struct {
	ProjectID         string         `json:"project_id"`
	Total             int            `json:"total"`
	Counts            map[string]int `json:"counts"`
	CompletionRate    float64        `json:"completion_rate"`
	AverageConfidence float64        `json:"average_confidence"`
	Feedback          map[string]int `json:"feedback"`
	Corrections       int            `json:"corrections"`
}

type ExportRecord struct {
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	Metadata    *TaskMetadata   `json:"metadata,omitempty"`
	AutoLabels  *labels.Payload `json:"auto_labels,omitempty"`
	FinalLabels *labels.Payload `json:"final_labels"`
	Confidence  *float64        `json:"confidence,omitempty"`
	Status      string          `json:"status"`
	AnnotatorID *string         `json:"annotator_id,omitempty"`
	ReviewedAt  *string         `json:"reviewed_at,omitempty"`
}
