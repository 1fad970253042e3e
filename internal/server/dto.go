package server

import (
	"labelflow/internal/domain"
	"labelflow/internal/labels"
)

type CreateProjectRequest struct {
	ID            string   `json:"id,omitempty" doc:"Optional id; generated when empty"`
	Name          string   `json:"name" minLength:"1"`
	Description   string   `json:"description,omitempty"`
	TaskType      string   `json:"task_type" enum:"ner,sentiment,classification"`
	Language      string   `json:"language,omitempty"`
	EntityClasses []string `json:"entity_classes,omitempty"`
	Categories    []string `json:"categories,omitempty"`
}

type UpdateProjectRequest struct {
	Description   *string   `json:"description,omitempty"`
	EntityClasses *[]string `json:"entity_classes,omitempty"`
	Categories    *[]string `json:"categories,omitempty"`
}

type TaskPage struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type AutoLabelRequest struct {
	TaskIDs        []string `json:"task_ids,omitempty"`
	BatchSize      int      `json:"batch_size,omitempty" minimum:"0"`
	Concurrency    int      `json:"concurrency,omitempty" minimum:"0"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" minimum:"0"`
}

type ClaimRequest struct {
	AnnotatorID string `json:"annotator_id,omitempty"`
}

type ReviewRequest struct {
	FinalLabels labels.Wire `json:"final_labels"`
	AnnotatorID string      `json:"annotator_id,omitempty" doc:"Defaults to the caller"`
}

type FeedbackRequest struct {
	Action          string       `json:"action" enum:"approve,reject,correct"`
	Comment         string       `json:"comment,omitempty"`
	CorrectedLabels *labels.Wire `json:"corrected_labels,omitempty"`
	ClientName      string       `json:"client_name,omitempty"`
	ClientEmail     string       `json:"client_email,omitempty"`
}

type GuidelineRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type AnnotatorRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type APIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"admin,annotator,client"`
	Name    string `json:"name,omitempty"`
}

type EventPage struct {
	Items []domain.Event `json:"items"`
	// NextBefore continues the listing with older events.
	NextBefore int64 `json:"next_before,omitempty"`
}

type MeResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

// APIKeyResponse omits the hash.
type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key,omitempty" doc:"Only returned once, at creation"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Role: k.Role, Name: k.Name, CreatedAt: k.CreatedAt}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
