package labelflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal labelflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		BasePath:  "/v0",
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Labels is the flat JSON form of a label payload.
type Labels struct {
	Type     string             `json:"type"`
	Entities []Entity           `json:"entities,omitempty"`
	Label    string             `json:"label,omitempty"`
	Category string             `json:"category,omitempty"`
	Scores   map[string]float64 `json:"scores,omitempty"`
}

type Entity struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Class string `json:"class"`
	Text  string `json:"text,omitempty"`
}

type Project struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	TaskType      string   `json:"task_type"`
	Language      string   `json:"language"`
	EntityClasses []string `json:"entity_classes,omitempty"`
	Categories    []string `json:"categories,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Text        string   `json:"text"`
	Status      string   `json:"status"`
	AutoLabels  *Labels  `json:"auto_labels,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	FinalLabels *Labels  `json:"final_labels,omitempty"`
	AnnotatorID *string  `json:"annotator_id,omitempty"`
	ReviewedAt  *string  `json:"reviewed_at,omitempty"`
}

type Feedback struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"task_id"`
	Action          string  `json:"action"`
	Comment         string  `json:"comment,omitempty"`
	CorrectedLabels *Labels `json:"corrected_labels,omitempty"`
	SubmittedBy     string  `json:"submitted_by"`
	CreatedAt       string  `json:"created_at"`
}

type FeedbackResult struct {
	Feedback Feedback `json:"feedback"`
	Task     Task     `json:"task"`
}

type UploadResult struct {
	ProjectID string   `json:"project_id"`
	Created   int      `json:"tasks_created"`
	TaskIDs   []string `json:"task_ids"`
}

type BatchResult struct {
	Requested int `json:"requested"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Failures  []struct {
		TaskID string `json:"task_id"`
		Error  string `json:"error"`
	} `json:"failures,omitempty"`
}

type Stats struct {
	ProjectID         string         `json:"project_id"`
	Total             int            `json:"total"`
	Counts            map[string]int `json:"counts"`
	CompletionRate    float64        `json:"completion_rate"`
	AverageConfidence float64        `json:"average_confidence"`
	Feedback          map[string]int `json:"feedback"`
	Corrections       int            `json:"corrections"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps event listings; pass NextBefore to fetch older ones.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextBefore int64   `json:"next_before"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project; the client's ProjectID is left unchanged.
func (c *Client) CreateProject(ctx context.Context, p Project) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", p, &resp)
	return resp, err
}

// Upload sends a dataset file body. format may be empty when filename has a
// known extension.
func (c *Client) Upload(ctx context.Context, filename, format string, data []byte) (UploadResult, error) {
	q := url.Values{}
	if filename != "" {
		q.Set("filename", filename)
	}
	if format != "" {
		q.Set("format", format)
	}
	var resp UploadResult
	err := c.doRaw(ctx, http.MethodPost, withQuery(c.projectPath("uploads"), q), "application/octet-stream", bytes.NewReader(data), &resp)
	return resp, err
}

// AutoLabel labels uploaded tasks; empty taskIDs takes the oldest batch.
func (c *Client) AutoLabel(ctx context.Context, taskIDs []string, batchSize int) (BatchResult, error) {
	body := map[string]any{}
	if len(taskIDs) > 0 {
		body["task_ids"] = taskIDs
	}
	if batchSize > 0 {
		body["batch_size"] = batchSize
	}
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, c.projectPath("auto-label"), body, &resp)
	return resp, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// Pending returns tasks awaiting review, least confident first.
func (c *Client) Pending(ctx context.Context, annotatorID string, limit int) ([]Task, error) {
	q := url.Values{}
	if annotatorID != "" {
		q.Set("annotator_id", annotatorID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("tasks/pending"), q), nil, &resp)
	return resp, err
}

// Claim moves a task into review for the caller.
func (c *Client) Claim(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "claim"), map[string]any{}, &resp)
	return resp, err
}

// Review submits final labels as the caller.
func (c *Client) Review(ctx context.Context, taskID string, final Labels) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "review"), map[string]any{"final_labels": final}, &resp)
	return resp, err
}

// Sample returns reviewed tasks for client validation.
func (c *Client) Sample(ctx context.Context, limit int) ([]Task, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("sample"), q), nil, &resp)
	return resp, err
}

// SubmitFeedback records approve, reject or correct on a reviewed task.
func (c *Client) SubmitFeedback(ctx context.Context, taskID, action, comment string, corrected *Labels) (FeedbackResult, error) {
	body := map[string]any{"action": action}
	if comment != "" {
		body["comment"] = comment
	}
	if corrected != nil {
		body["corrected_labels"] = corrected
	}
	var resp FeedbackResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "feedback"), body, &resp)
	return resp, err
}

// Requeue sends a rejected task back to review.
func (c *Client) Requeue(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "requeue"), nil, &resp)
	return resp, err
}

// Complete closes a task.
func (c *Client) Complete(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "complete"), nil, &resp)
	return resp, err
}

// Stats returns the project's status counts and completion rate.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, c.projectPath("stats"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns events older than before, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, before int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("events"), q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.doRaw(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) taskPath(taskID, action string) string {
	p := c.projectPath("tasks/" + url.PathEscape(taskID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if prefix := strings.Trim(c.BasePath, "/"); prefix != "" {
		base += "/" + prefix
	}
	return base
}
