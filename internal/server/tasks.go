package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"labelflow/internal/domain"
	"labelflow/internal/engine"
	"labelflow/internal/engine/auth"
	"labelflow/internal/labels"
	"labelflow/internal/repo"
)

type taskPath struct {
	ProjectID string `path:"project_id"`
	TaskID    string `path:"task_id"`
}

// scopedTask fails with not found when the task belongs to another project.
func scopedTask(ctx context.Context, e engine.Engine, in taskPath) error {
	_, err := e.GetTask(ctx, in.ProjectID, in.TaskID)
	return err
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks by ascending id",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		Status      string `query:"status"`
		AnnotatorID string `query:"annotator_id"`
		Cursor      string `query:"cursor"`
		Limit       int    `query:"limit"`
	}) (*jsonBody[TaskPage], error) {
		if _, authErr := authorize(ctx, auth.PermProjectRead); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListTasks(ctx, engine.TaskListOptions{
			ProjectID:   input.ProjectID,
			Status:      input.Status,
			AnnotatorID: input.AnnotatorID,
			Cursor:      input.Cursor,
			Limit:       limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := TaskPage{Items: nonNilSlice(items)}
		if len(items) == limit {
			page.NextCursor = items[len(items)-1].ID
		}
		return reply(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}",
		Summary:     "Get task",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*jsonBody[domain.Task], error) {
		if _, authErr := authorize(ctx, auth.PermProjectRead); authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, input.ProjectID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/requeue",
		Summary:     "Send a rejected task back to review",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*jsonBody[domain.Task], error) {
		p, authErr := authorize(ctx, auth.PermTaskManage)
		if authErr != nil {
			return nil, authErr
		}
		if err := scopedTask(ctx, e, *input); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Requeue(ctx, input.TaskID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/complete",
		Summary:     "Close a task",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*jsonBody[domain.Task], error) {
		p, authErr := authorize(ctx, auth.PermTaskManage)
		if authErr != nil {
			return nil, authErr
		}
		if err := scopedTask(ctx, e, *input); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Complete(ctx, input.TaskID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerLabeling(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "auto-label-batch",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/auto-label",
		Summary:     "Auto-label a batch of uploaded tasks",
		Description: "Per task failures are reported in the result; they never fail the request.",
		Tags:        []string{"labeling"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      *AutoLabelRequest `json:"body" required:"false"`
	}) (*jsonBody[engine.BatchResult], error) {
		p, authErr := authorize(ctx, auth.PermLabelRun)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.LabelBatchOptions{ProjectID: input.ProjectID, ActorID: p.ActorID}
		if b := input.Body; b != nil {
			opts.TaskIDs = b.TaskIDs
			opts.BatchSize = b.BatchSize
			opts.Concurrency = b.Concurrency
			opts.Timeout = time.Duration(b.TimeoutSeconds) * time.Second
		}
		res, err := e.LabelBatch(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-label-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/auto-label",
		Summary:     "Auto-label one uploaded task",
		Tags:        []string{"labeling"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *taskPath) (*jsonBody[domain.Task], error) {
		p, authErr := authorize(ctx, auth.PermLabelRun)
		if authErr != nil {
			return nil, authErr
		}
		if err := scopedTask(ctx, e, *input); err != nil {
			return nil, handleError(err)
		}
		t, err := e.SubmitForLabeling(ctx, input.TaskID, p.ActorID, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/pending",
		Summary:     "Review queue, least confident first",
		Tags:        []string{"review"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		AnnotatorID string `query:"annotator_id"`
		Limit       int    `query:"limit" maximum:"200"`
	}) (*jsonBody[[]domain.Task], error) {
		p, authErr := authorize(ctx, auth.PermTaskReview)
		if authErr != nil {
			return nil, authErr
		}
		annotator := input.AnnotatorID
		if annotator == "" && !auth.Has(p.Roles, auth.PermTaskManage) {
			annotator = p.ActorID
		} else if annotator != "" {
			var err error
			if annotator, err = actingAnnotator(p, annotator); err != nil {
				return nil, handleError(err)
			}
		}
		tasks, err := e.PendingTasks(ctx, input.ProjectID, annotator, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(tasks)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/claim",
		Summary:     "Start reviewing a task",
		Tags:        []string{"review"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		TaskID    string        `path:"task_id"`
		Body      *ClaimRequest `json:"body" required:"false"`
	}) (*jsonBody[domain.Task], error) {
		p, authErr := authorize(ctx, auth.PermTaskReview)
		if authErr != nil {
			return nil, authErr
		}
		requested := ""
		if input.Body != nil {
			requested = input.Body.AnnotatorID
		}
		annotator, err := actingAnnotator(p, requested)
		if err != nil {
			return nil, handleError(err)
		}
		if err := scopedTask(ctx, e, taskPath{ProjectID: input.ProjectID, TaskID: input.TaskID}); err != nil {
			return nil, handleError(err)
		}
		t, err := e.ClaimTask(ctx, input.TaskID, annotator)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/review",
		Summary:     "Submit final labels",
		Tags:        []string{"review"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		TaskID    string        `path:"task_id"`
		Body      ReviewRequest `json:"body"`
	}) (*jsonBody[domain.Task], error) {
		p, authErr := authorize(ctx, auth.PermTaskReview)
		if authErr != nil {
			return nil, authErr
		}
		annotator, err := actingAnnotator(p, input.Body.AnnotatorID)
		if err != nil {
			return nil, handleError(err)
		}
		payload, err := labels.FromWire(input.Body.FinalLabels)
		if err != nil {
			return nil, handleError(err)
		}
		if err := scopedTask(ctx, e, taskPath{ProjectID: input.ProjectID, TaskID: input.TaskID}); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Review(ctx, engine.ReviewOptions{TaskID: input.TaskID, FinalLabels: payload, AnnotatorID: annotator})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerClient(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sample-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sample",
		Summary:     "Reviewed tasks for client inspection",
		Tags:        []string{"client"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" maximum:"200"`
	}) (*jsonBody[[]domain.Task], error) {
		if _, authErr := authorize(ctx, auth.PermTaskSample); authErr != nil {
			return nil, authErr
		}
		tasks, err := e.FetchSample(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(tasks), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-feedback",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks/{task_id}/feedback",
		Summary:       "Approve, reject or correct a reviewed task",
		Tags:          []string{"client"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		TaskID    string          `path:"task_id"`
		Body      FeedbackRequest `json:"body"`
	}) (*jsonBody[engine.FeedbackResult], error) {
		p, authErr := authorize(ctx, auth.PermFeedbackWrite)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.FeedbackOptions{
			TaskID:      input.TaskID,
			Action:      input.Body.Action,
			Comment:     input.Body.Comment,
			SubmittedBy: p.ActorID,
			ClientName:  input.Body.ClientName,
			ClientEmail: input.Body.ClientEmail,
		}
		if input.Body.CorrectedLabels != nil {
			payload, err := labels.FromWire(*input.Body.CorrectedLabels)
			if err != nil {
				return nil, handleError(err)
			}
			opts.CorrectedLabels = &payload
		}
		if err := scopedTask(ctx, e, taskPath{ProjectID: input.ProjectID, TaskID: input.TaskID}); err != nil {
			return nil, handleError(err)
		}
		res, err := e.SubmitFeedback(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-feedback",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}/feedback",
		Summary:     "Feedback history of a task",
		Tags:        []string{"client"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*jsonBody[[]domain.Feedback], error) {
		if _, authErr := authorize(ctx, auth.PermFeedbackRead); authErr != nil {
			return nil, authErr
		}
		if err := scopedTask(ctx, e, *input); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListFeedback(ctx, repo.FeedbackFilters{ProjectID: input.ProjectID, TaskID: input.TaskID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-feedback",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/feedback",
		Summary:     "Feedback received on a project",
		Tags:        []string{"client"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Action    string `query:"action"`
		Limit     int    `query:"limit"`
	}) (*jsonBody[[]domain.Feedback], error) {
		if _, authErr := authorize(ctx, auth.PermFeedbackRead); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListFeedback(ctx, repo.FeedbackFilters{ProjectID: input.ProjectID, Action: input.Action, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})
}
