package server

import (
	"bytes"
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"labelflow/internal/domain"
	"labelflow/internal/engine"
	"labelflow/internal/engine/auth"
	"labelflow/internal/repo"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		Tags:          []string{"projects"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*jsonBody[domain.Project], error) {
		p, authErr := authorize(ctx, auth.PermProjectWrite)
		if authErr != nil {
			return nil, authErr
		}
		project, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:            input.Body.ID,
			Name:          input.Body.Name,
			Description:   input.Body.Description,
			TaskType:      input.Body.TaskType,
			Language:      input.Body.Language,
			EntityClasses: input.Body.EntityClasses,
			Categories:    input.Body.Categories,
			ActorID:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(project), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Tags:        []string{"projects"},
	}, func(ctx context.Context, _ *struct{}) (*jsonBody[[]domain.Project], error) {
		if _, authErr := authorize(ctx, auth.PermProjectRead); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*jsonBody[domain.Project], error) {
		if _, authErr := authorize(ctx, auth.PermProjectRead); authErr != nil {
			return nil, authErr
		}
		project, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(project), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*jsonBody[domain.Project], error) {
		p, authErr := authorize(ctx, auth.PermProjectWrite)
		if authErr != nil {
			return nil, authErr
		}
		project, err := e.UpdateProject(ctx, engine.ProjectUpdateOptions{
			ID:            input.ProjectID,
			Description:   input.Body.Description,
			EntityClasses: input.Body.EntityClasses,
			Categories:    input.Body.Categories,
			ActorID:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(project), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project with its tasks and feedback",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*jsonBody[StatusResponse], error) {
		p, authErr := authorize(ctx, auth.PermProjectWrite)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, input.ProjectID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{Status: "deleted"}), nil
	})
}

func registerUploads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-dataset",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/uploads",
		Summary:       "Upload a dataset",
		Description:   "The raw request body is parsed as csv, json, jsonl or txt. The format comes from the format parameter or the filename extension.",
		Tags:          []string{"datasets"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Filename  string `query:"filename"`
		Format    string `query:"format" doc:"csv, json, jsonl or txt"`
	}) (*jsonBody[engine.UploadResult], error) {
		p, authErr := authorize(ctx, auth.PermDatasetUpload)
		if authErr != nil {
			return nil, authErr
		}
		data := bodyBytes(ctx)
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "invalid_dataset", "body required", nil)
		}
		res, err := e.Upload(ctx, engine.UploadOptions{
			ProjectID: input.ProjectID,
			Filename:  input.Filename,
			Format:    input.Format,
			Data:      bytes.NewReader(data),
			ActorID:   p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-stats",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stats",
		Summary:     "Project statistics",
		Tags:        []string{"reports"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*jsonBody[domain.ProjectStats], error) {
		if _, authErr := authorize(ctx, auth.PermStatsRead); authErr != nil {
			return nil, authErr
		}
		st, err := e.Stats(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/export",
		Summary:     "Export tasks with final labels",
		Tags:        []string{"reports"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*jsonBody[[]domain.ExportRecord], error) {
		if _, authErr := authorize(ctx, auth.PermExport); authErr != nil {
			return nil, authErr
		}
		records, err := e.Export(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(records), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "annotator-stats",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/annotators",
		Summary:     "Per annotator throughput and acceptance",
		Tags:        []string{"reports"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*jsonBody[[]domain.AnnotatorStats], error) {
		if _, authErr := authorize(ctx, auth.PermStatsRead); authErr != nil {
			return nil, authErr
		}
		out, err := e.AnnotatorStats(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(out), nil
	})
}

func registerGuidelines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-guidelines",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/guidelines",
		Summary:     "List guideline versions",
		Tags:        []string{"guidelines"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Active    bool   `query:"active"`
	}) (*jsonBody[[]domain.Guideline], error) {
		if _, authErr := authorize(ctx, auth.PermGuidelineRead); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListGuidelines(ctx, input.ProjectID, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-guideline",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/guidelines",
		Summary:       "Publish a new guideline version",
		Tags:          []string{"guidelines"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      GuidelineRequest `json:"body"`
	}) (*jsonBody[domain.Guideline], error) {
		p, authErr := authorize(ctx, auth.PermGuidelineWrite)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CreateGuideline(ctx, engine.GuidelineCreateOptions{
			ProjectID: input.ProjectID,
			Title:     input.Body.Title,
			Content:   input.Body.Content,
			ActorID:   p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g), nil
	})
}

func registerAnnotators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-annotator",
		Method:      http.MethodPost,
		Path:        "/annotators",
		Summary:     "Register or rename an annotator",
		Tags:        []string{"annotators"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body AnnotatorRequest `json:"body"`
	}) (*jsonBody[domain.Annotator], error) {
		p, authErr := authorize(ctx, auth.PermAnnotatorManage)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RegisterAnnotator(ctx, domain.Annotator{ID: input.Body.ID, Name: input.Body.Name, Email: input.Body.Email}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Project event log, newest first",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		EntityID  string `query:"entity_id"`
		Limit     int    `query:"limit"`
		Before    int64  `query:"before" doc:"Return events older than this id"`
	}) (*jsonBody[EventPage], error) {
		if _, authErr := authorize(ctx, auth.PermEventsRead); authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListEvents(ctx, repo.EventFilters{
			ProjectID: input.ProjectID,
			Type:      input.Type,
			EntityID:  input.EntityID,
			Limit:     limit,
			Before:    input.Before,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := EventPage{Items: nonNilSlice(items)}
		if len(items) == limit {
			page.NextBefore = items[len(items)-1].ID
		}
		return reply(page), nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		Tags:          []string{"auth"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body APIKeyRequest `json:"body"`
	}) (*jsonBody[APIKeyResponse], error) {
		if _, authErr := authorize(ctx, auth.PermAPIKeyManage); authErr != nil {
			return nil, authErr
		}
		issued, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Role, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		res := apiKeyResponse(issued.APIKey)
		res.Key = issued.Key
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Tags:        []string{"auth"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*jsonBody[[]APIKeyResponse], error) {
		if _, authErr := authorize(ctx, auth.PermAPIKeyManage); authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Revoke an API key",
		Tags:        []string{"auth"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*jsonBody[StatusResponse], error) {
		if _, authErr := authorize(ctx, auth.PermAPIKeyManage); authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{Status: "revoked"}), nil
	})
}
