package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"mcpplane/internal/domain"
	"mcpplane/internal/engine"
	"mcpplane/internal/engine/auth"
	"mcpplane/internal/repo"
)

type taskBody struct {
	Body domain.Task `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		actorID, err := requirePermission(ctx, svc, auth.PermTasksWrite)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.TaskCreateOptions{
			InstallationID: input.Body.InstallationID,
			Type:           input.Body.Type,
			Title:          input.Body.Title,
			Priority:       input.Body.Priority,
			Input:          input.Body.Input,
			ActorID:        actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.DueAt != nil {
			opts.DueAt = *input.Body.DueAt
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EngagementID   string `query:"engagement_id"`
		InstallationID string `query:"installation_id"`
		CustomerID     string `query:"customer_id"`
		Status         string `query:"status" enum:"todo,in_progress,needs_review,completed,failed,cancelled,"`
		Priority       string `query:"priority" enum:"low,medium,high,urgent,"`
		Due            string `query:"due" enum:"overdue,today,week,none,"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, domain.CodeBadRequest, "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{
			EngagementID:    input.EngagementID,
			InstallationID:  input.InstallationID,
			CustomerID:      input.CustomerID,
			Status:          input.Status,
			Priority:        input.Priority,
			Due:             input.Due,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []domain.Task{}}
		if len(tasks) > limit {
			resp.NextCursor = composeCursor(tasks[limit-1].CreatedAt, tasks[limit-1].ID)
			tasks = tasks[:limit]
		}
		resp.Items = nonNilSlice(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskBody, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-action",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/actions",
		Summary:     "Apply a lifecycle action to a task",
		Description: "complete moves the task to needs_review instead of completed when the confidence is below the review threshold or the work was not fully AI handled.",
		Tags:        []string{"tasks"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TaskActionRequest `json:"body"`
	}) (*taskBody, error) {
		perm := auth.PermTasksWrite
		if input.Body.Action == engine.ActionReview {
			perm = auth.PermTasksReview
		}
		actorID, err := requirePermission(ctx, svc, perm)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.ApplyAction(ctx, input.ID, engine.TaskAction{
			Action:       input.Body.Action,
			Output:       input.Body.Output,
			Notes:        input.Body.Notes,
			AIConfidence: input.Body.AIConfidence,
			AIHandled:    input.Body.AIHandled,
			Artifacts:    input.Body.Artifacts,
			Approve:      input.Body.Approve,
			Error:        input.Body.Error,
			CostCents:    input.Body.CostCents,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/events",
		Summary:     "Task audit trail, newest first",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursor, err := parseEventCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, domain.CodeBadRequest, "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.TaskEvents(ctx, input.ID, limit+1, cursor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = formatEventCursor(items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
