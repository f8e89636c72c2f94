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

type installationBody struct {
	Body domain.Installation `json:"body"`
}

type installationPath struct {
	ID string `path:"id"`
}

func registerInstallations(api huma.API, e engine.Engine, svc auth.Service) {
	manageErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-installation",
		Method:        http.MethodPost,
		Path:          "/installations",
		Summary:       "Register a module installation",
		Tags:          []string{"installations"},
		DefaultStatus: http.StatusCreated,
		Errors:        manageErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateInstallationRequest `json:"body"`
	}) (*installationBody, error) {
		actorID, err := requirePermission(ctx, svc, auth.PermInstallationsManage)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.InstallOptions{
			EngagementID: input.Body.EngagementID,
			ModuleID:     input.Body.ModuleID,
			CustomerID:   input.Body.CustomerID,
			ExpertID:     input.Body.ExpertID,
			Config:       input.Body.Config,
			Features:     input.Body.Features,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		in, err := e.Install(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &installationBody{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-installations",
		Method:      http.MethodGet,
		Path:        "/installations",
		Summary:     "List installations",
		Tags:        []string{"installations"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EngagementID string `query:"engagement_id"`
		ExpertID     string `query:"expert_id"`
		CustomerID   string `query:"customer_id"`
		ModuleID     string `query:"module_id"`
		Status       string `query:"status" enum:"pending,installing,active,paused,error,uninstalled,"`
	}) (*struct {
		Body []domain.Installation `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListInstallations(ctx, repo.InstallationFilters{
			EngagementID: input.EngagementID,
			ExpertID:     input.ExpertID,
			CustomerID:   input.CustomerID,
			ModuleID:     input.ModuleID,
			Status:       input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Installation `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-installation",
		Method:      http.MethodGet,
		Path:        "/installations/{id}",
		Summary:     "Get installation",
		Tags:        []string{"installations"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *installationPath) (*installationBody, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		in, err := e.GetInstallation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &installationBody{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-installation",
		Method:      http.MethodPost,
		Path:        "/installations/{id}/activate",
		Summary:     "Mark an installation active",
		Tags:        []string{"installations"},
		Errors:      manageErrors,
	}, func(ctx context.Context, input *installationPath) (*installationBody, error) {
		actorID, err := requirePermission(ctx, svc, auth.PermInstallationsManage)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := e.MarkActivated(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &installationBody{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-installation-status",
		Method:      http.MethodPost,
		Path:        "/installations/{id}/status",
		Summary:     "Move an installation through its lifecycle",
		Tags:        []string{"installations"},
		Errors:      manageErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body InstallationStatusRequest `json:"body"`
	}) (*installationBody, error) {
		actorID, err := requirePermission(ctx, svc, auth.PermInstallationsManage)
		if err != nil {
			return nil, handleError(err)
		}
		var in domain.Installation
		switch input.Body.Status {
		case domain.InstallationInstalling:
			in, err = e.MarkInstalling(ctx, input.ID, actorID)
		case domain.InstallationActive:
			in, err = e.GetInstallation(ctx, input.ID)
			if err != nil {
				break
			}
			if in.Status == domain.InstallationPaused {
				in, err = e.Resume(ctx, input.ID, actorID)
			} else {
				in, err = e.MarkActivated(ctx, input.ID, actorID)
			}
		case domain.InstallationPaused:
			in, err = e.Pause(ctx, input.ID, actorID)
		case domain.InstallationError:
			in, err = e.MarkError(ctx, input.ID, input.Body.Message, actorID)
		default:
			err = domain.BadInput("status", "cannot move to %q; use uninstall to remove", input.Body.Status)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &installationBody{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "uninstall-installation",
		Method:      http.MethodPost,
		Path:        "/installations/{id}/uninstall",
		Summary:     "Uninstall; usage counters are frozen",
		Tags:        []string{"installations"},
		Errors:      manageErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body UninstallRequest `json:"body"`
	}) (*installationBody, error) {
		actorID, err := requirePermission(ctx, svc, auth.PermInstallationsManage)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := e.Uninstall(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &installationBody{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-installation-request",
		Method:      http.MethodPost,
		Path:        "/installations/{id}/requests",
		Summary:     "Record one request served by the installation",
		Tags:        []string{"installations"},
		Errors:      manageErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RecordRequestRequest `json:"body"`
	}) (*installationBody, error) {
		actorID, err := requirePermission(ctx, svc, auth.PermTasksWrite)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := e.RecordRequest(ctx, input.ID, input.Body.Success, input.Body.CostCents, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &installationBody{Body: in}, nil
	})
}
