package server

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"go.uber.org/zap"

	"mcpplane/internal/domain"
	"mcpplane/internal/engine/auth"
	"mcpplane/internal/observability"
	"mcpplane/internal/progress"
)

type customerPath struct {
	CustomerID string `path:"customer_id"`
}

// resolveBuildDir returns the directory to validate for customerID. An
// explicit dir is taken relative to root and may not leave it.
func resolveBuildDir(root, customerID, dir string) (string, error) {
	if strings.ContainsAny(customerID, `/\`) || customerID == ".." {
		return "", domain.BadInput("customer_id", "must not contain path separators")
	}
	if dir == "" {
		return filepath.Join(root, customerID), nil
	}
	if root == "" {
		return filepath.Clean(dir), nil
	}
	if filepath.IsAbs(dir) {
		return "", domain.BadInput("build_dir", "must be relative to the build root")
	}
	joined := filepath.Join(root, dir)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", domain.BadInput("build_dir", "escapes the build root")
	}
	return joined, nil
}

func registerDeployments(api huma.API, cfg Config, svc auth.Service) {
	e := cfg.Engine

	validateBuild := func(ctx context.Context, customerID, dir, actorID string) (ValidationResponse, error) {
		if cfg.Validator == nil {
			return ValidationResponse{}, newAPIError(http.StatusServiceUnavailable, "validator_unavailable", "build validator is not configured", nil)
		}
		buildDir, err := resolveBuildDir(cfg.BuildRoot, customerID, dir)
		if err != nil {
			return ValidationResponse{}, err
		}
		report := cfg.Validator.Run(ctx, buildDir)
		rec, err := e.RecordValidation(ctx, customerID, report, actorID)
		if err != nil {
			return ValidationResponse{}, err
		}
		return ValidationResponse{
			ID:         rec.ID,
			CustomerID: rec.CustomerID,
			CreatedAt:  rec.CreatedAt,
			CreatedBy:  rec.CreatedBy,
			ExitCode:   report.ExitCode(),
			Report:     report,
		}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "validate-deployment",
		Method:      http.MethodPost,
		Path:        "/deployments/{customer_id}/validate",
		Summary:     "Validate a staged build",
		Description: "Runs every build check. A failing build is reported with exit_code 1; the request itself still succeeds.",
		Tags:        []string{"deployments"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CustomerID string            `path:"customer_id"`
		Body       DeploymentRequest `json:"body" required:"false"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, svc, auth.PermDeploymentsRun)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := validateBuild(ctx, input.CustomerID, input.Body.BuildDir, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-deployment",
		Method:        http.MethodPost,
		Path:          "/deployments/{customer_id}",
		Summary:       "Validate and deploy a staged build",
		Description:   "Progress is streamed on the progress endpoint. A build that fails validation is never handed to the job service.",
		Tags:          []string{"deployments"},
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CustomerID string            `path:"customer_id"`
		Body       DeploymentRequest `json:"body" required:"false"`
	}) (*struct {
		Body DeploymentResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, svc, auth.PermDeploymentsRun)
		if err != nil {
			return nil, handleError(err)
		}
		if cfg.Pipeline == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "deployments_unavailable", "deployment pipeline is not configured", nil)
		}
		if cfg.Streamer != nil && cfg.Streamer.Running(input.CustomerID) {
			return nil, newAPIError(http.StatusConflict, "deployment_running", "deployment "+input.CustomerID+" is already running", nil)
		}
		validation, err := validateBuild(ctx, input.CustomerID, input.Body.BuildDir, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !validation.Report.Passed() {
			return nil, handleError(&domain.ValidationFailedError{
				CustomerID: input.CustomerID,
				Verdict:    string(validation.Report.Verdict),
				Failed:     validation.Report.FailedChecks(),
			})
		}
		if err := cfg.Pipeline.Launch(ctx, input.CustomerID); err != nil {
			return nil, handleError(err)
		}
		if err := e.RecordDeploymentStarted(ctx, input.CustomerID, validation.ID, actorID); err != nil {
			observability.LoggerFrom(ctx, nil).Error("record deployment start", zap.String("customer_id", input.CustomerID), zap.Error(err))
		}
		return &struct {
			Body DeploymentResponse `json:"body"`
		}{Body: DeploymentResponse{CustomerID: input.CustomerID, Started: true, Validation: &validation}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment",
		Method:      http.MethodGet,
		Path:        "/deployments/{customer_id}",
		Summary:     "Latest progress of a deployment",
		Tags:        []string{"deployments"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *customerPath) (*struct {
		Body progress.State `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, svc, auth.PermDeploymentsRead); err != nil {
			return nil, handleError(err)
		}
		var (
			state progress.State
			ok    bool
		)
		if cfg.Streamer != nil {
			state, ok = cfg.Streamer.Snapshot(input.CustomerID)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, domain.CodeNotFound, "deployment "+input.CustomerID+" not found", nil)
		}
		return &struct {
			Body progress.State `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-validation",
		Method:      http.MethodGet,
		Path:        "/deployments/{customer_id}/validation",
		Summary:     "Most recent validation report",
		Tags:        []string{"deployments"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *customerPath) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, svc, auth.PermDeploymentsRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.LatestValidation(ctx, input.CustomerID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := validationResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: resp}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "deployment-progress",
		Method:      http.MethodGet,
		Path:        "/deployments/{customer_id}/progress",
		Summary:     "Stream deployment progress",
		Description: "Server-sent events, one per step. The stream ends after the terminal event; reconnecting with the same customer id resumes it.",
		Tags:        []string{"deployments"},
	}, map[string]any{
		"progress": progress.Event{},
	}, func(ctx context.Context, input *customerPath, send sse.Sender) {
		if _, err := requirePermission(ctx, svc, auth.PermDeploymentsRead); err != nil {
			_ = send.Data(progress.Event{DeploymentID: input.CustomerID, Message: err.Error(), Terminal: true})
			return
		}
		if cfg.Streamer == nil {
			return
		}
		logger := observability.LoggerFrom(ctx, nil).With(zap.String("deployment_id", input.CustomerID))
		events, cancel := cfg.Streamer.Subscribe(input.CustomerID)
		defer cancel()
		// A consumer joining mid-run first sees where the deployment is.
		var sent int64
		if state, ok := cfg.Streamer.Snapshot(input.CustomerID); ok && state.Last.Seq > 0 && !state.Last.Terminal {
			if err := send.Data(state.Last); err != nil {
				return
			}
			sent = state.Last.Seq
		}
		for {
			select {
			case <-ctx.Done():
				logger.Debug("progress consumer went away")
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Seq <= sent && !ev.Terminal {
					continue
				}
				if err := send.Data(ev); err != nil {
					logger.Debug("progress send failed", zap.Error(err))
					return
				}
				if ev.Terminal {
					return
				}
			}
		}
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Describe the calling principal",
		Tags:        []string{"auth"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		perms := p.Permissions
		if p.Source == sourceLocal {
			perms = []string{"*"}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(perms),
			Source:      p.Source,
		}}, nil
	})
}
