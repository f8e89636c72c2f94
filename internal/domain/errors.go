package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes carried in service errors and API error envelopes.
const (
	CodeBadRequest           = "bad_request"
	CodeNotFound             = "not_found"
	CodeInvalidTransition    = "invalid_transition"
	CodeAlreadyUninstalled   = "already_uninstalled"
	CodeAuthorizationFailed  = "authorization_failed"
	CodeForbidden            = "forbidden"
	CodeValidationFailed     = "validation_failed"
	CodeDeploymentStalled    = "deployment_stalled"
	CodeVerificationDegraded = "verification_degraded"
	CodeInternal             = "internal_error"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAuthorizationFailed = errors.New("webhook authorization failed")
)

// ServiceError is implemented by errors that map onto a categorised service error.
type ServiceError interface {
	ToServiceError() *goerrors.Error
}

// InvalidTransitionError reports an action that the entity's current state does not allow.
type InvalidTransitionError struct {
	Entity  string
	ID      string
	Current string
	Action  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from %s", e.Entity, e.ID, e.Action, e.Current)
}

func (e *InvalidTransitionError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(CodeInvalidTransition).
		WithMetadata(map[string]any{
			"entity":  e.Entity,
			"id":      e.ID,
			"current": e.Current,
			"action":  e.Action,
		})
}

type AlreadyUninstalledError struct {
	ID string
}

func (e *AlreadyUninstalledError) Error() string {
	return fmt.Sprintf("installation %s is already uninstalled", e.ID)
}

func (e *AlreadyUninstalledError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(CodeAlreadyUninstalled).
		WithMetadata(map[string]any{"id": e.ID})
}

// BadInputError is returned for a request field that fails validation.
type BadInputError struct {
	Field  string
	Reason string
}

func (e *BadInputError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *BadInputError) ToServiceError() *goerrors.Error {
	err := goerrors.New(e.Error(), goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(CodeBadRequest)
	if e.Field != "" {
		err.WithMetadata(map[string]any{"field": e.Field})
	}
	return err
}

func BadInput(field, format string, args ...any) error {
	return &BadInputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidationFailedError is returned when a deployment build does not pass the gate.
type ValidationFailedError struct {
	CustomerID string
	Verdict    string
	Failed     []string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("deployment %s failed validation: %s", e.CustomerID, strings.Join(e.Failed, ", "))
}

func (e *ValidationFailedError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryValidation).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(CodeValidationFailed).
		WithMetadata(map[string]any{
			"customer_id":   e.CustomerID,
			"verdict":       e.Verdict,
			"failed_checks": e.Failed,
		})
}

type StalledDeploymentError struct {
	DeploymentID string
	LastStep     string
	Idle         string
}

func (e *StalledDeploymentError) Error() string {
	return fmt.Sprintf("deployment %s stalled at %s (no progress for %s)", e.DeploymentID, e.LastStep, e.Idle)
}

func (e *StalledDeploymentError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryOperation).
		WithCode(http.StatusGatewayTimeout).
		WithTextCode(CodeDeploymentStalled).
		WithMetadata(map[string]any{"deployment_id": e.DeploymentID, "last_step": e.LastStep})
}

type VerificationDegradedError struct {
	DeploymentID string
	Services     []string
}

func (e *VerificationDegradedError) Error() string {
	return fmt.Sprintf("deployment %s verification degraded: %s", e.DeploymentID, strings.Join(e.Services, ", "))
}

func (e *VerificationDegradedError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(CodeVerificationDegraded).
		WithMetadata(map[string]any{"deployment_id": e.DeploymentID, "services": e.Services})
}

// ToServiceError maps any error onto a categorised service error. Unknown
// errors become internal errors.
func ToServiceError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}
	var se ServiceError
	if errors.As(err, &se) {
		return se.ToServiceError()
	}
	if errors.Is(err, ErrNotFound) {
		return goerrors.New(err.Error(), goerrors.CategoryNotFound).
			WithCode(http.StatusNotFound).
			WithTextCode(CodeNotFound)
	}
	if errors.Is(err, ErrAuthorizationFailed) {
		return goerrors.New(err.Error(), goerrors.CategoryAuth).
			WithCode(http.StatusUnauthorized).
			WithTextCode(CodeAuthorizationFailed)
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, "internal error").
		WithCode(http.StatusInternalServerError).
		WithTextCode(CodeInternal)
}
