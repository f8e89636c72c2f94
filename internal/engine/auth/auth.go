package auth

import (
	"fmt"
	"net/http"
	"sort"

	goerrors "github.com/goliatone/go-errors"

	"mcpplane/internal/config"
	"mcpplane/internal/domain"
)

// Permissions checked by the API.
const (
	PermTasksWrite          = "tasks.write"
	PermTasksReview         = "tasks.review"
	PermInstallationsManage = "installations.manage"
	PermDeploymentsRun      = "deployments.run"
	PermDeploymentsRead     = "deployments.read"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

func (e ForbiddenError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryAuthz).
		WithCode(http.StatusForbidden).
		WithTextCode(domain.CodeForbidden).
		WithMetadata(map[string]any{"permission": e.Permission})
}

// Service resolves role permissions from configuration.
type Service struct {
	Roles map[string]config.RoleSpec
}

func New(cfg *config.Config) Service {
	if cfg == nil {
		return Service{}
	}
	return Service{Roles: cfg.Auth.Roles}
}

// RoleExists reports whether role is configured.
func (s Service) RoleExists(role string) bool {
	_, ok := s.Roles[role]
	return ok
}

// Permissions returns the sorted union of permissions granted by roles.
func (s Service) Permissions(roles []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range s.Roles[r].Permissions {
			set[p] = struct{}{}
		}
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

// Require checks that the explicit permissions or any role grants perm.
func (s Service) Require(roles, explicit []string, perm string) error {
	for _, p := range explicit {
		if p == perm {
			return nil
		}
	}
	for _, r := range roles {
		for _, p := range s.Roles[r].Permissions {
			if p == perm {
				return nil
			}
		}
	}
	return ForbiddenError{Permission: perm}
}
