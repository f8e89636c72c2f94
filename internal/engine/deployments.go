package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpplane/internal/domain"
	"mcpplane/internal/events"
	"mcpplane/internal/repo"
	"mcpplane/internal/validate"
)

// Deployment event types.
const (
	EventDeploymentValidated = "deployment.validated"
	EventDeploymentStarted   = "deployment.started"
)

// RecordValidation stores a validation report for customerID and logs a
// deployment.validated event.
func (e Engine) RecordValidation(ctx context.Context, customerID string, r validate.Report, actorID string) (domain.ValidationRecord, error) {
	if strings.TrimSpace(customerID) == "" {
		return domain.ValidationRecord{}, domain.BadInput("customer_id", "is required")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return domain.ValidationRecord{}, fmt.Errorf("marshal report: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	rec := domain.ValidationRecord{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		BuildDir:   r.Dir,
		Verdict:    string(r.Verdict),
		Passed:     r.Summary.Passed,
		Warnings:   r.Summary.Warnings,
		Failed:     r.Summary.Failed,
		ReportJSON: string(data),
		CreatedBy:  actorID,
		CreatedAt:  e.nowString(),
	}
	err = e.inTx(ctx, func(uow *UnitOfWork) error {
		if _, err := e.Repo.CreateValidation(ctx, uow.Tx, rec); err != nil {
			return fmt.Errorf("insert validation report: %w", err)
		}
		return e.append(ctx, uow, EventDeploymentValidated, customerID, events.KindDeployment, customerID, actorID, events.EventPayload{
			"validation_id": rec.ID,
			"verdict":       rec.Verdict,
			"failed_checks": r.FailedChecks(),
		})
	})
	if err != nil {
		return domain.ValidationRecord{}, err
	}
	e.log().Info("validation recorded",
		zap.String("customer_id", customerID),
		zap.String("verdict", rec.Verdict))
	return rec, nil
}

// LatestValidation returns the newest stored report for customerID.
func (e Engine) LatestValidation(ctx context.Context, customerID string) (domain.ValidationRecord, error) {
	rec, err := e.Repo.LatestValidation(ctx, customerID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ValidationRecord{}, fmt.Errorf("validation report for %s: %w", customerID, domain.ErrNotFound)
	}
	return rec, err
}

// RecordDeploymentStarted logs that a deployment run was launched after
// passing validation.
func (e Engine) RecordDeploymentStarted(ctx context.Context, customerID, validationID, actorID string) error {
	return e.inTx(ctx, func(uow *UnitOfWork) error {
		return e.append(ctx, uow, EventDeploymentStarted, customerID, events.KindDeployment, customerID, actorID, events.EventPayload{
			"validation_id": validationID,
		})
	})
}
