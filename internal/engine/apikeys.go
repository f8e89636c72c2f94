package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpplane/internal/domain"
	"mcpplane/internal/repo"
)

const apiKeyPrefix = "mcp_"

// CreateAPIKey mints a key for actorID acting as role. The plaintext key is
// returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, role string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", domain.BadInput("actor_id", "is required")
	}
	if e.Config != nil {
		if _, ok := e.Config.Auth.Roles[role]; !ok {
			return domain.APIKey{}, "", domain.BadInput("role", "unknown role %q", role)
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate api key: %w", err)
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		Role:      role,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.nowString(),
	}
	err := e.inTx(ctx, func(uow *UnitOfWork) error {
		return e.Repo.InsertAPIKey(ctx, uow.Tx, key)
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	e.log().Info("api key created", zap.String("key_id", key.ID), zap.String("actor_id", actorID), zap.String("role", role))
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("api key %s: %w", id, domain.ErrNotFound)
		}
		return err
	}
	return nil
}
