package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"labelflow/internal/domain"
	"labelflow/internal/engine/auth"
	"labelflow/internal/repo"
)

const apiKeyPrefix = "lf_"

// IssuedAPIKey carries the plaintext key, which is only available at creation.
type IssuedAPIKey struct {
	domain.APIKey
	Key string `json:"key"`
}

// CreateAPIKey mints a key for actorID acting with role. Only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, role, name string) (IssuedAPIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return IssuedAPIKey{}, errors.New("actor_id is required")
	}
	if !auth.ValidRole(role) {
		return IssuedAPIKey{}, fmt.Errorf("invalid role %q", role)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return IssuedAPIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        newID(),
		ActorID:   actorID,
		Role:      role,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return IssuedAPIKey{}, err
	}
	return IssuedAPIKey{APIKey: key, Key: plain}, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	return e.Repo.DeleteAPIKey(ctx, id)
}

// ResolveAPIKey returns the stored key matching plain.
func (e Engine) ResolveAPIKey(ctx context.Context, plain string) (domain.APIKey, error) {
	if strings.TrimSpace(plain) == "" {
		return domain.APIKey{}, errors.New("api key is required")
	}
	return e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
}
