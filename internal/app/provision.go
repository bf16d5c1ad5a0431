package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meterline/internal/domain"
	"meterline/internal/repo"
)

// MintAPIKey creates an API key for an actor and returns the record plus the
// plaintext key. Only the hash is stored; the plaintext cannot be recovered.
func MintAPIKey(ctx context.Context, r repo.Repo, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor id is required")
	}
	plaintext := uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

// RegisterAgent adds an agent to the roster. The ID is derived from the
// agency and badge so re-registering the same badge hits the unique
// constraint instead of silently duplicating.
func RegisterAgent(ctx context.Context, r repo.Repo, agencyCode, badge, name, role string) (domain.Agent, error) {
	if badge == "" {
		return domain.Agent{}, fmt.Errorf("badge is required")
	}
	if name == "" {
		return domain.Agent{}, fmt.Errorf("name is required")
	}
	if role == "" {
		role = "agent"
	}
	a := domain.Agent{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(agencyCode+"|agent|"+badge)).String(),
		Badge:     badge,
		Name:      name,
		Role:      role,
		Agency:    agencyCode,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertAgent(ctx, nil, a); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}
