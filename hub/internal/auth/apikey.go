package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/toolbridge/hub/internal/config"
)

// APIKeyProvider validates static keys against bcrypt hashes.
type APIKeyProvider struct {
	keys []config.APIKeyEntry
}

// NewAPIKeyProvider creates a provider for the configured keys.
func NewAPIKeyProvider(keys []config.APIKeyEntry) *APIKeyProvider {
	return &APIKeyProvider{keys: keys}
}

// HashAPIKey returns the bcrypt hash to store in config for key.
func HashAPIKey(key string) (string, error) {
	if len(key) < 16 {
		return "", fmt.Errorf("api key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

func (p *APIKeyProvider) ValidateToken(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	for _, k := range p.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(token)) != nil {
			continue
		}
		userID := k.UserID
		if userID == "" {
			userID = "apikey:" + k.Name
		}
		role := k.Role
		if role == "" {
			role = RoleUser
		}
		return &Identity{
			UserID:      userID,
			Username:    k.Name,
			Role:        role,
			Permissions: append([]string(nil), k.Permissions...),
			Provider:    p.Name(),
		}, nil
	}
	return nil, ErrUnauthorized
}

func (p *APIKeyProvider) Name() string { return "apikey" }
