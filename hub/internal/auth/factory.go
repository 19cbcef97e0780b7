package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/amurg-ai/toolbridge/hub/internal/config"
)

// Chain tries each provider in order and returns the first identity.
type Chain []Provider

func (c Chain) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	for _, p := range c {
		id, err := p.ValidateToken(ctx, token)
		if err == nil {
			return id, nil
		}
	}
	return nil, ErrUnauthorized
}

func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, p := range c {
		names[i] = p.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// NewProvider builds the provider chain described by the config. It
// returns the JWT service separately so callers can mint tokens; it is
// nil when no secret is configured.
func NewProvider(cfg config.AuthConfig) (Provider, *Service, error) {
	var chain Chain
	var svc *Service

	if cfg.JWTSecret != "" {
		svc = NewService(cfg)
		chain = append(chain, svc)
	}
	if len(cfg.APIKeys) > 0 {
		chain = append(chain, NewAPIKeyProvider(cfg.APIKeys))
	}
	if cfg.JWKSURL != "" {
		jwks, err := NewJWKSProvider(cfg.JWKSURL, cfg.JWKSIssuer)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, jwks)
	}
	return chain, svc, nil
}

// ErrAuthRequired rejects an anonymous registration when auth is required.
var ErrAuthRequired = errors.New("authentication required")

// Principal is the outcome of resolving a registration's credentials.
type Principal struct {
	UserID        string
	Authenticated bool
	Permissions   []string
}

// Resolver maps the sessionToken and userId of a registration onto a
// Principal. An invalid or missing token yields an anonymous principal
// unless requireAuth is set.
type Resolver struct {
	provider             Provider
	requireAuth          bool
	anonymousPermissions []string
}

func NewResolver(p Provider, cfg config.AuthConfig) *Resolver {
	return &Resolver{
		provider:             p,
		requireAuth:          cfg.RequireAuth,
		anonymousPermissions: cfg.AnonymousPermissions,
	}
}

func (r *Resolver) Resolve(ctx context.Context, sessionToken, claimedUserID string) (Principal, error) {
	if sessionToken != "" && r.provider != nil {
		id, err := r.provider.ValidateToken(ctx, sessionToken)
		if err == nil {
			return Principal{UserID: id.UserID, Authenticated: true, Permissions: nonNil(id.Permissions)}, nil
		}
		if r.requireAuth {
			return Principal{}, fmt.Errorf("%w: invalid session token", ErrAuthRequired)
		}
	}
	if r.requireAuth {
		return Principal{}, ErrAuthRequired
	}
	return Principal{UserID: claimedUserID, Permissions: nonNil(r.anonymousPermissions)}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s...)
}
