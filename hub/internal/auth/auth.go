// Package auth authenticates WebSocket registrations and HTTP API callers
// and answers permission questions for tool dispatch.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/amurg-ai/toolbridge/hub/internal/config"
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID      string   `json:"uid"`
	Username    string   `json:"usr,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and validates HMAC-signed session tokens.
type Service struct {
	jwtSecret []byte
	jwtExpiry time.Duration
	issuer    string
}

// NewService creates a JWT service from the auth config.
func NewService(cfg config.AuthConfig) *Service {
	expiry := cfg.JWTExpiry.Duration
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: expiry,
		issuer:    cfg.Issuer,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "jwt" }

// MintToken signs a session token for the given identity.
func (s *Service) MintToken(id Identity) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", fmt.Errorf("jwt secret not configured")
	}
	if id.Role == "" {
		id.Role = RoleUser
	}
	now := time.Now()
	claims := &Claims{
		UserID:      id.UserID,
		Username:    id.Username,
		Role:        id.Role,
		Permissions: id.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, ErrNoToken
	}
	if len(s.jwtSecret) == 0 {
		return nil, ErrUnauthorized
	}
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:      claims.UserID,
		Username:    claims.Username,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		Provider:    s.Name(),
	}, nil
}

// validateJWT validates a JWT token and returns the claims.
func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
