package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates tokens issued by an external identity provider
// whose signing keys are published as a JWKS.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSProvider fetches the key set at jwksURL. Tokens must carry iss
// equal to issuer when issuer is set.
func NewJWKSProvider(jwksURL, issuer string) (*JWKSProvider, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return newJWKSProvider(jwks, issuer), nil
}

func newJWKSProvider(jwks keyfunc.Keyfunc, issuer string) *JWKSProvider {
	return &JWKSProvider{issuer: issuer, jwks: jwks}
}

// ValidateToken parses a JWKS-signed JWT and returns an Identity.
// Permissions come from a "permissions" array claim, or from a
// space-separated "scope" claim.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, ErrNoToken
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}

	role := RoleUser
	if claimStr(claims, "role") == RoleAdmin {
		role = RoleAdmin
	}

	username := sub
	switch {
	case claimStr(claims, "preferred_username") != "":
		username = claimStr(claims, "preferred_username")
	case claimStr(claims, "name") != "":
		username = claimStr(claims, "name")
	case claimStr(claims, "email") != "":
		username = claimStr(claims, "email")
	}

	return &Identity{
		UserID:      sub,
		Username:    username,
		Role:        role,
		Permissions: claimPermissions(claims),
		Provider:    p.Name(),
	}, nil
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

func claimPermissions(claims jwt.MapClaims) []string {
	if raw, ok := claims["permissions"].([]any); ok {
		perms := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				perms = append(perms, s)
			}
		}
		return perms
	}
	if scope := claimStr(claims, "scope"); scope != "" {
		return strings.Fields(scope)
	}
	return nil
}
