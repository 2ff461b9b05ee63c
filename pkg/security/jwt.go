package security

import (
	"fmt"

	"github.com/cuemby/relay/pkg/types"
	"github.com/golang-jwt/jwt/v5"
)

// VerifyJWT parses and verifies a client token against the tenant's
// signing secret and returns its claims. Only HMAC signatures are
// accepted; tenants with JWKS material are verified upstream by the
// socket layer.
func VerifyJWT(tenant *types.Tenant, token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(tenant.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}
	return claims, nil
}

// ValidateClaims checks the configured claim validators against the
// parsed claims. Validators map a claim name to its required value.
func ValidateClaims(claims jwt.MapClaims, validators map[string]string) error {
	for name, want := range validators {
		got, ok := claims[name]
		if !ok {
			return fmt.Errorf("missing required claim %q", name)
		}
		if fmt.Sprintf("%v", got) != want {
			return fmt.Errorf("claim %q does not match expected value", name)
		}
	}
	return nil
}

// ClaimedRole extracts the role claim, defaulting to anon the way the
// database expects for unauthenticated sessions
func ClaimedRole(claims jwt.MapClaims) string {
	if role, ok := claims["role"].(string); ok && role != "" {
		return role
	}
	return "anon"
}
