package app

import (
	"errors"
	"fmt"

	"clubhouse/cmd/security/token"
)

// ValidateSecurityConfig enforces the token policy at startup and returns the signing secret.
//
// With RequireJWTSecret set, a missing or short secret is fatal. Without it, an absent secret
// returns nil and the caller must not mount authenticated routes.
func ValidateSecurityConfig(cfg Config) ([]byte, error) {
	secret, err := token.CheckSecret(cfg.JWTSecret, token.MinSecretBytes)
	switch {
	case err == nil:
		return secret, nil
	case errors.Is(err, token.ErrSecretMissing) && !cfg.RequireJWTSecret:
		return nil, nil
	case errors.Is(err, token.ErrSecretMissing):
		return nil, errors.New("security policy: CLUBHOUSE_REQUIRE_JWT_SECRET=true but CLUBHOUSE_JWT_SECRET is missing")
	case errors.Is(err, token.ErrSecretTooShort):
		return nil, fmt.Errorf("security policy: CLUBHOUSE_JWT_SECRET is too short (min %d bytes)", token.MinSecretBytes)
	default:
		return nil, err
	}
}
