package token

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SecretEnvKey is the env var name for the JWT signing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "CLUBHOUSE_JWT_SECRET"

	// MinSecretBytes is the minimum accepted HS256 secret size.
	MinSecretBytes = 32

	// DefaultAudience matches tokens minted for signed-in users.
	DefaultAudience = "authenticated"

	defaultLeeway = 30 * time.Second
)

// Principal is the verified caller.
type Principal struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Claims is the subset of access-token claims the service reads.
type Claims struct {
	Username     string         `json:"username,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) username() string {
	if s := strings.TrimSpace(c.Username); s != "" {
		return s
	}
	if s, ok := c.UserMetadata["username"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// SecretFromEnv returns the configured secret (trimmed), enforcing a minimum byte length.
func SecretFromEnv(minBytes int) ([]byte, error) {
	return CheckSecret(os.Getenv(SecretEnvKey), minBytes)
}

// CheckSecret applies the same policy to an explicit value.
func CheckSecret(raw string, minBytes int) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrSecretMissing
	}
	if minBytes > 0 && len(raw) < minBytes {
		return nil, ErrSecretTooShort
	}
	return []byte(raw), nil
}

// Verifier validates HS256 access tokens.
type Verifier struct {
	secret   []byte
	audience string
	parser   *jwt.Parser
}

// NewVerifier builds a verifier. An empty audience disables the audience check.
func NewVerifier(secret []byte, audience string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrSecretMissing
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(defaultLeeway),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{secret: secret, audience: audience, parser: jwt.NewParser(opts...)}, nil
}

// Verify parses raw and returns its principal.
func (v *Verifier) Verify(raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrTokenMissing
	}

	var claims Claims
	tok, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrTokenInvalid
	}
	if !tok.Valid {
		return Principal{}, ErrTokenInvalid
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Principal{}, ErrTokenInvalid
	}
	p := Principal{UserID: sub, Username: claims.username()}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Issue signs a token for userID. It exists for local tooling and tests; production
// tokens come from the auth provider.
func Issue(secret []byte, userID, username, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
