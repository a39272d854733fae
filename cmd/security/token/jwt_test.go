package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte(strings.Repeat("k", MinSecretBytes))

func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier(testSecret, DefaultAudience)
	require.NoError(t, err)

	raw, err := Issue(testSecret, "user-1", "alice", DefaultAudience, time.Hour)
	require.NoError(t, err)

	p, err := v.Verify("  " + raw + " ")
	require.NoError(t, err)
	require.Equal(t, "user-1", p.UserID)
	require.Equal(t, "alice", p.Username)
	require.WithinDuration(t, time.Now().Add(time.Hour), p.ExpiresAt, 5*time.Second)
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier(testSecret, DefaultAudience)
	require.NoError(t, err)

	expired, err := Issue(testSecret, "u", "", DefaultAudience, -time.Hour)
	require.NoError(t, err)
	wrongAud, err := Issue(testSecret, "u", "", "service_role", time.Hour)
	require.NoError(t, err)
	wrongKey, err := Issue([]byte(strings.Repeat("x", MinSecretBytes)), "u", "", DefaultAudience, time.Hour)
	require.NoError(t, err)
	noSub, err := Issue(testSecret, "", "", DefaultAudience, time.Hour)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u",
		Audience:  jwt.ClaimStrings{DefaultAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrTokenMissing},
		{"garbage", "not.a.jwt", ErrTokenInvalid},
		{"expired", expired, ErrTokenExpired},
		{"wrong audience", wrongAud, ErrTokenInvalid},
		{"wrong key", wrongKey, ErrTokenInvalid},
		{"no subject", noSub, ErrTokenInvalid},
		{"alg none", unsigned, ErrTokenInvalid},
	}
	for _, tc := range cases {
		_, err := v.Verify(tc.raw)
		require.ErrorIs(t, err, tc.want, tc.name)
	}
}

func TestUsernameFromMetadata(t *testing.T) {
	t.Parallel()

	claims := Claims{
		UserMetadata: map[string]any{"username": " bob "},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u2",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	v, err := NewVerifier(testSecret, "")
	require.NoError(t, err)
	p, err := v.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, "bob", p.Username)
}

func TestSecretPolicy(t *testing.T) {
	t.Setenv(SecretEnvKey, "   ")
	_, err := SecretFromEnv(MinSecretBytes)
	require.ErrorIs(t, err, ErrSecretMissing)

	t.Setenv(SecretEnvKey, "short")
	_, err = SecretFromEnv(MinSecretBytes)
	require.ErrorIs(t, err, ErrSecretTooShort)

	t.Setenv(SecretEnvKey, string(testSecret))
	b, err := SecretFromEnv(MinSecretBytes)
	require.NoError(t, err)
	require.Equal(t, testSecret, b)

	_, err = NewVerifier(nil, "")
	require.ErrorIs(t, err, ErrSecretMissing)
}
