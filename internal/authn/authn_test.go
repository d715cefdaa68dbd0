package authn

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargobay/cargobay/internal/model"
)

// rawClaimsWithStringRepositories mints a token the way a hand-written
// client might: repositories as a single comma-joined string rather than
// the JSON array Mint produces.
type rawClaimsWithStringRepositories struct {
	jwt.Claims
	Repositories string `json:"repositories"`
}

func mintWithStringRepositories(t *testing.T, secret, subject, repositories string, ttl time.Duration) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	now := time.Now()
	claims := rawClaimsWithStringRepositories{
		Claims: jwt.Claims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Repositories: repositories,
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	token, err := Mint("shared-secret", "alice", []string{"library/alpine"}, time.Hour)
	require.NoError(t, err)

	claims, err := NewVerifier("shared-secret").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"library/alpine"}, claims.Repositories)
	assert.True(t, claims.Allows("library/alpine"))
	assert.False(t, claims.Allows("library/debian"))
}

func TestVerifyUnrestrictedToken(t *testing.T) {
	t.Parallel()

	token, err := Mint("shared-secret", "bob", nil, time.Hour)
	require.NoError(t, err)

	claims, err := NewVerifier("shared-secret").Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.Allows("anything/at-all"))
}

func TestVerifyEmptyTokenIsAuthMissing(t *testing.T) {
	t.Parallel()

	_, err := NewVerifier("shared-secret").Verify("")
	assert.ErrorIs(t, err, model.ErrAuthMissing)
}

func TestVerifyWrongSecretIsAuthInvalid(t *testing.T) {
	t.Parallel()

	token, err := Mint("shared-secret", "alice", nil, time.Hour)
	require.NoError(t, err)

	_, err = NewVerifier("different-secret").Verify(token)
	assert.ErrorIs(t, err, model.ErrAuthInvalid)
}

func TestVerifyExpiredTokenIsAuthInvalid(t *testing.T) {
	t.Parallel()

	token, err := Mint("shared-secret", "alice", nil, -time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier("shared-secret").Verify(token)
	assert.ErrorIs(t, err, model.ErrAuthInvalid)
}

func TestVerifyMalformedTokenIsAuthInvalid(t *testing.T) {
	t.Parallel()

	_, err := NewVerifier("shared-secret").Verify("not-a-jwt")
	assert.ErrorIs(t, err, model.ErrAuthInvalid)
}

func TestVerifyAcceptsCommaJoinedRepositoriesString(t *testing.T) {
	t.Parallel()

	token := mintWithStringRepositories(t, "shared-secret", "alice", "alpine, nginx", time.Hour)

	claims, err := NewVerifier("shared-secret").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpine", "nginx"}, claims.Repositories)
	assert.True(t, claims.Allows("alpine"))
	assert.True(t, claims.Allows("nginx"))
	assert.False(t, claims.Allows("redis"))
}

func TestVerifyEmptyRepositoriesStringIsUnrestricted(t *testing.T) {
	t.Parallel()

	token := mintWithStringRepositories(t, "shared-secret", "alice", "", time.Hour)

	claims, err := NewVerifier("shared-secret").Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.Allows("anything/at-all"))
}

func TestExtractBearer(t *testing.T) {
	t.Parallel()

	token, ok := ExtractBearer("Bearer abc.def.ghi")
	assert.True(t, ok)
	assert.Equal(t, "abc.def.ghi", token)

	_, ok = ExtractBearer("Basic dXNlcjpwYXNz")
	assert.False(t, ok)

	_, ok = ExtractBearer("")
	assert.False(t, ok)
}
