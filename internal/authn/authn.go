// Package authn verifies and mints the self-contained bearer tokens Cargo
// Bay issues to its own clients, as distinct from the credentials the
// upstream client presents to registries.
package authn

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/cargobay/cargobay/internal/model"
)

// tokenClaims is the wire shape of a Cargo Bay token: standard JWT claims
// plus an optional repository allow-list.
type tokenClaims struct {
	jwt.Claims
	Repositories repositoryList `json:"repositories,omitempty"`
}

// repositoryList decodes the repositories claim permissively, since a
// hand-written token is as likely to carry a comma-joined string as a
// JSON array of names. Mint always emits an array; Verify accepts either.
type repositoryList []string

func (r *repositoryList) UnmarshalJSON(data []byte) error {
	var asArray []string
	if err := json.Unmarshal(data, &asArray); err == nil {
		*r = asArray
		return nil
	}

	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return fmt.Errorf("repositories claim must be a string or array of strings")
	}
	asString = strings.TrimSpace(asString)
	if asString == "" {
		*r = nil
		return nil
	}

	parts := strings.Split(asString, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*r = out
	return nil
}

// Verifier checks client-presented bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for the given HMAC shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// ExtractBearer pulls the token out of an Authorization header value,
// reporting ok=false if the header is absent or not a Bearer scheme.
func ExtractBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// Verify validates raw and returns the claims it carries. An empty raw
// yields ErrAuthMissing; anything malformed, incorrectly signed, or expired
// yields ErrAuthInvalid.
func (v *Verifier) Verify(raw string) (model.Claims, error) {
	if raw == "" {
		return model.Claims{}, model.ErrAuthMissing
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return model.Claims{}, fmt.Errorf("%w: %v", model.ErrAuthInvalid, err)
	}

	var claims tokenClaims
	if err := tok.Claims(v.secret, &claims); err != nil {
		return model.Claims{}, fmt.Errorf("%w: %v", model.ErrAuthInvalid, err)
	}

	if claims.Subject == "" {
		return model.Claims{}, fmt.Errorf("%w: missing subject claim", model.ErrAuthInvalid)
	}
	if claims.Expiry == nil {
		return model.Claims{}, fmt.Errorf("%w: missing expiry claim", model.ErrAuthInvalid)
	}
	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return model.Claims{}, fmt.Errorf("%w: %v", model.ErrAuthInvalid, err)
	}

	return model.Claims{
		Subject:      claims.Subject,
		Repositories: []string(claims.Repositories),
		Expiry:       claims.Expiry.Time(),
	}, nil
}

// Mint signs a new token for subject, restricted to repositories (empty
// means unrestricted), expiring after ttl. This is the operation
// `cmd/cargobay-token` exposes as a standalone CLI.
func Mint(secret, subject string, repositories []string, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}

	now := time.Now()
	claims := tokenClaims{
		Claims: jwt.Claims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Repositories: repositoryList(repositories),
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return raw, nil
}
