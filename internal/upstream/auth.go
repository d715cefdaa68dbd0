package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// bearerChallenge is the parsed content of a
// WWW-Authenticate: Bearer realm="...",service="...",scope="..." header.
type bearerChallenge struct {
	realm   string
	service string
	scope   string
}

// parseBearerChallenge extracts realm/service/scope from a WWW-Authenticate
// header value. ok is false if the header does not describe a Bearer
// challenge, meaning only Basic auth was ever possible and the caller
// should treat the 401 as a hard authentication failure.
func parseBearerChallenge(header string) (bearerChallenge, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return bearerChallenge{}, false
	}

	var c bearerChallenge
	for _, part := range strings.Split(header[len(prefix):], ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := kv[0]
		val := strings.Trim(kv[1], `"`)
		switch key {
		case "realm":
			c.realm = val
		case "service":
			c.service = val
		case "scope":
			c.scope = val
		}
	}
	if c.realm == "" {
		return bearerChallenge{}, false
	}
	return c, true
}

// acquireToken fetches a bearer token for (registryID, scope), coalescing
// concurrent acquirers for the same key into a single upstream request.
func (c *Client) acquireToken(ctx context.Context, reg Registry, scope string, challenge bearerChallenge) (string, error) {
	sfKey := reg.ID + "\x00" + scope

	v, err, _ := c.sf.Do(sfKey, func() (any, error) {
		tok, expiresIn, err := c.fetchToken(ctx, reg, challenge)
		if err != nil {
			return "", err
		}
		c.tokens.put(reg.ID, scope, tok, expiresIn)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context, reg Registry, challenge bearerChallenge) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, challenge.realm, nil)
	if err != nil {
		return "", 0, err
	}

	q := req.URL.Query()
	if challenge.service != "" {
		q.Set("service", challenge.service)
	}
	if challenge.scope != "" {
		q.Set("scope", challenge.scope)
	}
	req.URL.RawQuery = q.Encode()

	if reg.HasCredentials() {
		req.SetBasicAuth(reg.Username, reg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token service %s returned %d", challenge.realm, resp.StatusCode)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}

	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return "", 0, fmt.Errorf("token service %s returned no token", challenge.realm)
	}

	expiresIn := time.Duration(body.ExpiresIn) * time.Second
	if body.ExpiresIn == 0 {
		expiresIn = 60 * time.Second
	}
	return token, expiresIn, nil
}

// tokenCache caches bearer tokens by (registryID, scope), expiring them a
// safety margin before the upstream's declared expiry.
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]cachedToken
}

type cachedToken struct {
	token  string
	expiry time.Time
}

const tokenSafetyMargin = 5 * time.Second

func newTokenCache() tokenCache {
	return tokenCache{entries: make(map[string]cachedToken)}
}

func (tc *tokenCache) get(registryID, scope string) string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	e, ok := tc.entries[registryID+"\x00"+scope]
	if !ok || time.Now().After(e.expiry) {
		return ""
	}
	return e.token
}

func (tc *tokenCache) put(registryID, scope, token string, ttl time.Duration) {
	margin := ttl
	if margin > tokenSafetyMargin {
		margin = tokenSafetyMargin
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.entries[registryID+"\x00"+scope] = cachedToken{
		token:  token,
		expiry: time.Now().Add(ttl - margin),
	}
}
