// Package upstream implements the per-registry HTTP session described in
// the design's Upstream Client component: Basic/Bearer authentication
// against the distribution v2 API, token caching, and credential-safe
// redirect following.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cargobay/cargobay/internal/model"
)

// connectTimeout bounds dialing and the TLS handshake only. Body reads are
// intentionally left unbounded by the transport: a blob transfer can
// legitimately run for minutes, and a blanket http.Client.Timeout would
// cut it off mid-stream regardless of how much data is still arriving.
const connectTimeout = 30 * time.Second

// Registry describes one upstream the client can talk to.
type Registry = model.RegistryDescriptor

// Response is the upstream's reply to Request: status, headers, and an
// unbuffered body the caller must close.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client holds one HTTP client shared by all configured registries, plus a
// shared token cache and in-flight token-acquisition coalescing.
type Client struct {
	httpClient *http.Client
	registries map[string]Registry

	tokens tokenCache
	sf     singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the given set of upstream registries.
func New(registries []Registry, opts ...Option) *Client {
	byID := make(map[string]Registry, len(registries))
	for _, r := range registries {
		byID[r.ID] = r
	}

	c := &Client{
		registries: byID,
		tokens:     newTokenCache(),
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout

	c.httpClient = &http.Client{
		Transport:     transport,
		CheckRedirect: stripCrossHostAuth,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request issues method against path on registryID, transparently handling
// the Basic→Bearer authentication state machine. The returned Response's
// Body must be closed by the caller. Supports GET and HEAD, per contract.
func (c *Client) Request(ctx context.Context, registryID, method, path string, headers http.Header, accept []string) (*Response, error) {
	reg, ok := c.registries[registryID]
	if !ok {
		return nil, fmt.Errorf("upstream: registry %q is not configured", registryID)
	}

	scope := scopeForPath(path)

	resp, err := c.attempt(ctx, reg, method, path, headers, accept, c.tokens.get(registryID, scope))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge, ok := parseBearerChallenge(resp.Header.Get("WWW-Authenticate"))
	resp.Body.Close()
	if !ok {
		return nil, model.ErrUpstreamAuthFailed
	}

	token, err := c.acquireToken(ctx, reg, scope, challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamAuthFailed, err)
	}

	resp, err = c.attempt(ctx, reg, method, path, headers, accept, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, model.ErrUpstreamAuthFailed
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, reg Registry, method, path string, headers http.Header, accept []string, bearer string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(reg.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, a := range accept {
		req.Header.Add("Accept", a)
	}

	switch {
	case bearer != "":
		req.Header.Set("Authorization", "Bearer "+bearer)
	case reg.Username != "" || reg.Password != "":
		req.SetBasicAuth(reg.Username, reg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// scopeForPath derives the distribution scope string from a /v2/ request
// target, e.g. "/v2/library/alpine/manifests/latest" -> scope
// "repository:library/alpine:pull".
func scopeForPath(path string) string {
	name := upstreamNameFromPath(path)
	if name == "" {
		return "registry:catalog:*"
	}
	return "repository:" + name + ":pull"
}

func upstreamNameFromPath(path string) string {
	p := strings.TrimPrefix(path, "/v2/")
	for _, kw := range []string{"/manifests/", "/blobs/", "/tags/"} {
		if i := strings.Index(p, kw); i >= 0 {
			return p[:i]
		}
	}
	return ""
}
