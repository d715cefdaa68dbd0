// Package handler implements the v2 registry endpoints described in the
// design's Registry Handler component: it composes auth verification,
// repository resolution, the upstream client, and the cache store. Every
// exported method returns a semantic error from internal/model rather than
// writing an error response itself — mapping those errors to the v2 JSON
// envelope and HTTP status is the HTTP surface's job.
package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/cargobay/cargobay/internal/authn"
	"github.com/cargobay/cargobay/internal/cache"
	"github.com/cargobay/cargobay/internal/metrics"
	"github.com/cargobay/cargobay/internal/model"
	"github.com/cargobay/cargobay/internal/resolver"
	"github.com/cargobay/cargobay/internal/upstream"
)

var manifestAcceptTypes = []string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
}

// Handler wires components C (auth) through A (cache) behind the v2 API.
type Handler struct {
	cache    *cache.Store
	upstream *upstream.Client
	verifier *authn.Verifier
	resolver *resolver.Resolver
	metrics  *metrics.Metrics
	logger   *slog.Logger

	selfRealm string

	cacheHits      int64
	cacheMisses    int64
	upstreamErrors int64
}

// Config bundles the dependencies a Handler composes.
type Config struct {
	Cache     *cache.Store
	Upstream  *upstream.Client
	Verifier  *authn.Verifier
	Resolver  *resolver.Resolver
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	SelfRealm string
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		cache:     cfg.Cache,
		upstream:  cfg.Upstream,
		verifier:  cfg.Verifier,
		resolver:  cfg.Resolver,
		metrics:   cfg.Metrics,
		logger:    logger,
		selfRealm: cfg.SelfRealm,
	}
}

// Stats reports cumulative counters for introspection.
type Stats struct {
	CacheHits      int64
	CacheMisses    int64
	UpstreamErrors int64
}

// Stats returns a snapshot of the handler's cumulative counters.
func (h *Handler) Stats() Stats {
	return Stats{
		CacheHits:      atomic.LoadInt64(&h.cacheHits),
		CacheMisses:    atomic.LoadInt64(&h.cacheMisses),
		UpstreamErrors: atomic.LoadInt64(&h.upstreamErrors),
	}
}

// SelfRealm returns the token realm advertised in the base endpoint's
// WWW-Authenticate challenge.
func (h *Handler) SelfRealm() string {
	return h.selfRealm
}

func (h *Handler) authenticate(r *http.Request) (model.Claims, error) {
	token, ok := authn.ExtractBearer(r.Header.Get("Authorization"))
	if !ok {
		return model.Claims{}, model.ErrAuthMissing
	}
	return h.verifier.Verify(token)
}

func (h *Handler) resolve(localName string) (registryID, upstreamName string, err error) {
	id, name, ok := h.resolver.Resolve(localName)
	if !ok {
		return "", "", model.ErrNotFound
	}
	return id, name, nil
}

// Base implements GET /v2/: the API version check every client makes first.
func (h *Handler) Base(w http.ResponseWriter, r *http.Request) error {
	if _, err := h.authenticate(r); err != nil {
		return err
	}
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
	return nil
}

// WriteGate implements the write gate: any mutating verb on /v2/* is denied
// without ever reaching upstream.
func (h *Handler) WriteGate(_ http.ResponseWriter, _ *http.Request) error {
	return model.ErrForbidden
}

// Manifest implements GET and HEAD /v2/{local}/manifests/{ref}.
func (h *Handler) Manifest(w http.ResponseWriter, r *http.Request) error {
	claims, err := h.authenticate(r)
	if err != nil {
		return err
	}
	localName, _, reference, ok := resolver.LocalNameFromPath(r.URL.Path)
	if !ok {
		return model.ErrNotFound
	}
	if !claims.Allows(localName) {
		return model.ErrForbidden
	}
	registryID, upstreamName, err := h.resolve(localName)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/v2/%s/manifests/%s", upstreamName, reference)
	resp, err := h.upstream.Request(r.Context(), registryID, r.Method, path, nil, manifestAcceptTypes)
	if err != nil {
		h.recordUpstreamError()
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrManifestUnknown
	case resp.StatusCode >= 400:
		h.recordUpstreamError()
		return fmt.Errorf("%w: upstream status %d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}

	copyHeaders(w, resp.Header, "Content-Type", "Docker-Content-Digest", "Content-Length")
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		io.Copy(w, resp.Body)
	}
	return nil
}

// Blob implements GET /v2/{local}/blobs/{digest}.
func (h *Handler) Blob(w http.ResponseWriter, r *http.Request) error {
	claims, err := h.authenticate(r)
	if err != nil {
		return err
	}
	localName, _, digest, ok := resolver.LocalNameFromPath(r.URL.Path)
	if !ok {
		return model.ErrNotFound
	}
	if !claims.Allows(localName) {
		return model.ErrForbidden
	}
	registryID, upstreamName, err := h.resolve(localName)
	if err != nil {
		return err
	}

	wasCached := h.cache.Has(registryID, digest)

	fetch := func(ctx context.Context) (io.ReadCloser, int64, string, error) {
		path := fmt.Sprintf("/v2/%s/blobs/%s", upstreamName, digest)
		resp, err := h.upstream.Request(ctx, registryID, http.MethodGet, path, nil, nil)
		if err != nil {
			return nil, 0, "", err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, 0, "", model.ErrBlobUnknown
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, 0, "", fmt.Errorf("%w: upstream status %d", model.ErrUpstreamUnavailable, resp.StatusCode)
		}
		length := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				length = n
			}
		}
		return resp.Body, length, resp.Header.Get("Content-Type"), nil
	}

	stream, length, contentType, err := h.cache.GetOrFetch(r.Context(), registryID, digest, "application/octet-stream", fetch)
	if err != nil {
		h.recordUpstreamError()
		return err
	}
	defer stream.Close()

	h.recordCacheOutcome(registryID, wasCached)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Docker-Content-Digest", digest)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, stream)
	return nil
}

// BlobHead implements HEAD /v2/{local}/blobs/{digest}: a cache hit answers
// without ever touching upstream or starting an ingest.
func (h *Handler) BlobHead(w http.ResponseWriter, r *http.Request) error {
	claims, err := h.authenticate(r)
	if err != nil {
		return err
	}
	localName, _, digest, ok := resolver.LocalNameFromPath(r.URL.Path)
	if !ok {
		return model.ErrNotFound
	}
	if !claims.Allows(localName) {
		return model.ErrForbidden
	}
	registryID, upstreamName, err := h.resolve(localName)
	if err != nil {
		return err
	}

	if size, ok := h.cache.Size(registryID, digest); ok {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("Docker-Content-Digest", digest)
		w.WriteHeader(http.StatusOK)
		return nil
	}

	path := fmt.Sprintf("/v2/%s/blobs/%s", upstreamName, digest)
	resp, err := h.upstream.Request(r.Context(), registryID, http.MethodHead, path, nil, nil)
	if err != nil {
		h.recordUpstreamError()
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrBlobUnknown
	case resp.StatusCode >= 400:
		h.recordUpstreamError()
		return fmt.Errorf("%w: upstream status %d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}

	copyHeaders(w, resp.Header, "Content-Length", "Docker-Content-Digest", "Content-Type")
	w.WriteHeader(resp.StatusCode)
	return nil
}

// Tags implements GET /v2/{local}/tags/list.
func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) error {
	claims, err := h.authenticate(r)
	if err != nil {
		return err
	}
	localName, _, _, ok := resolver.LocalNameFromPath(r.URL.Path)
	if !ok {
		return model.ErrNotFound
	}
	if !claims.Allows(localName) {
		return model.ErrForbidden
	}
	registryID, upstreamName, err := h.resolve(localName)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/v2/%s/tags/list", upstreamName)
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	resp, err := h.upstream.Request(r.Context(), registryID, http.MethodGet, path, nil, nil)
	if err != nil {
		h.recordUpstreamError()
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrNotFound
	case resp.StatusCode >= 400:
		h.recordUpstreamError()
		return fmt.Errorf("%w: upstream status %d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}

	copyHeaders(w, resp.Header, "Content-Type", "Content-Length")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	return nil
}

func (h *Handler) recordCacheOutcome(registryID string, wasCached bool) {
	if wasCached {
		atomic.AddInt64(&h.cacheHits, 1)
		if h.metrics != nil {
			h.metrics.CacheHits.WithLabelValues(registryID).Inc()
		}
		return
	}
	atomic.AddInt64(&h.cacheMisses, 1)
	if h.metrics != nil {
		h.metrics.CacheMisses.WithLabelValues(registryID).Inc()
	}
}

func (h *Handler) recordUpstreamError() {
	atomic.AddInt64(&h.upstreamErrors, 1)
}

func copyHeaders(w http.ResponseWriter, src http.Header, keys ...string) {
	for _, k := range keys {
		if v := src.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
}
