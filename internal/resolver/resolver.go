// Package resolver maps a locally-exposed repository name to the upstream
// registry and repository path it proxies, per the static configuration.
package resolver

import (
	"strings"

	"github.com/cargobay/cargobay/internal/model"
)

// Resolver is a pure lookup over a fixed set of repository mappings.
type Resolver struct {
	byLocalName map[string]model.RepoMapping
}

// New builds a Resolver from the configured mappings. Later entries with a
// duplicate LocalName overwrite earlier ones; callers are expected to have
// already validated uniqueness at config load time.
func New(mappings []model.RepoMapping) *Resolver {
	byLocalName := make(map[string]model.RepoMapping, len(mappings))
	for _, m := range mappings {
		byLocalName[m.LocalName] = m
	}
	return &Resolver{byLocalName: byLocalName}
}

// Resolve looks up localName and reports the upstream registry id and
// repository path it maps to.
func (r *Resolver) Resolve(localName string) (registryID, upstreamName string, ok bool) {
	m, ok := r.byLocalName[localName]
	if !ok {
		return "", "", false
	}
	return m.RegistryID, m.UpstreamName, true
}

// LocalNameFromPath extracts the repository name segment of a /v2/ request
// path: everything between "/v2/" and the next protocol keyword
// (manifests, blobs, or tags). Repository names routinely contain slashes
// themselves, so this cannot be a naive split on "/".
func LocalNameFromPath(path string) (localName, kind, reference string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/v2/")
	if trimmed == path {
		return "", "", "", false
	}

	for _, kw := range []string{"manifests", "blobs", "tags"} {
		marker := "/" + kw + "/"
		idx := strings.Index(trimmed, marker)
		if idx < 0 {
			continue
		}
		localName = trimmed[:idx]
		reference = trimmed[idx+len(marker):]
		if localName == "" {
			return "", "", "", false
		}
		return localName, kw, reference, true
	}
	return "", "", "", false
}
