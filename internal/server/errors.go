package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cargobay/cargobay/internal/model"
)

// v2Error is one entry of the distribution v2 error envelope.
type v2Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail"`
}

type v2ErrorEnvelope struct {
	Errors []v2Error `json:"errors"`
}

// statusAndCode maps a semantic error from internal/model to the HTTP
// status and v2 error code the design's error handling taxonomy assigns it.
func statusAndCode(err error) (status int, code string) {
	switch {
	case errors.Is(err, model.ErrAuthMissing), errors.Is(err, model.ErrAuthInvalid):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, "DENIED"
	case errors.Is(err, model.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed, "UNSUPPORTED"
	case errors.Is(err, model.ErrManifestUnknown):
		return http.StatusNotFound, "MANIFEST_UNKNOWN"
	case errors.Is(err, model.ErrBlobUnknown):
		return http.StatusNotFound, "BLOB_UNKNOWN"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "NAME_UNKNOWN"
	case errors.Is(err, model.ErrUpstreamAuthFailed):
		return http.StatusBadGateway, "UNAVAILABLE"
	case errors.Is(err, model.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "UNAVAILABLE"
	case errors.Is(err, model.ErrDigestMismatch):
		return http.StatusBadGateway, "UNAVAILABLE"
	case errors.Is(err, model.ErrCacheIO):
		return http.StatusInternalServerError, "UNKNOWN"
	default:
		return http.StatusInternalServerError, "UNKNOWN"
	}
}

// writeError renders err as the v2 JSON error envelope, including the
// WWW-Authenticate challenge the taxonomy requires on auth failures.
func writeError(w http.ResponseWriter, r *http.Request, err error, selfRealm string) (status int) {
	status, code := statusAndCode(err)

	if errors.Is(err, model.ErrAuthMissing) || errors.Is(err, model.ErrAuthInvalid) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+selfRealm+`",service="docker-registry-proxy"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v2ErrorEnvelope{
		Errors: []v2Error{{Code: code, Message: err.Error()}},
	})
	return status
}
