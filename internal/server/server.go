// Package server wires the Registry Handler into an HTTP surface: routing,
// write-method filtering, standard headers, request-id correlation, and
// mapping returned errors to the v2 JSON error envelope.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cargobay/cargobay/internal/handler"
	"github.com/cargobay/cargobay/internal/metrics"
	"github.com/cargobay/cargobay/internal/model"
)

// routeFunc is the shape every Handler endpoint method satisfies: it writes
// a successful response directly, or returns a semantic error for the
// surface to render.
type routeFunc func(w http.ResponseWriter, r *http.Request) error

// New builds the complete HTTP router for h.
func New(h *handler.Handler, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	router := mux.NewRouter()
	router.Use(requestIDMiddleware, loggingMiddleware(logger, m))

	wrap := func(f routeFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
			if err := f(w, r); err != nil {
				writeError(w, r, err, h.SelfRealm())
			}
		}
	}

	router.HandleFunc("/v2/", wrap(h.Base)).Methods(http.MethodGet)
	router.HandleFunc("/v2/{rest:.*}/manifests/{reference}", wrap(h.Manifest)).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/v2/{rest:.*}/blobs/{digest}", wrap(h.Blob)).Methods(http.MethodGet)
	router.HandleFunc("/v2/{rest:.*}/blobs/{digest}", wrap(h.BlobHead)).Methods(http.MethodHead)
	router.HandleFunc("/v2/{rest:.*}/tags/list", wrap(h.Tags)).Methods(http.MethodGet)

	router.PathPrefix("/v2/").Handler(wrap(h.WriteGate)).Methods(
		http.MethodPut, http.MethodPost, http.MethodPatch, http.MethodDelete,
	)

	router.NotFoundHandler = wrap(func(w http.ResponseWriter, r *http.Request) error {
		return model.ErrNotFound
	})
	router.MethodNotAllowedHandler = wrap(func(w http.ResponseWriter, r *http.Request) error {
		return model.ErrMethodNotAllowed
	})

	return router
}
