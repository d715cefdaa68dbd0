package model

import "errors"

// Sentinel errors for the failure taxonomy described in the design: each
// maps to exactly one HTTP status and v2 error code at the HTTP surface.
var (
	// ErrAuthMissing indicates no Authorization header was presented.
	ErrAuthMissing = errors.New("cargobay: authorization header missing")

	// ErrAuthInvalid indicates a malformed, unsigned, or expired token.
	ErrAuthInvalid = errors.New("cargobay: token invalid or expired")

	// ErrForbidden indicates the caller's claims or the write gate denied the request.
	ErrForbidden = errors.New("cargobay: forbidden")

	// ErrNotFound indicates an unmapped local repository.
	ErrNotFound = errors.New("cargobay: repository not found")

	// ErrManifestUnknown indicates upstream has no such manifest/tag.
	ErrManifestUnknown = errors.New("cargobay: manifest unknown")

	// ErrBlobUnknown indicates upstream has no such blob.
	ErrBlobUnknown = errors.New("cargobay: blob unknown")

	// ErrUpstreamAuthFailed indicates the proxy's own credentials were rejected upstream.
	ErrUpstreamAuthFailed = errors.New("cargobay: upstream authentication failed")

	// ErrUpstreamUnavailable indicates a timeout, connect failure, or 5xx from upstream.
	ErrUpstreamUnavailable = errors.New("cargobay: upstream unavailable")

	// ErrDigestMismatch indicates ingested bytes did not hash to the requested digest.
	ErrDigestMismatch = errors.New("cargobay: digest mismatch")

	// ErrCacheIO indicates a local disk error (full, permission denied) during ingest.
	ErrCacheIO = errors.New("cargobay: cache i/o error")

	// ErrMethodNotAllowed indicates an unrecognized HTTP verb.
	ErrMethodNotAllowed = errors.New("cargobay: method not allowed")
)
