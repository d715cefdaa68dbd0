// Package cache implements Cargo Bay's blob cache: a content-addressed,
// size- and age-bounded store that streams large binary objects to many
// concurrent readers while a single background fetch populates each key.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cargobay/cargobay/internal/model"
)

// FetchFunc opens an upstream byte stream for a cache miss. It returns the
// stream's declared length and content type alongside the body so the
// caller can respond with headers before the body has finished streaming.
// A length of -1 means the length is unknown ahead of time.
type FetchFunc func(ctx context.Context) (body io.ReadCloser, length int64, contentType string, err error)

// Store is the content-addressed blob cache described in the design's
// Cache Store component. One Store instance owns a single cache directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex // guards index and inflight; also held while evictions remove files and while a new ingest's temp file is created
	index    map[key]*entry
	inflight map[key]*ingest
	total    int64

	touchMu sync.Mutex // serializes sidecar persistence for touchEntry, independent of mu

	maxSize int64
	maxAge  time.Duration
}

type key struct {
	registryID string
	digest     string
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize bounds total on-disk bytes across all registries. Zero disables the bound.
func WithMaxSize(n int64) Option {
	return func(s *Store) { s.maxSize = n }
}

// WithMaxAge bounds the age of any entry. Zero disables the bound.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithLogger attaches a logger; by default logging is discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Store rooted at dir, creating the directory layout if
// needed, then reconciling the index against whatever is already on disk.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:      dir,
		logger:   slog.New(slog.DiscardHandler),
		index:    make(map[key]*entry),
		inflight: make(map[key]*ingest),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o700); err != nil {
		return nil, fmt.Errorf("create cache tmp dir: %w", err)
	}

	if err := s.reconcile(); err != nil {
		return nil, fmt.Errorf("reconcile cache: %w", err)
	}

	return s, nil
}

// Has reports whether digest is fully cached for registryID.
func (s *Store) Has(registryID, digest string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key{registryID, digest}]
	return ok
}

// Size returns the cached length of digest, if complete.
func (s *Store) Size(registryID, digest string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[key{registryID, digest}]
	if !ok {
		return 0, false
	}
	return e.Size, true
}

// TotalBytes returns the sum of all cached blob sizes.
func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// GetOrFetch implements the single-writer/many-reader contract: a complete
// entry streams straight from disk, an in-flight fetch is joined from byte
// zero, and a true miss starts exactly one ingest. The returned stream must
// be closed by the caller.
func (s *Store) GetOrFetch(ctx context.Context, registryID, digest, contentTypeHint string, fetch FetchFunc) (io.ReadCloser, int64, string, error) {
	k := key{registryID, digest}

	s.mu.Lock()
	if e, ok := s.index[k]; ok {
		e.LastAccessed = time.Now()
		snapshot := *e
		path := s.entryPath(k)
		s.mu.Unlock()
		r, err := s.openComplete(e)
		if err != nil {
			// Self-heal: the file vanished or was truncated out from under us.
			s.logger.Warn("cached blob unreadable, evicting", "registry", registryID, "digest", digest, "error", err)
			s.mu.Lock()
			s.evictLocked(k)
		} else {
			s.touchEntry(path, snapshot)
			return r, e.Size, e.ContentType, nil
		}
	}

	// s.mu is held here on every path that did not return above.
	if ing, ok := s.inflight[k]; ok {
		ing.reserve()
		s.mu.Unlock()
		return ing.wait()
	}

	ing, err := newIngest(s.dir, k)
	if err != nil {
		s.mu.Unlock()
		return nil, 0, "", fmt.Errorf("%w: %v", model.ErrCacheIO, err)
	}
	ing.reserve()
	s.inflight[k] = ing
	s.mu.Unlock()

	body, length, contentType, err := fetch(ctx)
	if err != nil {
		s.mu.Lock()
		delete(s.inflight, k)
		s.mu.Unlock()
		ing.fail(err)
		ing.release()
		return nil, 0, "", err
	}
	if contentType == "" {
		contentType = contentTypeHint
	}
	ing.start(length, contentType)

	go s.run(k, ing, body)

	return ing.wait()
}

// run drives a single ingest to completion: stream to the temp file,
// verify the digest, then publish or discard.
func (s *Store) run(k key, ing *ingest, body io.ReadCloser) {
	defer body.Close()

	hasher := sha256.New()
	buf := make([]byte, 256*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			if _, writeErr := ing.file.Write(buf[:n]); writeErr != nil {
				ing.fail(fmt.Errorf("%w: %v", model.ErrCacheIO, writeErr))
				s.dropInflight(k)
				return
			}
			ing.advance(int64(n))
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			ing.fail(fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, readErr))
			s.dropInflight(k)
			return
		}
	}

	computed := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if computed != k.digest {
		ing.fail(fmt.Errorf("%w: expected %s, got %s", model.ErrDigestMismatch, k.digest, computed))
		s.dropInflight(k)
		return
	}

	if err := ing.file.Sync(); err != nil {
		ing.fail(fmt.Errorf("%w: %v", model.ErrCacheIO, err))
		s.dropInflight(k)
		return
	}

	blobPath := s.blobPath(k)
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o700); err != nil {
		ing.fail(fmt.Errorf("%w: %v", model.ErrCacheIO, err))
		s.dropInflight(k)
		return
	}
	if err := os.Rename(ing.tmpPath, blobPath); err != nil {
		ing.fail(fmt.Errorf("%w: %v", model.ErrCacheIO, err))
		s.dropInflight(k)
		return
	}

	newEntry := &entry{
		RegistryID:  k.registryID,
		Digest:      k.digest,
		Size:        ing.writtenBytes(),
		ContentType: ing.contentType,
	}
	entryPath := s.entryPath(k)
	if err := os.MkdirAll(filepath.Dir(entryPath), 0o700); err != nil {
		s.logger.Warn("failed to create entry dir", "error", err)
	} else if err := saveEntry(entryPath, newEntry); err != nil {
		s.logger.Warn("failed to save cache entry", "error", err)
	}

	s.mu.Lock()
	s.index[k] = newEntry
	s.total += newEntry.Size
	delete(s.inflight, k)
	s.mu.Unlock()

	ing.finish()
	s.logger.Debug("cached blob", "registry", k.registryID, "digest", k.digest, "size", newEntry.Size)
}

func (s *Store) dropInflight(k key) {
	s.mu.Lock()
	delete(s.inflight, k)
	s.mu.Unlock()
}

// touchEntry persists an already-updated LastAccessed snapshot to the
// sidecar file. The in-memory mutation happens under s.mu before this is
// called; the disk write is serialized under touchMu instead, so a cache
// hit never blocks unrelated lookups behind a fsync. Best-effort: a
// failure here only degrades LRU precision, never correctness.
func (s *Store) touchEntry(path string, snapshot entry) {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()
	_ = saveEntry(path, &snapshot)
}

func (s *Store) openComplete(e *entry) (io.ReadCloser, error) {
	path := s.blobPath(key{e.RegistryID, e.Digest})
	if err := ensureRegularFile(path); err != nil {
		return nil, err
	}
	//nolint:gosec // G304: path is derived from a validated digest, not user input
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != e.Size {
		f.Close()
		return nil, fmt.Errorf("cached blob size mismatch: expected %d, got %d", e.Size, info.Size())
	}
	return f, nil
}

func (s *Store) blobPath(k key) string {
	return filepath.Join(s.dir, k.registryID, "sha256", shortHex(k.digest), fullHex(k.digest))
}

func (s *Store) entryPath(k key) string {
	return filepath.Join(s.dir, "entries", k.registryID, "sha256", fullHex(k.digest)+".json")
}

func newTmpPath(dir string) string {
	return filepath.Join(dir, "tmp", uuid.NewString())
}

func fullHex(digest string) string {
	if i := indexColon(digest); i >= 0 {
		return digest[i+1:]
	}
	return digest
}

func shortHex(digest string) string {
	h := fullHex(digest)
	if len(h) < 2 {
		return h
	}
	return h[:2]
}

func indexColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// Evict removes a blob and its metadata from the cache. Because the on-disk
// file is unlinked rather than truncated, readers with it already open keep
// observing valid bytes until they close — the chosen answer to the open
// question of reconciling eviction with concurrent readers.
func (s *Store) Evict(registryID, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(key{registryID, digest})
}

func (s *Store) evictLocked(k key) error {
	e, ok := s.index[k]
	if !ok {
		return nil
	}
	blobPath := s.blobPath(k)
	entryPath := s.entryPath(k)
	for _, p := range []string{blobPath, entryPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	delete(s.index, k)
	s.total -= e.Size
	return nil
}
