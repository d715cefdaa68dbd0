package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargobay/cargobay/internal/model"
)

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func fetchBytes(data []byte, contentType string) FetchFunc {
	return func(context.Context) (io.ReadCloser, int64, string, error) {
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), contentType, nil
	}
}

func TestGetOrFetchMiss(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	data := []byte("hello registry")
	digest := digestOf(data)

	r, length, contentType, err := s.GetOrFetch(context.Background(), "reg1", digest, "application/octet-stream", fetchBytes(data, "application/octet-stream"))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(len(data)), length)
	assert.Equal(t, "application/octet-stream", contentType)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.True(t, s.Has("reg1", digest))
}

func TestGetOrFetchHitServesFromDisk(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	data := []byte("cached payload")
	digest := digestOf(data)

	calls := 0
	fetch := func(context.Context) (io.ReadCloser, int64, string, error) {
		calls++
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), "text/plain", nil
	}

	r1, _, _, err := s.GetOrFetch(context.Background(), "reg1", digest, "", fetch)
	require.NoError(t, err)
	_, err = io.ReadAll(r1)
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	r2, _, contentType, err := s.GetOrFetch(context.Background(), "reg1", digest, "", fetch)
	require.NoError(t, err)
	defer r2.Close()

	got, err := io.ReadAll(r2)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "text/plain", contentType)
	assert.Equal(t, 1, calls, "second GetOrFetch must be served from disk, not refetched")
}

// TestConcurrentReadersJoinMidStream exercises the many-reader fan-out
// contract: a reader that attaches after bytes are already flowing must
// still observe the full stream from offset zero.
func TestConcurrentReadersJoinMidStream(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	data := make([]byte, 4*1024*1024)
	for i := range data {
		data[i] = byte(i)
	}
	digest := digestOf(data)

	release := make(chan struct{})
	fetch := func(context.Context) (io.ReadCloser, int64, string, error) {
		pr, pw := io.Pipe()
		go func() {
			defer pw.Close()
			chunk := data
			half := len(chunk) / 2
			pw.Write(chunk[:half])
			<-release
			pw.Write(chunk[half:])
		}()
		return pr, int64(len(data)), "application/octet-stream", nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	errs := make([]error, 3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r, _, _, err := s.GetOrFetch(context.Background(), "reg1", digest, "", fetch)
			if err != nil {
				errs[idx] = err
				return
			}
			defer r.Close()
			if idx == 2 {
				time.Sleep(50 * time.Millisecond)
				close(release)
			}
			got, err := io.ReadAll(r)
			results[idx] = got
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, data, results[i], "reader %d did not observe the full stream", i)
	}
}

func TestGetOrFetchDigestMismatch(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	wrongDigest := digestOf([]byte("something else"))
	data := []byte("actual bytes")

	r, _, _, err := s.GetOrFetch(context.Background(), "reg1", wrongDigest, "", fetchBytes(data, ""))
	require.NoError(t, err, "GetOrFetch returns the stream before verification completes")

	_, err = io.ReadAll(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDigestMismatch)
	r.Close()

	assert.False(t, s.Has("reg1", wrongDigest))
}

func TestGetOrFetchUpstreamError(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	upstreamErr := errors.New("connection reset")
	fetch := func(context.Context) (io.ReadCloser, int64, string, error) {
		return nil, 0, "", upstreamErr
	}

	_, _, _, err = s.GetOrFetch(context.Background(), "reg1", "sha256:deadbeef", "", fetch)
	require.Error(t, err)
	assert.ErrorIs(t, err, upstreamErr)
}

func TestEvictRemovesEntry(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	data := []byte("evict me")
	digest := digestOf(data)

	r, _, _, err := s.GetOrFetch(context.Background(), "reg1", digest, "", fetchBytes(data, ""))
	require.NoError(t, err)
	io.ReadAll(r)
	r.Close()
	require.True(t, s.Has("reg1", digest))

	require.NoError(t, s.Evict("reg1", digest))
	assert.False(t, s.Has("reg1", digest))
}

func TestReconcileRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	data := []byte("survives restart")
	digest := digestOf(data)

	r, _, _, err := s.GetOrFetch(context.Background(), "reg1", digest, "image/whatever", fetchBytes(data, "image/whatever"))
	require.NoError(t, err)
	io.ReadAll(r)
	r.Close()

	s2, err := New(dir)
	require.NoError(t, err)
	assert.True(t, s2.Has("reg1", digest))
	size, ok := s2.Size("reg1", digest)
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), size)
}

func TestPruneEnforcesMaxSize(t *testing.T) {
	s, err := New(t.TempDir(), WithMaxSize(10))
	require.NoError(t, err)

	small := []byte("0123456789")
	bigger := []byte("abcdefghijklmno")

	for i, data := range [][]byte{small, bigger} {
		digest := digestOf(data)
		r, _, _, err := s.GetOrFetch(context.Background(), "reg1", digest, "", fetchBytes(data, ""))
		require.NoError(t, err)
		io.ReadAll(r)
		r.Close()
		if i == 0 {
			time.Sleep(time.Millisecond) // ensure distinct LastAccessed ordering
		}
	}

	result, err := s.Prune(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.EntriesRemoved, 1)
	assert.LessOrEqual(t, s.TotalBytes(), int64(10)+int64(len(bigger)))
}

func TestPruneEnforcesMaxAge(t *testing.T) {
	s, err := New(t.TempDir(), WithMaxAge(time.Millisecond))
	require.NoError(t, err)

	data := []byte("stale entry")
	digest := digestOf(data)
	r, _, _, err := s.GetOrFetch(context.Background(), "reg1", digest, "", fetchBytes(data, ""))
	require.NoError(t, err)
	io.ReadAll(r)
	r.Close()

	time.Sleep(5 * time.Millisecond)

	result, err := s.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesRemoved)
	assert.False(t, s.Has("reg1", digest))
}

// TestPruneEnforcesMaxAgeDespiteRecentAccess guards against measuring the age
// bound from LastAccessed: a cache hit just before the sweep must not reset
// the clock on an entry whose CreatedAt is already past max age.
func TestPruneEnforcesMaxAgeDespiteRecentAccess(t *testing.T) {
	s, err := New(t.TempDir(), WithMaxAge(5*time.Millisecond))
	require.NoError(t, err)

	data := []byte("stale but popular")
	digest := digestOf(data)
	r, _, _, err := s.GetOrFetch(context.Background(), "reg1", digest, "", fetchBytes(data, ""))
	require.NoError(t, err)
	io.ReadAll(r)
	r.Close()

	time.Sleep(10 * time.Millisecond)

	// Touch the entry right before the sweep. If age were measured from
	// LastAccessed instead of CreatedAt, this would reset it back under
	// the max age and the entry would survive.
	r2, _, _, err := s.GetOrFetch(context.Background(), "reg1", digest, "", fetchBytes(data, ""))
	require.NoError(t, err)
	io.ReadAll(r2)
	r2.Close()

	result, err := s.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesRemoved)
	assert.False(t, s.Has("reg1", digest))
}
