package cache

import (
	"io"
	"os"
	"sync"
)

// ingest tracks a single in-flight upstream fetch. Exactly one ingest exists
// per key at a time; every concurrent reader of that key, whether it
// arrived at offset zero or joined mid-stream, attaches to the same ingest
// and tails the same growing temp file from its own read offset.
type ingest struct {
	tmpPath string
	file    *os.File

	mu      sync.Mutex
	cond    *sync.Cond
	metaSet bool
	length  int64
	contentType string

	written int64
	done    bool
	err     error
	refs    int
}

func newIngest(dir string, k key) (*ingest, error) {
	tmpPath := newTmpPath(dir)
	//nolint:gosec // G304: tmpPath is a freshly generated uuid under the cache dir
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	ing := &ingest{tmpPath: tmpPath, file: f}
	ing.cond = sync.NewCond(&ing.mu)
	return ing, nil
}

// reserve registers the caller as a prospective reader, keeping the ingest's
// backing file open until it releases. Must be called before the caller's
// reservation could otherwise race a same-round-trip completion.
func (ing *ingest) reserve() {
	ing.mu.Lock()
	ing.refs++
	ing.mu.Unlock()
}

// release undoes a reservation, closing and (on failure) removing the
// backing file once the last reader has gone and the ingest has concluded.
func (ing *ingest) release() {
	ing.mu.Lock()
	ing.refs--
	refs := ing.refs
	done := ing.done
	failed := ing.err != nil
	ing.mu.Unlock()

	if done && refs <= 0 {
		ing.file.Close()
		if failed {
			os.Remove(ing.tmpPath)
		}
	}
}

// start publishes the metadata observed from the upstream response headers,
// unblocking any reader waiting to learn the length and content type.
func (ing *ingest) start(length int64, contentType string) {
	ing.mu.Lock()
	ing.metaSet = true
	ing.length = length
	ing.contentType = contentType
	ing.mu.Unlock()
	ing.cond.Broadcast()
}

// advance records n newly-written bytes and wakes any reader waiting for
// more data.
func (ing *ingest) advance(n int64) {
	ing.mu.Lock()
	ing.written += n
	ing.mu.Unlock()
	ing.cond.Broadcast()
}

func (ing *ingest) writtenBytes() int64 {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.written
}

// fail marks the ingest as terminally failed; already-attached readers
// observe err once they catch up to the last good byte.
func (ing *ingest) fail(err error) {
	ing.mu.Lock()
	if ing.done {
		ing.mu.Unlock()
		return
	}
	ing.err = err
	ing.done = true
	refs := ing.refs
	ing.mu.Unlock()
	ing.cond.Broadcast()

	if refs <= 0 {
		ing.file.Close()
		os.Remove(ing.tmpPath)
	}
}

// finish marks the ingest as complete after its bytes have been verified
// and the backing file renamed into the cache.
func (ing *ingest) finish() {
	ing.mu.Lock()
	ing.done = true
	refs := ing.refs
	ing.mu.Unlock()
	ing.cond.Broadcast()

	if refs <= 0 {
		ing.file.Close()
	}
}

// wait blocks until the ingest's metadata is known (or it has already
// failed before producing any), returning a stream tailing the ingest from
// byte zero.
func (ing *ingest) wait() (io.ReadCloser, int64, string, error) {
	ing.mu.Lock()
	for !ing.metaSet && ing.err == nil {
		ing.cond.Wait()
	}
	if ing.err != nil && !ing.metaSet {
		ing.mu.Unlock()
		ing.release()
		return nil, 0, "", ing.err
	}
	length, contentType := ing.length, ing.contentType
	ing.mu.Unlock()

	return &tailReader{ing: ing}, length, contentType, nil
}

// tailReader is the stream handed back to a caller of GetOrFetch while the
// ingest it is attached to may still be running. It never skips ahead: a
// reader that joins late still observes every byte from offset zero.
type tailReader struct {
	ing    *ingest
	offset int64
	closed bool
}

func (r *tailReader) Read(p []byte) (int, error) {
	r.ing.mu.Lock()
	for r.offset >= r.ing.written && !r.ing.done {
		r.ing.cond.Wait()
	}
	if r.ing.err != nil && r.offset >= r.ing.written {
		r.ing.mu.Unlock()
		return 0, r.ing.err
	}
	avail := r.ing.written - r.offset
	r.ing.mu.Unlock()

	if avail <= 0 {
		return 0, io.EOF
	}

	toRead := int64(len(p))
	if toRead > avail {
		toRead = avail
	}

	n, err := r.ing.file.ReadAt(p[:toRead], r.offset)
	r.offset += int64(n)
	if err != nil && n > 0 {
		// ReadAt may report EOF at the exact boundary of what has been
		// fsynced to disk; the byte count is still authoritative.
		err = nil
	}
	return n, err
}

func (r *tailReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.ing.release()
	return nil
}
