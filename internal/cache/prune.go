package cache

import (
	"context"
	"sort"
	"time"
)

// PruneResult reports what a single sweep did.
type PruneResult struct {
	EntriesRemoved   int
	BytesRemoved     int64
	EntriesRemaining int
	BytesRemaining   int64
}

// Prune enforces the configured age and size bounds in one sweep: entries
// past MaxAge are marked first, then the least-recently-accessed survivors
// are evicted until total size is back under MaxSize. Ties in LastAccessed
// break toward evicting the larger entry first, on the theory that it frees
// more headroom per eviction.
func (s *Store) Prune(ctx context.Context) (PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result PruneResult
	if len(s.index) == 0 {
		return result, nil
	}

	toRemove := s.selectForRemovalLocked()

	for k, e := range s.index {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if toRemove[k] {
			if err := s.evictLocked(k); err != nil {
				s.logger.Warn("failed to evict entry", "registry", e.RegistryID, "digest", e.Digest, "error", err)
				continue
			}
			result.EntriesRemoved++
			result.BytesRemoved += e.Size
		}
	}

	result.EntriesRemaining = len(s.index)
	result.BytesRemaining = s.total

	if result.EntriesRemoved > 0 {
		s.logger.Debug("cache pruned",
			"removed", result.EntriesRemoved,
			"bytes_removed", result.BytesRemoved,
			"remaining", result.EntriesRemaining,
			"bytes_remaining", result.BytesRemaining)
	}

	return result, nil
}

// selectForRemovalLocked decides which keys to evict. Caller holds s.mu.
func (s *Store) selectForRemovalLocked() map[key]bool {
	toRemove := make(map[key]bool)

	if s.maxAge > 0 {
		cutoff := time.Now().Add(-s.maxAge)
		for k, e := range s.index {
			if e.CreatedAt.Before(cutoff) {
				toRemove[k] = true
			}
		}
	}

	if s.maxSize > 0 {
		s.markOverflowLocked(toRemove)
	}

	return toRemove
}

// markOverflowLocked marks survivors for eviction, oldest-accessed first,
// until total size is within maxSize.
func (s *Store) markOverflowLocked(toRemove map[key]bool) {
	type candidate struct {
		k key
		e *entry
	}
	remaining := make([]candidate, 0, len(s.index))
	total := int64(0)
	for k, e := range s.index {
		if toRemove[k] {
			continue
		}
		remaining = append(remaining, candidate{k, e})
		total += e.Size
	}

	if total <= s.maxSize {
		return
	}

	sort.Slice(remaining, func(i, j int) bool {
		if remaining[i].e.LastAccessed.Equal(remaining[j].e.LastAccessed) {
			return remaining[i].e.Size > remaining[j].e.Size
		}
		return remaining[i].e.LastAccessed.Before(remaining[j].e.LastAccessed)
	})

	for _, c := range remaining {
		if total <= s.maxSize {
			break
		}
		toRemove[c.k] = true
		total -= c.e.Size
	}
}

// Entries returns metadata for every cached blob, most recently accessed first.
func (s *Store) Entries() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entry, 0, len(s.index))
	for _, e := range s.index {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessed.After(out[j].LastAccessed)
	})
	return out
}
