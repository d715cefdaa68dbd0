package cache

import (
	"os"
	"path/filepath"
	"strings"
)

// reconcile rebuilds the in-memory index from the on-disk entry sidecars at
// startup. It walks entries/<registry_id>/sha256/*.json rather than the blob
// tree itself, since a sidecar only ever exists once its blob has been fully
// written and verified. A blob with no sidecar (a crash between the blob's
// rename and the sidecar write) is not indexed, and nothing in the store
// removes it: Prune and Evict only act on indexed entries.
func (s *Store) reconcile() error {
	entriesRoot := filepath.Join(s.dir, "entries")
	registries, err := os.ReadDir(entriesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, regDir := range registries {
		if !regDir.IsDir() {
			continue
		}
		registryID := regDir.Name()
		sha256Dir := filepath.Join(entriesRoot, registryID, "sha256")
		files, err := os.ReadDir(sha256Dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			entryPath := filepath.Join(sha256Dir, f.Name())
			e, err := loadEntry(entryPath)
			if err != nil {
				s.logger.Warn("skipping unreadable cache entry", "path", entryPath, "error", err)
				continue
			}

			k := key{registryID: e.RegistryID, digest: e.Digest}
			ok, err := statRegularBlob(s.blobPath(k), e.Size)
			if err != nil {
				s.logger.Warn("skipping cache entry with unsafe blob path", "registry", registryID, "digest", e.Digest, "error", err)
				os.Remove(entryPath)
				continue
			}
			if !ok {
				s.logger.Warn("dropping cache entry with missing or mismatched blob", "registry", registryID, "digest", e.Digest)
				os.Remove(entryPath)
				continue
			}

			s.index[k] = e
			s.total += e.Size
		}
	}

	return nil
}
