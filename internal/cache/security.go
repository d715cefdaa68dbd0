package cache

import (
	"errors"
	"fmt"
	"os"
)

// verifyRegular rejects anything but a plain file: a symlink swapped in
// between path construction and open could otherwise redirect a read or
// write outside the cache directory.
func verifyRegular(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("cache path is symlink: %s", path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("cache path is not a regular file: %s", path)
	}
	return nil
}

// ensureRegularFile stats path, which must already exist, and rejects
// anything but a plain file.
func ensureRegularFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	return verifyRegular(path, info)
}

// statRegularBlob checks a blob path that may legitimately not exist: a
// sidecar can outlive its blob (the blob file was removed but the sidecar
// was not), which reconcile treats as "drop this entry" rather than an error. When the
// path does exist it must be a regular file of exactly wantSize bytes,
// guarding against both a symlink swap and a truncated write.
func statRegularBlob(path string, wantSize int64) (ok bool, err error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := verifyRegular(path, info); err != nil {
		return false, err
	}
	return info.Size() == wantSize, nil
}
