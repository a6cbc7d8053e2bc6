// Package storage provides the durable filesystem primitives the rest of
// the system builds on: atomic file writes, phase moves with a cross-device
// fallback, and scoped job file stores.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested file does not exist.
var ErrNotFound = errors.New("file not found")

// tempSibling returns a temp path next to target so the final rename stays
// on the same filesystem.
func tempSibling(target string) string {
	return fmt.Sprintf("%s.tmp.%d.%s", target, os.Getpid(), uuid.NewString()[:8])
}

// WriteFileAtomic writes data to path so that readers never observe a
// partial file: write to a temp sibling, fsync, rename over the target,
// then fsync the parent directory (best-effort). On failure the temp file
// is removed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp := tempSibling(path)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}

	SyncDir(filepath.Dir(path))
	return nil
}

// SyncDir fsyncs a directory so a preceding rename is durable. Errors are
// ignored; not every platform or filesystem supports directory fsync.
func SyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
