package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// MoveFile moves a single file with rename, falling back to
// copy+fsync+rename+unlink when source and destination are on different
// filesystems. If the destination already exists the move is a no-op.
func MoveFile(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		SyncDir(filepath.Dir(dst))
		return nil
	}
	if !isCrossDevice(err) {
		return fmt.Errorf("rename %s: %w", filepath.Base(src), err)
	}

	data, rerr := os.ReadFile(src)
	if rerr != nil {
		return fmt.Errorf("read source for copy: %w", rerr)
	}
	if werr := WriteFileAtomic(dst, data, 0o644); werr != nil {
		return fmt.Errorf("copy across filesystems: %w", werr)
	}
	if uerr := os.Remove(src); uerr != nil {
		return fmt.Errorf("remove source after copy: %w", uerr)
	}
	return nil
}

// MoveDir moves a whole directory between phases. Same-filesystem moves are
// a single rename. Cross-device moves copy the tree into a staging sibling
// of the destination, fsync it, rename it into place, then remove the
// source. A destination that already exists (with the source gone) is
// treated as an earlier completed move.
func MoveDir(src, dst string) error {
	srcInfo, serr := os.Stat(src)
	if _, err := os.Stat(dst); err == nil {
		if os.IsNotExist(serr) {
			return nil
		}
		return fmt.Errorf("destination %s already exists", dst)
	}
	if serr != nil {
		return fmt.Errorf("stat source: %w", serr)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source %s is not a directory", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		SyncDir(filepath.Dir(dst))
		return nil
	}
	if !isCrossDevice(err) {
		return fmt.Errorf("rename dir: %w", err)
	}

	staging := tempSibling(dst)
	if err := CopyTree(src, staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("stage copy: %w", err)
	}
	if err := syncTree(staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("fsync staged tree: %w", err)
	}
	if err := os.Rename(staging, dst); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("rename staged tree: %w", err)
	}
	SyncDir(filepath.Dir(dst))
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("remove source tree: %w", err)
	}
	return nil
}

// CopyTree recursively copies a directory. Symlinks are resolved into
// regular files so promoted job directories are self-contained.
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// syncTree fsyncs every regular file under root.
func syncTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Sync()
	})
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
