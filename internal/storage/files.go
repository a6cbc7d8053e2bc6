package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// File kinds under a job's files/ directory.
const (
	KindArtifacts = "artifacts"
	KindLogs      = "logs"
	KindTmp       = "tmp"
)

// Kinds lists the valid file kinds in display order.
var Kinds = []string{KindArtifacts, KindLogs, KindTmp}

// ValidKind reports whether kind names one of the job file categories.
func ValidKind(kind string) bool {
	return kind == KindArtifacts || kind == KindLogs || kind == KindTmp
}

// JobFiles is a write-scoped store rooted at a single job's files/
// directory. All writes land under files/{artifacts,logs,tmp}; names with
// path separators or traversal segments are rejected before touching disk.
type JobFiles struct {
	root string
	mu   sync.Mutex
}

// NewJobFiles creates the store and its kind subdirectories.
func NewJobFiles(filesDir string) (*JobFiles, error) {
	for _, kind := range Kinds {
		if err := os.MkdirAll(filepath.Join(filesDir, kind), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", kind, err)
		}
	}
	return &JobFiles{root: filesDir}, nil
}

// Save atomically writes a named file of the given kind and returns the
// stored name.
func (s *JobFiles) Save(kind, name string, r io.Reader) (string, error) {
	path, err := s.resolve(kind, name)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save %s/%s: %w", kind, name, err)
	}
	return name, nil
}

// Append appends a line to a log file, creating it when missing. Log sinks
// are append-only; atomic rewrite would lose interleaved writes.
func (s *JobFiles) Append(name string, line string) error {
	path, err := s.resolve(KindLogs, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", name, err)
	}
	defer f.Close()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err = f.WriteString(line)
	return err
}

// Read returns the content of a named file of the given kind.
func (s *JobFiles) Read(kind, name string) ([]byte, error) {
	path, err := s.resolve(kind, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s/%s: %w", kind, name, err)
	}
	return data, nil
}

// List returns the sorted file names of one kind. Names only, no paths.
func (s *JobFiles) List(kind string) ([]string, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("unknown file kind %q", kind)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *JobFiles) resolve(kind, name string) (string, error) {
	if !ValidKind(kind) {
		return "", fmt.Errorf("unknown file kind %q", kind)
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(s.root, kind, name), nil
}
