// Package paths centralizes every filesystem location the system touches.
// Components never concatenate data-root paths by hand; they go through a
// Resolver so the on-disk layout lives in exactly one place.
package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Jail violations. The API layer maps these to 403 responses.
var (
	ErrAbsolutePath  = errors.New("absolute paths not allowed")
	ErrPathTraversal = errors.New("path traversal")
)

// StatusFileName is the authoritative per-job snapshot document.
const StatusFileName = "tasks-status.json"

// SeedFileName is the promoted seed inside a job directory.
const SeedFileName = "seed.json"

// Resolver derives all well-known paths from a single data root.
type Resolver struct {
	root string
}

// NewResolver returns a Resolver rooted at dataRoot.
func NewResolver(dataRoot string) *Resolver {
	return &Resolver{root: filepath.Clean(dataRoot)}
}

// Root returns the data root.
func (r *Resolver) Root() string { return r.root }

// ConfigDir returns the pipeline configuration root.
func (r *Resolver) ConfigDir() string {
	return filepath.Join(r.root, "pipeline-config")
}

// RegistryPath returns the pipeline registry document.
func (r *Resolver) RegistryPath() string {
	return filepath.Join(r.ConfigDir(), "registry.json")
}

// PipelineDir returns the config directory of one pipeline slug.
func (r *Resolver) PipelineDir(slug string) string {
	return filepath.Join(r.ConfigDir(), slug)
}

// PipelineConfigPath returns <config>/<slug>/pipeline.json.
func (r *Resolver) PipelineConfigPath(slug string) string {
	return filepath.Join(r.PipelineDir(slug), "pipeline.json")
}

// TasksDir returns the task-document directory of a pipeline.
func (r *Resolver) TasksDir(slug string) string {
	return filepath.Join(r.PipelineDir(slug), "tasks")
}

// DataDir returns the job-data root.
func (r *Resolver) DataDir() string {
	return filepath.Join(r.root, "pipeline-data")
}

// PendingDir returns the seed mailbox.
func (r *Resolver) PendingDir() string {
	return filepath.Join(r.DataDir(), "pending")
}

// CurrentDir returns the active-jobs root.
func (r *Resolver) CurrentDir() string {
	return filepath.Join(r.DataDir(), "current")
}

// CompleteDir returns the finished-jobs root.
func (r *Resolver) CompleteDir() string {
	return filepath.Join(r.DataDir(), "complete")
}

// RejectedDir returns the reserved rejected-jobs root.
func (r *Resolver) RejectedDir() string {
	return filepath.Join(r.DataDir(), "rejected")
}

// PendingSeed returns the mailbox path of a job's seed file.
func (r *Resolver) PendingSeed(jobID string) string {
	return filepath.Join(r.PendingDir(), jobID+"-seed.json")
}

// CurrentJob returns a job's directory in the current phase.
func (r *Resolver) CurrentJob(jobID string) string {
	return filepath.Join(r.CurrentDir(), jobID)
}

// CompleteJob returns a job's directory in the complete phase.
func (r *Resolver) CompleteJob(jobID string) string {
	return filepath.Join(r.CompleteDir(), jobID)
}

// SeedPath returns the promoted seed inside a current-phase job dir.
func (r *Resolver) SeedPath(jobID string) string {
	return filepath.Join(r.CurrentJob(jobID), SeedFileName)
}

// StatusPath returns the snapshot path in the current phase.
func (r *Resolver) StatusPath(jobID string) string {
	return filepath.Join(r.CurrentJob(jobID), StatusFileName)
}

// CompleteStatusPath returns the snapshot path in the complete phase.
func (r *Resolver) CompleteStatusPath(jobID string) string {
	return filepath.Join(r.CompleteJob(jobID), StatusFileName)
}

// FilesDir returns a job's files/ root in the given phase directory.
func FilesDir(jobDir string) string {
	return filepath.Join(jobDir, "files")
}

// KindDir returns files/<kind> under a job directory.
func KindDir(jobDir, kind string) string {
	return filepath.Join(FilesDir(jobDir), kind)
}

// ScratchDir returns the optional per-task scratch directory.
func ScratchDir(jobDir, taskID string) string {
	return filepath.Join(jobDir, "tasks", taskID)
}

// ResolveInJail normalizes a user-supplied relative name against jailRoot
// and guarantees the result stays inside it. Absolute paths, drive-letter
// paths, and anything that normalizes outside the jail are rejected. The
// caller receives the cleaned absolute path on success.
func ResolveInJail(jailRoot, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty file name: %w", ErrPathTraversal)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", ErrAbsolutePath
	}
	if hasDriveLetter(name) {
		return "", ErrAbsolutePath
	}

	joined := filepath.Clean(filepath.Join(jailRoot, name))
	root := filepath.Clean(jailRoot)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	// Clean can keep a leading ".." when name backs out and returns; catch
	// raw attempts explicitly so the error is stable.
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			rel, err := filepath.Rel(root, joined)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return "", ErrPathTraversal
			}
		}
	}
	return joined, nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
