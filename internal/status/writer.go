// Package status owns tasks-status.json: a single-writer, copy-on-write
// store with invariant checks and atomic persistence, plus the phase-probing
// reader used by everything downstream.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/storage"
)

// ErrInvariant marks a rejected mutation: the write is aborted and the
// prior snapshot stays intact on disk and in memory.
var ErrInvariant = errors.New("snapshot invariant violation")

// Writer is the only component permitted to mutate a job's snapshot.
// Mutations are serialized through one mutex; each write deep-copies,
// mutates, validates, stamps lastUpdated, and persists atomically before
// the new value becomes visible to readers.
type Writer struct {
	path string
	mu   sync.Mutex
	snap *pipeord.Snapshot
}

// NewWriter wraps an in-memory snapshot that has not been persisted yet.
// The caller should follow up with Flush or an Update to put it on disk.
func NewWriter(path string, snap *pipeord.Snapshot) *Writer {
	return &Writer{path: path, snap: snap}
}

// OpenWriter loads an existing snapshot file.
func OpenWriter(path string) (*Writer, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, snap: snap}, nil
}

// Snapshot returns a deep copy of the current value for readers.
func (w *Writer) Snapshot() *pipeord.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.Clone()
}

// Flush persists the current value without mutating it.
func (w *Writer) Flush() error {
	return w.Update(func(*pipeord.Snapshot) error { return nil })
}

// Update applies mutate to a deep copy of the snapshot, validates the
// result, advances lastUpdated monotonically, writes the file atomically,
// then publishes the new value in memory. On any error the prior snapshot
// remains authoritative.
func (w *Writer) Update(mutate func(*pipeord.Snapshot) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.snap.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	now := time.Now().UTC()
	if now.Before(w.snap.LastUpdated) {
		now = w.snap.LastUpdated
	}
	next.LastUpdated = now

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := storage.WriteFileAtomic(w.path, data, 0o644); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	w.snap = next
	return nil
}

// ResetOptions controls what ResetSingleTask clears.
type ResetOptions struct {
	ClearTokenUsage bool
}

// ResetSingleTask returns one task to pending: attempts, refinement
// counters, failure fields, and timings are cleared; registered files are
// preserved. Other tasks and root fields are untouched beyond the derived
// job state.
func (w *Writer) ResetSingleTask(taskID string, opts ResetOptions) error {
	return w.Update(func(s *pipeord.Snapshot) error {
		t, ok := s.Tasks[taskID]
		if !ok {
			return fmt.Errorf("unknown task %q", taskID)
		}
		t.State = pipeord.TaskPending
		t.CurrentStage = nil
		t.FailedStage = nil
		t.Attempts = 0
		t.RefinementAttempts = 0
		t.StartedAt = nil
		t.EndedAt = nil
		t.ExecutionTimeMs = nil
		t.Error = nil
		if opts.ClearTokenUsage {
			t.TokenUsage = nil
		}

		// The job can no longer be failed/complete on account of this
		// task; recompute the derived job state.
		s.State = deriveJobState(s)
		if s.State != pipeord.JobRunning {
			s.Current = nil
			s.CurrentStage = nil
		}
		return nil
	})
}

func deriveJobState(s *pipeord.Snapshot) pipeord.JobState {
	anyFailed, anyRunning := false, false
	allDone := len(s.Tasks) > 0
	for _, t := range s.Tasks {
		switch t.State {
		case pipeord.TaskFailed:
			anyFailed = true
		case pipeord.TaskRunning:
			anyRunning = true
		}
		if t.State != pipeord.TaskDone {
			allDone = false
		}
	}
	switch {
	case anyFailed:
		return pipeord.JobFailed
	case anyRunning:
		return pipeord.JobRunning
	case allDone:
		return pipeord.JobComplete
	default:
		return pipeord.JobPending
	}
}

// Load parses a snapshot file.
func Load(path string) (*pipeord.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap pipeord.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Tasks == nil {
		snap.Tasks = map[string]*pipeord.TaskStatus{}
	}
	return &snap, nil
}
