package events

import (
	"path/filepath"
	"testing"

	"github.com/pipeord/pipeord/internal/paths"
)

func TestDetectorClassify(t *testing.T) {
	root := t.TempDir()
	res := paths.NewResolver(root)
	d := NewDetector(res, nil, nil)
	data := res.DataDir()

	tests := []struct {
		name     string
		path     string
		jobID    string
		category string
		ok       bool
	}{
		{"seed in mailbox", filepath.Join(data, "pending", "j_abc123def456-seed.json"), "j_abc123def456", "pending", true},
		{"non-seed in mailbox", filepath.Join(data, "pending", "notes.txt"), "", "", false},
		{"status write in current", filepath.Join(data, "current", "j_abc123def456", "tasks-status.json"), "j_abc123def456", "current", true},
		{"artifact deep in complete", filepath.Join(data, "complete", "j_abc123def456", "files", "t1", "output", "a.md"), "j_abc123def456", "complete", true},
		{"bogus job dir", filepath.Join(data, "current", "not a job", "tasks-status.json"), "", "", false},
		{"dotfile", filepath.Join(data, "current", "j_abc123def456", ".DS_Store"), "", "", false},
		{"atomic temp sibling", filepath.Join(data, "current", "j_abc123def456", ".tmp.tasks-status.json.1"), "", "", false},
		{"phase root itself", filepath.Join(data, "current"), "", "", false},
		{"outside the data root", filepath.Join(root, "elsewhere", "x.json"), "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change, ok := d.classify(tt.path)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if change.JobID != tt.jobID || change.Category != tt.category {
				t.Fatalf("got %+v", change)
			}
		})
	}
}
