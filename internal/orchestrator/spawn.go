package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ExecSpawner launches workers as child processes: the same binary invoked
// with the hidden worker subcommand. Workers inherit stderr for their logs
// and get the data root and pipeline selection through the environment, not
// flags, so operator overrides keep working.
type ExecSpawner struct {
	Binary      string // path to the pipeord binary; defaults to the current executable
	Root        string
	Pipeline    string
	Provider    string
	GraceWindow time.Duration // SIGTERM to SIGKILL window
	Logger      *slog.Logger
}

// Run starts the worker and blocks until it exits. Canceling ctx delivers
// SIGTERM; survivors past the grace window are killed.
func (s *ExecSpawner) Run(ctx context.Context, jobID string) error {
	bin := s.Binary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate worker binary: %w", err)
		}
		bin = self
	}

	cmd := exec.CommandContext(ctx, bin, "worker", jobID)
	cmd.Env = append(os.Environ(),
		"PO_ROOT="+s.Root,
		"PO_PIPELINE_SLUG="+s.Pipeline,
		"PO_DEFAULT_PROVIDER="+s.Provider,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		// Graceful first; the worker flushes its snapshot on SIGTERM.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.GraceWindow

	if s.Logger != nil {
		s.Logger.Debug("spawning worker", "job", jobID, "bin", bin)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("worker %s: %w", jobID, err)
	}
	return nil
}
