package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pipeord/pipeord/internal/runner"
)

// newWorkerCmd is the hidden subprocess entry point the orchestrator spawns
// per job. It runs the job to a terminal state and exits; SIGTERM flushes
// the snapshot and stops between stages.
func newWorkerCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "worker <jobId>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireRoot(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := slog.Default().With("job", args[0])
			if err := runner.RunJob(ctx, cfg, args[0], logger); err != nil {
				// Context cancellation is a clean shutdown, not a failure
				// the supervisor needs to hear about twice.
				if ctx.Err() != nil {
					logger.Info("worker interrupted", "err", err)
					return nil
				}
				return err
			}
			return nil
		},
	}
}
