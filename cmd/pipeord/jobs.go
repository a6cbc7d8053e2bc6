package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pipeord/pipeord/internal/jobs"
	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/status"
	"github.com/pipeord/pipeord/internal/storage"
)

func newSubmitCmd(flags *rootFlags) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "submit <seed-file>",
		Short: "Drop a seed into the mailbox and print the assigned job id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireRoot(flags)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var seed pipeord.Seed
			if err := json.Unmarshal(raw, &seed); err != nil {
				return fmt.Errorf("invalid seed JSON: %w", err)
			}
			if name != "" {
				seed.Name = name
				raw, err = json.MarshalIndent(&seed, "", "  ")
				if err != nil {
					return err
				}
			}
			if err := seed.Validate(); err != nil {
				return fmt.Errorf("seed %s: %w", args[0], err)
			}

			res := paths.NewResolver(cfg.Root)
			if err := os.MkdirAll(res.PendingDir(), 0o755); err != nil {
				return err
			}
			jobID := pipeord.GenerateJobID()
			if err := storage.WriteFileAtomic(res.PendingSeed(jobID), raw, 0o644); err != nil {
				return err
			}
			cmd.Printf("Submitted %q as %s\n", seed.Name, jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "override the seed's name field")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [jobId]",
		Short: "Show all jobs, or the task breakdown of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireRoot(flags)
			if err != nil {
				return err
			}
			svc := jobs.NewService(paths.NewResolver(cfg.Root))
			if len(args) == 1 {
				return printJobDetail(cmd, svc, args[0])
			}
			return printJobList(cmd, svc)
		},
	}
}

func printJobList(cmd *cobra.Command, svc *jobs.Service) error {
	list, err := svc.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		cmd.Println("No jobs.")
		return nil
	}
	cmd.Printf("%-14s  %-24s  %-14s  %-8s  %5s  %s\n",
		"JOB", "NAME", "PIPELINE", "STATUS", "PROG", "WHERE")
	for _, job := range list {
		cmd.Printf("%-14s  %-24s  %-14s  %-8s  %4d%%  %s\n",
			job.ID, truncate(job.Name, 24), job.Pipeline, job.Status,
			job.Progress, job.Location)
	}
	return nil
}

func printJobDetail(cmd *cobra.Command, svc *jobs.Service, jobID string) error {
	job, err := svc.Get(jobID)
	if err != nil {
		return err
	}
	cmd.Printf("%s  %q  pipeline=%s  status=%s  progress=%d%%  [%s]\n",
		job.ID, job.Name, job.Pipeline, job.Status, job.Progress, job.Location)

	taskIDs := make([]string, 0, len(job.TasksStatus))
	for id := range job.TasksStatus {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	for _, id := range taskIDs {
		t := job.TasksStatus[id]
		line := fmt.Sprintf("  %-20s %-8s attempts=%d", id, t.State, t.Attempts)
		if t.CurrentStage != nil {
			line += fmt.Sprintf(" stage=%s", *t.CurrentStage)
		}
		if t.FailedStage != nil {
			line += fmt.Sprintf(" failedStage=%s", *t.FailedStage)
		}
		if t.RefinementAttempts > 0 {
			line += fmt.Sprintf(" refinements=%d", t.RefinementAttempts)
		}
		if t.Error != nil {
			line += fmt.Sprintf(" error=%q", t.Error.Message)
		}
		cmd.Println(line)
	}
	return nil
}

func newResetTaskCmd(flags *rootFlags) *cobra.Command {
	var keepTokenUsage bool

	cmd := &cobra.Command{
		Use:   "reset-task <jobId> <taskId>",
		Short: "Return one task to pending so the next run redoes it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireRoot(flags)
			if err != nil {
				return err
			}
			jobID, taskID := args[0], args[1]
			res := paths.NewResolver(cfg.Root)

			writer, err := status.OpenWriter(res.StatusPath(jobID))
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("job %s has no active snapshot; only jobs in current/ can be reset", jobID)
				}
				return err
			}
			if err := writer.ResetSingleTask(taskID, status.ResetOptions{
				ClearTokenUsage: !keepTokenUsage,
			}); err != nil {
				return err
			}
			cmd.Printf("Task %q of %s is pending again\n", taskID, jobID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepTokenUsage, "keep-token-usage", false, "preserve recorded token usage")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
