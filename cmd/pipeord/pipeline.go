package main

import (
	"github.com/spf13/cobra"

	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/registry"
)

func newInitCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Scaffold the data root: phase directories, registry, starter pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireRoot(flags)
			if err != nil {
				return err
			}
			store := registry.NewStore(paths.NewResolver(cfg.Root))
			if err := store.Init(cfg.Pipeline); err != nil {
				return err
			}
			cmd.Printf("Initialized data root at %s (pipeline %q)\n", cfg.Root, cfg.Pipeline)
			return nil
		},
	}
}

func newAddPipelineCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add-pipeline <slug>",
		Short: "Register a new pipeline with an empty task list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireRoot(flags)
			if err != nil {
				return err
			}
			store := registry.NewStore(paths.NewResolver(cfg.Root))
			if err := store.AddPipeline(args[0]); err != nil {
				return err
			}
			cmd.Printf("Added pipeline %q\n", args[0])
			return nil
		},
	}
}

func newAddPipelineTaskCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add-pipeline-task <slug> <task>",
		Short: "Append a task scaffold to a pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireRoot(flags)
			if err != nil {
				return err
			}
			store := registry.NewStore(paths.NewResolver(cfg.Root))
			if err := store.AddTask(args[0], args[1]); err != nil {
				return err
			}
			cmd.Printf("Added task %q to pipeline %q\n", args[1], args[0])
			return nil
		},
	}
}
