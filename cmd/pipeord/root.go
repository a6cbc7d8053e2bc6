package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pipeord/pipeord/internal/config"
)

// rootFlags are shared across subcommands.
type rootFlags struct {
	configPath string
	root       string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "pipeord",
		Short:         "Filesystem-mailbox pipeline job orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A .env beside the process is a convenience for API keys;
			// absence is fine.
			godotenv.Load()
			return setupLogging(flags.logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to pipeord.yaml (default: ./pipeord.yaml)")
	cmd.PersistentFlags().StringVar(&flags.root, "root", "", "data root directory (overrides config and PO_ROOT)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newInitCmd(flags),
		newStartCmd(flags),
		newSubmitCmd(flags),
		newStatusCmd(flags),
		newResetTaskCmd(flags),
		newAddPipelineCmd(flags),
		newAddPipelineTaskCmd(flags),
		newWorkerCmd(flags),
	)
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	return cmd
}

func setupLogging(level string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadConfig resolves configuration with flag > env > file precedence for
// the data root.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if flags.configPath != "" {
		cfg, err = config.Load(flags.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if flags.root != "" {
		cfg.Root = flags.root
	}
	return cfg, nil
}

// requireRoot loads config and insists on a data root.
func requireRoot(flags *rootFlags) (*config.Config, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if cfg.Root == "" {
		return nil, config.ErrRootRequired
	}
	return cfg, nil
}
