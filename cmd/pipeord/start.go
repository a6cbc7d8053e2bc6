package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pipeord/pipeord/internal/api"
	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/events"
	"github.com/pipeord/pipeord/internal/history"
	"github.com/pipeord/pipeord/internal/jobs"
	"github.com/pipeord/pipeord/internal/metrics"
	"github.com/pipeord/pipeord/internal/notify"
	"github.com/pipeord/pipeord/internal/orchestrator"
	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/registry"
)

// changeBuffer absorbs bursts between the detector and the enhancer.
const changeBuffer = 256

func newStartCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the orchestrator, event stream, and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireRoot(flags)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP listen port (overrides config)")
	return cmd
}

func runServer(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	res := paths.NewResolver(cfg.Root)
	store := registry.NewStore(res)
	if err := store.Init(cfg.Pipeline); err != nil {
		return fmt.Errorf("prepare data root: %w", err)
	}

	met := metrics.New()
	svc := jobs.NewService(res)
	hub := events.NewHub(met, logger)

	var recorder events.Recorder
	if cfg.Database.URL != "" {
		rec, err := history.Open(ctx, cfg.Database.URL, logger)
		if err != nil {
			return fmt.Errorf("connect history archive: %w", err)
		}
		defer rec.Close()
		recorder = rec
		logger.Info("history archive enabled")
	}

	var notifier orchestrator.Notifier
	if n := notify.New(cfg.Notify, svc, logger); n != nil {
		notifier = n
		logger.Info("notifications enabled")
	}

	orch := orchestrator.New(orchestrator.Options{
		Resolver: res,
		Config:   cfg.Orchestrator,
		Pipeline: cfg.Pipeline,
		Spawner: &orchestrator.ExecSpawner{
			Root:        cfg.Root,
			Pipeline:    cfg.Pipeline,
			Provider:    cfg.Provider,
			GraceWindow: cfg.Orchestrator.GraceWindow(),
			Logger:      logger,
		},
		Metrics:  met,
		Notifier: notifier,
		Logger:   logger,
	})
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	server := api.NewServer(api.Options{
		Config:   cfg,
		Resolver: res,
		Jobs:     svc,
		Registry: store,
		Hub:      hub,
		State:    orch,
		Metrics:  met,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: server.Handler(),
	}

	detector := events.NewDetector(res, met, logger)
	enhancer := events.NewEnhancer(svc, hub, cfg.Events.Debounce(), recorder, met, logger)
	changes := make(chan events.Change, changeBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		detector.Run(gctx, changes)
		close(changes)
		return nil
	})
	g.Go(func() error {
		enhancer.Run(gctx, changes)
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.GraceWindow())
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
