package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/registry"
	"github.com/pipeord/pipeord/internal/status"
	"github.com/pipeord/pipeord/internal/storage"
	"github.com/pipeord/pipeord/internal/tools"
)

// RunJob is the worker entrypoint: load the promoted seed and snapshot for
// jobID, execute the pipeline, and on success promote the job directory to
// complete/. A non-nil error means the job stays in current/ for
// post-mortem and the worker should exit non-zero.
func RunJob(ctx context.Context, cfg *config.Config, jobID string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if !pipeord.ValidJobID(jobID) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	res := paths.NewResolver(cfg.Root)

	seed, err := loadSeed(res.SeedPath(jobID))
	if err != nil {
		return err
	}

	slug := seed.Pipeline
	if slug == "" {
		slug = cfg.Pipeline
	}
	loaded, err := registry.NewStore(res).Load(slug)
	if err != nil {
		return fmt.Errorf("load pipeline %q: %w", slug, err)
	}

	writer, err := openOrCreateWriter(res, jobID, seed, slug, loaded.Pipeline.Tasks)
	if err != nil {
		return err
	}

	files, err := storage.NewJobFiles(paths.FilesDir(res.CurrentJob(jobID)))
	if err != nil {
		return err
	}

	r, err := New(Options{
		JobID:           jobID,
		Seed:            seed,
		Writer:          writer,
		Loaded:          loaded,
		Files:           files,
		Kit:             tools.NewKit(),
		Providers:       cfg.Providers,
		DefaultProvider: cfg.Provider,
		MaxRefinements:  cfg.Runner.MaxRefinements,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if err := r.Run(ctx); err != nil {
		return err
	}

	if err := storage.MoveDir(res.CurrentJob(jobID), res.CompleteJob(jobID)); err != nil {
		return fmt.Errorf("promote %s to complete: %w", jobID, err)
	}
	logger.Info("job complete", "job", jobID)
	return nil
}

func loadSeed(path string) (*pipeord.Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var seed pipeord.Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// openOrCreateWriter opens the snapshot the orchestrator wrote at dispatch.
// A missing file means the job was placed in current/ by hand (operator
// resumption); a fresh pending snapshot is created then.
func openOrCreateWriter(res *paths.Resolver, jobID string, seed *pipeord.Seed, slug string, taskIDs []string) (*status.Writer, error) {
	writer, err := status.OpenWriter(res.StatusPath(jobID))
	if err == nil {
		return writer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	writer = status.NewWriter(res.StatusPath(jobID), pipeord.NewSnapshot(jobID, seed.Name, slug, taskIDs))
	if err := writer.Flush(); err != nil {
		return nil, err
	}
	return writer, nil
}
