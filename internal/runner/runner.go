// Package runner executes one job's pipeline: every configured task in
// order, each task through the fixed eleven-stage lifecycle with a bounded
// critique/refine loop. The authoritative snapshot is written after every
// transition; on success the job directory is promoted to complete/.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/llm"
	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/registry"
	"github.com/pipeord/pipeord/internal/stages"
	"github.com/pipeord/pipeord/internal/status"
	"github.com/pipeord/pipeord/internal/storage"
	"github.com/pipeord/pipeord/internal/tools"
)

// ErrTaskFailed is returned when the pipeline stops on a failed task,
// either from this run or one found terminal at startup.
var ErrTaskFailed = errors.New("task failed")

// Options wires a Runner. All fields are required unless noted.
type Options struct {
	JobID           string
	Seed            *pipeord.Seed
	Writer          *status.Writer
	Loaded          *registry.Loaded
	Files           *storage.JobFiles
	Kit             *tools.Kit // optional; nil disables network builtins
	Providers       map[string]config.ProviderConfig
	DefaultProvider string
	MaxRefinements  int // fallback when the pipeline config has no bound
	Logger          *slog.Logger
}

// Runner drives one job through its task sequence. One Runner per worker
// process; execution is sequential, one task and one stage at a time.
type Runner struct {
	opts   Options
	tables map[string]stages.Table
	llms   map[string]stages.LLM // cache keyed by provider name

	// previousTaskOutputs holds earlier tasks' final integration outputs,
	// keyed by task id. In-memory only; a resumed run starts empty.
	previousTaskOutputs map[string]any
}

// New compiles the per-task executor tables and returns a ready Runner.
func New(opts Options) (*Runner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	tables := make(map[string]stages.Table, len(opts.Loaded.Pipeline.Tasks))
	for _, taskID := range opts.Loaded.Pipeline.Tasks {
		table, err := stages.BuildTable(opts.Loaded.Docs[taskID])
		if err != nil {
			return nil, err
		}
		tables[taskID] = table
	}
	return &Runner{
		opts:                opts,
		tables:              tables,
		llms:                map[string]stages.LLM{},
		previousTaskOutputs: map[string]any{},
	}, nil
}

// Run reconciles the snapshot against the pipeline config, then executes
// tasks in order. It returns nil only when every task is done.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.reconcile(); err != nil {
		return err
	}

	for _, taskID := range r.opts.Loaded.Pipeline.Tasks {
		snap := r.opts.Writer.Snapshot()
		task := snap.Tasks[taskID]

		switch task.State {
		case pipeord.TaskDone:
			continue
		case pipeord.TaskFailed:
			return fmt.Errorf("%w: %s (earlier run)", ErrTaskFailed, taskID)
		}

		if err := r.runTask(ctx, taskID); err != nil {
			return err
		}
	}

	return r.opts.Writer.Update(func(s *pipeord.Snapshot) error {
		s.State = pipeord.JobComplete
		s.Current = nil
		s.CurrentStage = nil
		return nil
	})
}

// reconcile aligns the snapshot with the pipeline config: new tasks are
// added as pending, and any task left in running by a crashed worker is
// reset to pending. Its stage state was never flushed, so it re-executes
// from the top.
func (r *Runner) reconcile() error {
	return r.opts.Writer.Update(func(s *pipeord.Snapshot) error {
		if s.Pipeline == "" {
			s.Pipeline = r.opts.Loaded.Slug
		}
		if s.Name == "" {
			s.Name = r.opts.Seed.Name
		}
		for _, taskID := range r.opts.Loaded.Pipeline.Tasks {
			if _, ok := s.Tasks[taskID]; !ok {
				s.Tasks[taskID] = &pipeord.TaskStatus{State: pipeord.TaskPending}
			}
		}
		for id, t := range s.Tasks {
			if t.State == pipeord.TaskRunning {
				r.opts.Logger.Warn("resetting interrupted task", "task", id)
				t.State = pipeord.TaskPending
				t.CurrentStage = nil
			}
		}
		// A snapshot left mid-run says running; no task is anymore.
		if s.State == pipeord.JobRunning {
			s.State = pipeord.JobPending
			s.Current = nil
			s.CurrentStage = nil
		}
		return nil
	})
}

// runTask drives one task through the stage lifecycle.
func (r *Runner) runTask(ctx context.Context, taskID string) error {
	log := r.opts.Logger.With("job", r.opts.JobID, "task", taskID)
	startedAt := time.Now().UTC()

	var attempt int
	err := r.opts.Writer.Update(func(s *pipeord.Snapshot) error {
		t := s.Tasks[taskID]
		t.State = pipeord.TaskRunning
		t.CurrentStage = stagePtr(pipeord.StageIngestion)
		t.Attempts++
		attempt = t.Attempts
		t.StartedAt = &startedAt
		s.State = pipeord.JobRunning
		s.Current = &taskID
		s.CurrentStage = stagePtr(pipeord.StageIngestion)
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("task started", "attempt", attempt)

	exec := &taskExec{
		runner:  r,
		taskID:  taskID,
		attempt: attempt,
		io:      newJobIO(r.opts.Files, taskID),
		data:    map[string]any{"previousTaskOutputs": r.previousTaskOutputs},
		flags:   map[string]any{},
		output:  any(r.opts.Seed.Data),
		prev:    "seed",
	}

	maxRefinements := r.opts.Loaded.Pipeline.MaxRefinementsFor(taskID, r.opts.MaxRefinements)

	i := 0
	for i < len(pipeord.StageOrder) {
		if ctx.Err() != nil {
			// Graceful stop: flush what we have and get out. The task stays
			// running on disk; the next run resets it to pending.
			r.opts.Writer.Flush()
			return ctx.Err()
		}

		stage := pipeord.StageOrder[i]
		// critique and refine only run through the refinement branch below.
		if stage == pipeord.StageCritique || stage == pipeord.StageRefine {
			i++
			continue
		}

		if err := exec.runStage(ctx, stage); err != nil {
			return r.failTask(taskID, stage, err, log)
		}

		if stage == pipeord.StageValidateQuality && truthy(exec.flags[pipeord.FlagRefinementNeeded]) {
			refinements := r.opts.Writer.Snapshot().Tasks[taskID].RefinementAttempts
			if refinements >= maxRefinements {
				log.Warn("refinement bound exceeded", "attempts", refinements, "max", maxRefinements)
				return r.failTask(taskID, pipeord.StageRefine,
					fmt.Errorf("refinement bound exceeded after %d attempts", refinements), log)
			}

			if err := exec.runStage(ctx, pipeord.StageCritique); err != nil {
				return r.failTask(taskID, pipeord.StageCritique, err, log)
			}
			if err := exec.runStage(ctx, pipeord.StageRefine); err != nil {
				return r.failTask(taskID, pipeord.StageRefine, err, log)
			}

			exec.flags[pipeord.FlagRefinementNeeded] = false
			if err := r.opts.Writer.Update(func(s *pipeord.Snapshot) error {
				s.Tasks[taskID].RefinementAttempts++
				return nil
			}); err != nil {
				return err
			}
			log.Info("refinement loop", "iteration", refinements+1)
			i = pipeord.StageIndex(pipeord.StagePromptTemplating)
			continue
		}

		i++
	}

	r.previousTaskOutputs[taskID] = exec.data[string(pipeord.StageIntegration)]

	endedAt := time.Now().UTC()
	elapsed := endedAt.Sub(startedAt).Milliseconds()
	err = r.opts.Writer.Update(func(s *pipeord.Snapshot) error {
		t := s.Tasks[taskID]
		t.State = pipeord.TaskDone
		t.CurrentStage = nil
		t.EndedAt = &endedAt
		t.ExecutionTimeMs = &elapsed
		s.CurrentStage = nil
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("task done", "elapsed_ms", elapsed)
	return nil
}

// failTask records a stage failure and marks task and job failed. The job
// directory stays in current/ for post-mortem.
func (r *Runner) failTask(taskID string, stage pipeord.Stage, cause error, log *slog.Logger) error {
	log.Error("task failed", "stage", stage, "err", cause)
	endedAt := time.Now().UTC()
	werr := r.opts.Writer.Update(func(s *pipeord.Snapshot) error {
		t := s.Tasks[taskID]
		t.State = pipeord.TaskFailed
		t.FailedStage = stagePtr(stage)
		t.CurrentStage = nil
		t.EndedAt = &endedAt
		if t.StartedAt != nil {
			elapsed := endedAt.Sub(*t.StartedAt).Milliseconds()
			t.ExecutionTimeMs = &elapsed
		}
		t.Error = &pipeord.TaskError{Message: cause.Error()}
		s.State = pipeord.JobFailed
		s.Current = nil
		s.CurrentStage = nil
		return nil
	})
	if werr != nil {
		return fmt.Errorf("record failure of %s: %w", taskID, werr)
	}
	return fmt.Errorf("%w: %s at %s: %v", ErrTaskFailed, taskID, stage, cause)
}

// llmFor resolves the provider for one task into the opaque callable stages
// see, caching by provider name.
func (r *Runner) llmFor(taskID string) (stages.LLM, error) {
	name := r.opts.Loaded.Pipeline.ProviderFor(taskID, r.opts.DefaultProvider)
	if fn, ok := r.llms[name]; ok {
		return fn, nil
	}
	provider, err := llm.Select(name, r.opts.Providers)
	if err != nil {
		return nil, err
	}
	fn := stages.LLM(provider.Generate)
	r.llms[name] = fn
	return fn, nil
}

// taskExec carries the mutable per-task state between stages.
type taskExec struct {
	runner  *Runner
	taskID  string
	attempt int
	io      *jobIO
	data    map[string]any
	flags   map[string]any
	output  any
	prev    string
}

// runStage records the stage transition, invokes the executor, then merges
// output and flags and registers produced files. Two snapshot writes frame
// the invocation, so the active stage is always observable on disk.
func (e *taskExec) runStage(ctx context.Context, stage pipeord.Stage) error {
	r := e.runner
	if err := r.opts.Writer.Update(func(s *pipeord.Snapshot) error {
		s.Tasks[e.taskID].CurrentStage = stagePtr(stage)
		s.CurrentStage = stagePtr(stage)
		return nil
	}); err != nil {
		return err
	}

	var executor stages.Executor = stages.Passthrough{}
	if ex, ok := r.tables[e.taskID][stage]; ok {
		executor = ex
	}

	llmFn, err := r.llmFor(e.taskID)
	if err != nil {
		return err
	}

	sc := &stages.Context{
		Seed:          r.opts.Seed,
		Data:          e.data,
		PreviousStage: e.prev,
		Output:        e.output,
		Flags:         e.flags,
		Meta: stages.Meta{
			JobID:   r.opts.JobID,
			TaskID:  e.taskID,
			Stage:   stage,
			Attempt: e.attempt,
		},
		IO:    e.io,
		LLM:   llmFn,
		Tools: r.opts.Kit,
	}

	result, err := executor.Execute(ctx, sc)
	if err != nil {
		return err
	}

	e.data[string(stage)] = result.Output
	e.output = result.Output
	e.prev = string(stage)
	for k, v := range result.Flags {
		e.flags[k] = v
	}

	return r.opts.Writer.Update(func(s *pipeord.Snapshot) error {
		t := s.Tasks[e.taskID]
		t.TokenUsage = append(t.TokenUsage, result.TokenUsage...)
		t.Files = pipeord.FileSet{
			Artifacts: e.io.writtenNames(storage.KindArtifacts),
			Logs:      e.io.writtenNames(storage.KindLogs),
			Tmp:       e.io.writtenNames(storage.KindTmp),
		}
		s.Files = jobFileSet(r.opts.Files)
		return nil
	})
}

// jobFileSet lists the job-level files from disk, so names written by any
// task (or outside jobIO) stay registered.
func jobFileSet(files *storage.JobFiles) pipeord.FileSet {
	var fs pipeord.FileSet
	if names, err := files.List(storage.KindArtifacts); err == nil {
		fs.Artifacts = names
	}
	if names, err := files.List(storage.KindLogs); err == nil {
		fs.Logs = names
	}
	if names, err := files.List(storage.KindTmp); err == nil {
		fs.Tmp = names
	}
	return fs
}

func stagePtr(s pipeord.Stage) *pipeord.Stage { return &s }

// truthy applies the flag convention: only boolean true requests work.
func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
