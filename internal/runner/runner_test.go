package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/registry"
	"github.com/pipeord/pipeord/internal/stages"
	"github.com/pipeord/pipeord/internal/status"
	"github.com/pipeord/pipeord/internal/storage"
)

// scriptedStage is a configurable fake executor used to drive the lifecycle
// from tests: it records invocations and returns canned results or errors.
type scriptedStage struct {
	trace  *[]string
	label  string
	fn     func(call int, sc *stages.Context) (*stages.Result, error)
	calls  int
	result *stages.Result
	err    error
}

func (s *scriptedStage) Type() string { return "scripted" }

func (s *scriptedStage) Execute(_ context.Context, sc *stages.Context) (*stages.Result, error) {
	s.calls++
	if s.trace != nil {
		*s.trace = append(*s.trace, s.label)
	}
	if s.fn != nil {
		return s.fn(s.calls, sc)
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &stages.Result{Output: sc.Output, Flags: map[string]any{}}, nil
}

type testRig struct {
	runner *Runner
	writer *status.Writer
	dir    string
}

func newRig(t *testing.T, taskIDs []string) *testRig {
	t.Helper()
	dir := t.TempDir()

	seed := &pipeord.Seed{Name: "rig", Data: map[string]any{"t": "x"}}
	snap := pipeord.NewSnapshot("j_rig000001", seed.Name, "default", taskIDs)
	writer := status.NewWriter(filepath.Join(dir, paths.StatusFileName), snap)
	if err := writer.Flush(); err != nil {
		t.Fatalf("flush initial snapshot: %v", err)
	}

	files, err := storage.NewJobFiles(filepath.Join(dir, "files"))
	if err != nil {
		t.Fatalf("job files: %v", err)
	}

	loaded := &registry.Loaded{
		Slug:     "default",
		Pipeline: &pipeord.Pipeline{Name: "default", Version: 1, Tasks: taskIDs},
		Docs:     map[string]*registry.TaskDocument{},
	}

	r, err := New(Options{
		JobID:           "j_rig000001",
		Seed:            seed,
		Writer:          writer,
		Loaded:          loaded,
		Files:           files,
		Providers:       map[string]config.ProviderConfig{},
		DefaultProvider: "echo",
		MaxRefinements:  3,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return &testRig{runner: r, writer: writer, dir: dir}
}

func (rig *testRig) setStage(taskID string, stage pipeord.Stage, exec stages.Executor) {
	table := rig.runner.tables[taskID]
	if table == nil {
		table = stages.Table{}
		rig.runner.tables[taskID] = table
	}
	table[stage] = exec
}

func TestRunWalksStagesInOrder(t *testing.T) {
	rig := newRig(t, []string{"alpha"})

	var trace []string
	for _, stage := range pipeord.StageOrder {
		rig.setStage("alpha", stage, &scriptedStage{trace: &trace, label: string(stage)})
	}

	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// critique/refine are skipped when quality passes.
	want := []string{
		"ingestion", "preProcessing", "promptTemplating", "inference",
		"parsing", "validateStructure", "validateQuality",
		"finalValidation", "integration",
	}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %q, want %q", i, trace[i], want[i])
		}
	}

	snap := rig.writer.Snapshot()
	if snap.State != pipeord.JobComplete {
		t.Errorf("job state = %q, want complete", snap.State)
	}
	task := snap.Tasks["alpha"]
	if task.State != pipeord.TaskDone {
		t.Errorf("task state = %q, want done", task.State)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", task.Attempts)
	}
	if task.ExecutionTimeMs == nil {
		t.Error("executionTimeMs not set")
	}
	if snap.Current != nil || snap.CurrentStage != nil {
		t.Error("completed job still reports an active task")
	}
}

func TestRefinementLoopRecovers(t *testing.T) {
	rig := newRig(t, []string{"alpha"})

	var trace []string
	rig.setStage("alpha", pipeord.StageValidateQuality, &scriptedStage{
		trace: &trace, label: "validateQuality",
		fn: func(call int, sc *stages.Context) (*stages.Result, error) {
			// First pass requests refinement, second is satisfied.
			return &stages.Result{
				Output: sc.Output,
				Flags:  map[string]any{pipeord.FlagRefinementNeeded: call == 1},
			}, nil
		},
	})
	for _, stage := range []pipeord.Stage{
		pipeord.StagePromptTemplating, pipeord.StageCritique, pipeord.StageRefine,
	} {
		rig.setStage("alpha", stage, &scriptedStage{trace: &trace, label: string(stage)})
	}

	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		"promptTemplating", "validateQuality", "critique", "refine",
		"promptTemplating", "validateQuality",
	}
	if fmt.Sprint(trace) != fmt.Sprint(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}

	task := rig.writer.Snapshot().Tasks["alpha"]
	if task.RefinementAttempts != 1 {
		t.Errorf("refinementAttempts = %d, want 1", task.RefinementAttempts)
	}
	if task.State != pipeord.TaskDone {
		t.Errorf("task state = %q, want done", task.State)
	}
}

func TestRefinementBoundExceededFailsTask(t *testing.T) {
	rig := newRig(t, []string{"alpha"})

	rig.setStage("alpha", pipeord.StageValidateQuality, &scriptedStage{
		result: &stages.Result{Flags: map[string]any{pipeord.FlagRefinementNeeded: true}},
	})

	err := rig.runner.Run(context.Background())
	if !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("run err = %v, want ErrTaskFailed", err)
	}

	snap := rig.writer.Snapshot()
	task := snap.Tasks["alpha"]
	if task.State != pipeord.TaskFailed {
		t.Fatalf("task state = %q, want failed", task.State)
	}
	if task.FailedStage == nil || *task.FailedStage != pipeord.StageRefine {
		t.Errorf("failedStage = %v, want refine", task.FailedStage)
	}
	if task.RefinementAttempts != 3 {
		t.Errorf("refinementAttempts = %d, want 3", task.RefinementAttempts)
	}
	if snap.State != pipeord.JobFailed {
		t.Errorf("job state = %q, want failed", snap.State)
	}
}

func TestValidateStructureFailureIsFatal(t *testing.T) {
	rig := newRig(t, []string{"alpha"})
	rig.setStage("alpha", pipeord.StageValidateStructure, &scriptedStage{
		err: errors.New("schema mismatch"),
	})

	err := rig.runner.Run(context.Background())
	if !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("run err = %v, want ErrTaskFailed", err)
	}

	task := rig.writer.Snapshot().Tasks["alpha"]
	if task.FailedStage == nil || *task.FailedStage != pipeord.StageValidateStructure {
		t.Errorf("failedStage = %v, want validateStructure", task.FailedStage)
	}
	if task.Error == nil || task.Error.Message != "schema mismatch" {
		t.Errorf("error record = %+v, want schema mismatch", task.Error)
	}
}

func TestDoneTaskIsSkipped(t *testing.T) {
	rig := newRig(t, []string{"alpha", "beta"})
	if err := rig.writer.Update(func(s *pipeord.Snapshot) error {
		s.Tasks["alpha"].State = pipeord.TaskDone
		return nil
	}); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	alpha := &scriptedStage{}
	rig.setStage("alpha", pipeord.StageIngestion, alpha)

	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if alpha.calls != 0 {
		t.Errorf("done task re-executed %d times", alpha.calls)
	}
	if got := rig.writer.Snapshot().State; got != pipeord.JobComplete {
		t.Errorf("job state = %q, want complete", got)
	}
}

func TestEarlierFailedTaskAbortsJob(t *testing.T) {
	rig := newRig(t, []string{"alpha", "beta"})
	if err := rig.writer.Update(func(s *pipeord.Snapshot) error {
		s.Tasks["alpha"].State = pipeord.TaskFailed
		s.State = pipeord.JobFailed
		return nil
	}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	beta := &scriptedStage{}
	rig.setStage("beta", pipeord.StageIngestion, beta)

	err := rig.runner.Run(context.Background())
	if !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("run err = %v, want ErrTaskFailed", err)
	}
	if beta.calls != 0 {
		t.Error("task after a failed one was executed")
	}
}

func TestReconcileResetsInterruptedTask(t *testing.T) {
	rig := newRig(t, []string{"alpha"})
	stage := pipeord.StageInference
	if err := rig.writer.Update(func(s *pipeord.Snapshot) error {
		s.Tasks["alpha"].State = pipeord.TaskRunning
		s.Tasks["alpha"].CurrentStage = &stage
		s.State = pipeord.JobRunning
		s.Current = strPtr("alpha")
		return nil
	}); err != nil {
		t.Fatalf("seed interrupted state: %v", err)
	}

	ingest := &scriptedStage{}
	rig.setStage("alpha", pipeord.StageIngestion, ingest)

	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	// The interrupted task re-executed from the top.
	if ingest.calls != 1 {
		t.Errorf("ingestion calls = %d, want 1", ingest.calls)
	}
	if got := rig.writer.Snapshot().Tasks["alpha"].State; got != pipeord.TaskDone {
		t.Errorf("task state = %q, want done", got)
	}
}

func TestActiveStageObservableInSnapshot(t *testing.T) {
	rig := newRig(t, []string{"alpha"})

	var observed pipeord.Stage
	rig.setStage("alpha", pipeord.StageParsing, &scriptedStage{
		fn: func(_ int, sc *stages.Context) (*stages.Result, error) {
			snap := rig.writer.Snapshot()
			if snap.CurrentStage != nil {
				observed = *snap.CurrentStage
			}
			return &stages.Result{Output: sc.Output, Flags: map[string]any{}}, nil
		},
	})

	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if observed != pipeord.StageParsing {
		t.Errorf("snapshot during parsing reported stage %q", observed)
	}
}

func TestStageOutputsChainAndFilesRegister(t *testing.T) {
	rig := newRig(t, []string{"alpha"})

	rig.setStage("alpha", pipeord.StageIngestion, &scriptedStage{
		result: &stages.Result{Output: "raw", Flags: map[string]any{}},
	})
	rig.setStage("alpha", pipeord.StagePreProcessing, &scriptedStage{
		fn: func(_ int, sc *stages.Context) (*stages.Result, error) {
			if sc.Output != "raw" {
				return nil, fmt.Errorf("previous output = %v, want raw", sc.Output)
			}
			if sc.PreviousStage != "ingestion" {
				return nil, fmt.Errorf("previousStage = %q", sc.PreviousStage)
			}
			if err := sc.IO.WriteArtifact("out.txt", []byte("payload")); err != nil {
				return nil, err
			}
			return &stages.Result{
				Output:     "cooked",
				Flags:      map[string]any{},
				TokenUsage: []pipeord.TokenUsage{{Model: "echo", InputTokens: 2}},
			}, nil
		},
	})

	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	task := rig.writer.Snapshot().Tasks["alpha"]
	if len(task.Files.Artifacts) != 1 || task.Files.Artifacts[0] != "out.txt" {
		t.Errorf("artifacts = %v, want [out.txt]", task.Files.Artifacts)
	}
	if len(task.TokenUsage) != 1 || task.TokenUsage[0].Model != "echo" {
		t.Errorf("tokenUsage = %v", task.TokenUsage)
	}
	if _, err := os.Stat(filepath.Join(rig.dir, "files", "artifacts", "out.txt")); err != nil {
		t.Errorf("artifact not on disk: %v", err)
	}
}

func TestPreviousTaskOutputsVisibleToLaterTasks(t *testing.T) {
	rig := newRig(t, []string{"alpha", "beta"})

	rig.setStage("alpha", pipeord.StageIntegration, &scriptedStage{
		result: &stages.Result{Output: "alpha-final", Flags: map[string]any{}},
	})

	var seen any
	rig.setStage("beta", pipeord.StageIngestion, &scriptedStage{
		fn: func(_ int, sc *stages.Context) (*stages.Result, error) {
			prev, _ := sc.Data["previousTaskOutputs"].(map[string]any)
			seen = prev["alpha"]
			return &stages.Result{Output: sc.Output, Flags: map[string]any{}}, nil
		},
	})

	if err := rig.runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if seen != "alpha-final" {
		t.Errorf("previousTaskOutputs[alpha] = %v, want alpha-final", seen)
	}
}

func TestCanceledContextFlushesAndStops(t *testing.T) {
	rig := newRig(t, []string{"alpha"})

	ctx, cancel := context.WithCancel(context.Background())
	rig.setStage("alpha", pipeord.StageIngestion, &scriptedStage{
		fn: func(_ int, sc *stages.Context) (*stages.Result, error) {
			cancel()
			return &stages.Result{Output: sc.Output, Flags: map[string]any{}}, nil
		},
	})

	err := rig.runner.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run err = %v, want context.Canceled", err)
	}
	// The interrupted task is left running; the next run's reconcile resets it.
	if got := rig.writer.Snapshot().Tasks["alpha"].State; got != pipeord.TaskRunning {
		t.Errorf("task state = %q, want running", got)
	}
}

func strPtr(s string) *string { return &s }
