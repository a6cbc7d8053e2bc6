package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/registry"
	"github.com/pipeord/pipeord/internal/status"
)

// fakeSpawner records spawned jobs and optionally blocks until released.
type fakeSpawner struct {
	mu      sync.Mutex
	runs    []string
	active  map[string]int
	overlap bool
	block   chan struct{}
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{active: map[string]int{}}
}

func (f *fakeSpawner) Run(_ context.Context, jobID string) error {
	f.mu.Lock()
	f.runs = append(f.runs, jobID)
	f.active[jobID]++
	if f.active[jobID] > 1 {
		f.overlap = true
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	f.active[jobID]--
	f.mu.Unlock()
	return nil
}

func (f *fakeSpawner) runCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.runs {
		if id == jobID {
			n++
		}
	}
	return n
}

func newTestOrchestrator(t *testing.T, spawner Spawner) (*Orchestrator, *paths.Resolver) {
	t.Helper()
	root := t.TempDir()
	res := paths.NewResolver(root)
	if err := registry.NewStore(res).Init("default"); err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	o := New(Options{
		Resolver: res,
		Config: config.OrchestratorConfig{
			MaxWorkers:         4,
			GraceWindowSeconds: 1,
		},
		Pipeline: "default",
		Spawner:  spawner,
	})
	return o, res
}

func writeSeed(t *testing.T, res *paths.Resolver, jobID string) string {
	t.Helper()
	seed := pipeord.Seed{Name: "test-" + jobID, Data: map[string]any{"k": "v"}}
	data, _ := json.Marshal(seed)
	path := res.PendingSeed(jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatchPromotesSeedAndSpawnsWorker(t *testing.T) {
	spawner := newFakeSpawner()
	o, res := newTestOrchestrator(t, spawner)

	path := writeSeed(t, res, "j_dispatch1")
	o.onSeedAppeared(context.Background(), path)

	waitFor(t, func() bool { return spawner.runCount("j_dispatch1") == 1 })

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("seed still in the mailbox after dispatch")
	}
	if _, err := os.Stat(res.SeedPath("j_dispatch1")); err != nil {
		t.Errorf("promoted seed missing: %v", err)
	}

	snap, err := status.Load(res.StatusPath("j_dispatch1"))
	if err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
	if snap.State != pipeord.JobPending {
		t.Errorf("initial state = %q, want pending", snap.State)
	}
	if got := snap.Tasks["demo"]; got == nil || got.State != pipeord.TaskPending {
		t.Errorf("demo task = %+v, want pending", got)
	}
}

func TestDuplicateEventsSpawnOneWorker(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.block = make(chan struct{})
	o, res := newTestOrchestrator(t, spawner)

	path := writeSeed(t, res, "j_dup000001")
	ctx := context.Background()
	o.onSeedAppeared(ctx, path)
	waitFor(t, func() bool { return spawner.runCount("j_dup000001") == 1 })

	// Coalesced duplicates: same path again, then the promoted destination
	// already existing.
	o.onSeedAppeared(ctx, path)
	writeSeed(t, res, "j_dup000001")
	o.onSeedAppeared(ctx, path)
	time.Sleep(50 * time.Millisecond)

	close(spawner.block)
	o.workers.Wait()

	if got := spawner.runCount("j_dup000001"); got != 1 {
		t.Errorf("worker spawned %d times, want 1", got)
	}
	if spawner.overlap {
		t.Error("two workers overlapped for one job")
	}
}

func TestNonMatchingFilesIgnored(t *testing.T) {
	spawner := newFakeSpawner()
	o, res := newTestOrchestrator(t, spawner)

	pending := res.PendingDir()
	os.MkdirAll(pending, 0o755)
	for _, name := range []string{"notes.txt", "short-seed.json", ".hidden-seed.json", "bad!id-seed.json"} {
		os.WriteFile(filepath.Join(pending, name), []byte("{}"), 0o644)
		o.onSeedAppeared(context.Background(), filepath.Join(pending, name))
	}
	time.Sleep(50 * time.Millisecond)

	if len(spawner.runs) != 0 {
		t.Errorf("spawned for non-seed files: %v", spawner.runs)
	}
}

func TestMalformedSeedLeftInPlace(t *testing.T) {
	spawner := newFakeSpawner()
	o, res := newTestOrchestrator(t, spawner)

	path := filepath.Join(res.PendingDir(), "j_broken001-seed.json")
	os.MkdirAll(res.PendingDir(), 0o755)
	os.WriteFile(path, []byte("{not json"), 0o644)

	o.onSeedAppeared(context.Background(), path)
	time.Sleep(50 * time.Millisecond)

	if _, err := os.Stat(path); err != nil {
		t.Error("malformed seed was removed from the mailbox")
	}
	if len(spawner.runs) != 0 {
		t.Error("worker spawned for malformed seed")
	}
}

func TestScanPendingDispatchesBacklog(t *testing.T) {
	spawner := newFakeSpawner()
	o, res := newTestOrchestrator(t, spawner)

	writeSeed(t, res, "j_backlog01")
	writeSeed(t, res, "j_backlog02")

	o.ScanPending(context.Background())
	waitFor(t, func() bool {
		return spawner.runCount("j_backlog01") == 1 && spawner.runCount("j_backlog02") == 1
	})
}

func TestResumeOnStartRespectsStates(t *testing.T) {
	spawner := newFakeSpawner()
	o, res := newTestOrchestrator(t, spawner)
	o.opts.Config.ResumeOnStart = true

	// One resumable job, one failed job that must stay put.
	for jobID, state := range map[string]pipeord.JobState{
		"j_resume001": pipeord.JobPending,
		"j_failed001": pipeord.JobFailed,
	} {
		snap := pipeord.NewSnapshot(jobID, "n", "default", []string{"demo"})
		if state == pipeord.JobFailed {
			snap.Tasks["demo"].State = pipeord.TaskFailed
			snap.State = pipeord.JobFailed
		}
		w := status.NewWriter(res.StatusPath(jobID), snap)
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
	}

	o.resumeCurrent(context.Background())
	waitFor(t, func() bool { return spawner.runCount("j_resume001") == 1 })
	time.Sleep(50 * time.Millisecond)

	if spawner.runCount("j_failed001") != 0 {
		t.Error("failed job was resumed")
	}
}

func TestWatcherPicksUpNewSeeds(t *testing.T) {
	spawner := newFakeSpawner()
	o, res := newTestOrchestrator(t, spawner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	// Starting twice is a no-op.
	if err := o.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	writeSeed(t, res, "j_watched01")
	waitFor(t, func() bool { return spawner.runCount("j_watched01") == 1 })

	if state := o.State(); state.Watching != res.PendingDir() {
		t.Errorf("state.Watching = %q", state.Watching)
	}
}
