// Package orchestrator watches the seed mailbox and dispatches jobs: each
// matched seed is atomically promoted into current/, given an initial
// status snapshot, and handed to exactly one isolated worker process. The
// in-memory running map plus the destination-exists check enforce the
// at-most-one-worker-per-job invariant.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/metrics"
	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/registry"
	"github.com/pipeord/pipeord/internal/status"
	"github.com/pipeord/pipeord/internal/storage"
)

// maxWatchBackoff caps the delay between watcher restarts.
const maxWatchBackoff = 30 * time.Second

// Spawner runs one worker for a job and blocks until it exits. The
// production implementation launches a child process; tests substitute
// their own.
type Spawner interface {
	Run(ctx context.Context, jobID string) error
}

// Notifier receives terminal worker outcomes. err is nil on success.
type Notifier interface {
	JobFinished(jobID string, err error)
}

// Options wires an Orchestrator.
type Options struct {
	Resolver *paths.Resolver
	Config   config.OrchestratorConfig
	Pipeline string // default pipeline slug for seeds that name none
	Spawner  Spawner
	Metrics  *metrics.Set // optional
	Notifier Notifier     // optional
	Logger   *slog.Logger
}

// Orchestrator is the mailbox watcher and job dispatcher.
type Orchestrator struct {
	opts  Options
	store *registry.Store

	mu      sync.Mutex
	running map[string]struct{}
	started bool

	watchRestarts int
	lastWatchErr  string

	cancel  context.CancelFunc
	workers sync.WaitGroup
	loops   sync.WaitGroup
	sem     *semaphore.Weighted
	cron    *cron.Cron
}

// New returns an Orchestrator. Start must be called before it does anything.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	o := &Orchestrator{
		opts:    opts,
		store:   registry.NewStore(opts.Resolver),
		running: map[string]struct{}{},
	}
	if n := opts.Config.MaxWorkers; n > 0 {
		o.sem = semaphore.NewWeighted(int64(n))
	}
	return o
}

// Start begins watching the pending mailbox. Idempotent: a second call on a
// started orchestrator is a no-op. It fails only when the data root cannot
// be prepared.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	for _, dir := range []string{
		o.opts.Resolver.PendingDir(),
		o.opts.Resolver.CurrentDir(),
		o.opts.Resolver.CompleteDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("prepare data root: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go func() {
		<-ctx.Done()
		cancel()
	}()

	// Seeds that arrived before the watcher existed.
	o.ScanPending(runCtx)

	if o.opts.Config.ResumeOnStart {
		o.resumeCurrent(runCtx)
	}

	o.loops.Add(1)
	go o.watchLoop(runCtx)

	// Periodic sweep catches events the watcher missed; the hourly health
	// scan keeps the phase layout intact and flags stranded jobs.
	o.cron = cron.New()
	if interval := o.opts.Config.RescanInterval(); interval > 0 {
		o.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
			o.ScanPending(runCtx)
		}))
	}
	o.cron.Schedule(cron.Every(time.Hour), cron.FuncJob(o.healthScan))
	o.cron.Start()

	o.opts.Logger.Info("orchestrator started",
		"pending", o.opts.Resolver.PendingDir(),
		"maxWorkers", o.opts.Config.MaxWorkers)
	return nil
}

// Stop ceases watching and waits for workers to drain. The spawner's
// context is canceled, which delivers the graceful signal; force-kill after
// the grace window is the spawner's job.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	o.mu.Unlock()

	if o.cron != nil {
		o.cron.Stop()
	}
	if cancel != nil {
		cancel()
	}
	o.loops.Wait()
	o.workers.Wait()
	o.opts.Logger.Info("orchestrator stopped")
}

// ScanPending lists the mailbox and dispatches every matching seed. Used at
// startup and by the periodic sweep; dispatch is idempotent so overlapping
// scans are harmless.
func (o *Orchestrator) ScanPending(ctx context.Context) {
	entries, err := os.ReadDir(o.opts.Resolver.PendingDir())
	if err != nil {
		o.opts.Logger.Warn("pending scan failed", "err", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		o.onSeedAppeared(ctx, filepath.Join(o.opts.Resolver.PendingDir(), e.Name()))
	}
}

// resumeCurrent rehydrates workers for jobs left unfinished in current/.
// healthScan recreates missing phase directories and logs current-phase
// job directories that have no snapshot and no worker attached.
func (o *Orchestrator) healthScan() {
	for _, dir := range []string{
		o.opts.Resolver.PendingDir(),
		o.opts.Resolver.CurrentDir(),
		o.opts.Resolver.CompleteDir(),
	} {
		if _, err := os.Stat(dir); err != nil {
			o.opts.Logger.Warn("phase directory missing, recreating", "dir", dir)
			os.MkdirAll(dir, 0o755)
		}
	}

	entries, err := os.ReadDir(o.opts.Resolver.CurrentDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !pipeord.ValidJobID(entry.Name()) {
			continue
		}
		o.mu.Lock()
		_, active := o.running[entry.Name()]
		o.mu.Unlock()
		if active {
			continue
		}
		statusPath := o.opts.Resolver.StatusPath(entry.Name())
		if _, err := os.Stat(statusPath); err != nil {
			o.opts.Logger.Warn("stranded job without snapshot",
				"job", entry.Name(), "dir", o.opts.Resolver.CurrentJob(entry.Name()))
		}
	}
}

// Only pending or running snapshots qualify; failed jobs wait for the
// operator.
func (o *Orchestrator) resumeCurrent(ctx context.Context) {
	entries, err := os.ReadDir(o.opts.Resolver.CurrentDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		jobID := e.Name()
		if !e.IsDir() || !pipeord.ValidJobID(jobID) {
			continue
		}
		snap, err := status.Load(o.opts.Resolver.StatusPath(jobID))
		if err != nil {
			o.opts.Logger.Warn("resume: unreadable snapshot", "job", jobID, "err", err)
			continue
		}
		if snap.State != pipeord.JobPending && snap.State != pipeord.JobRunning {
			continue
		}
		o.opts.Logger.Info("resuming job", "job", jobID, "state", snap.State)
		o.spawn(ctx, jobID)
	}
}

// onSeedAppeared is the only mutating dispatch path.
func (o *Orchestrator) onSeedAppeared(ctx context.Context, path string) {
	name := filepath.Base(path)
	m := pipeord.SeedFilePattern.FindStringSubmatch(name)
	if m == nil {
		if !isTransient(name) {
			o.opts.Logger.Warn("ignoring non-seed file in mailbox", "file", name)
		}
		return
	}
	jobID := m[1]
	log := o.opts.Logger.With("job", jobID)

	// In-process exclusion: a tracked job means this is a coalesced
	// duplicate event.
	o.mu.Lock()
	_, active := o.running[jobID]
	o.mu.Unlock()
	if active {
		return
	}

	seed, err := readSeed(path)
	if err != nil {
		// Malformed seeds stay in the mailbox for the operator.
		log.Warn("seed not dispatchable", "err", err)
		return
	}

	dest := o.opts.Resolver.SeedPath(jobID)
	if _, err := os.Stat(dest); err == nil {
		// Claimed already, likely before a restart. Resumption handles it.
		log.Debug("seed destination already exists, dropping event")
		return
	}

	if err := storage.MoveFile(path, dest); err != nil {
		log.Error("seed promotion failed", "err", err)
		return
	}

	if err := o.ensureJobLayout(jobID, seed); err != nil {
		log.Error("job layout setup failed", "err", err)
		return
	}

	log.Info("job dispatched", "name", seed.Name)
	if o.opts.Metrics != nil {
		o.opts.Metrics.JobsDispatched.Inc()
	}
	o.spawn(ctx, jobID)
}

// ensureJobLayout creates the job's scratch directory and the initial
// snapshot with every configured task pending.
func (o *Orchestrator) ensureJobLayout(jobID string, seed *pipeord.Seed) error {
	jobDir := o.opts.Resolver.CurrentJob(jobID)
	if err := os.MkdirAll(filepath.Join(jobDir, "tasks"), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(o.opts.Resolver.StatusPath(jobID)); err == nil {
		return nil
	}

	slug := seed.Pipeline
	if slug == "" {
		slug = o.opts.Pipeline
	}
	var taskIDs []string
	if loaded, err := o.store.Load(slug); err == nil {
		taskIDs = loaded.Pipeline.Tasks
	} else {
		// The worker surfaces the config problem; dispatch still records
		// the job so it is visible.
		o.opts.Logger.Warn("pipeline config unavailable at dispatch", "pipeline", slug, "err", err)
	}

	writer := status.NewWriter(o.opts.Resolver.StatusPath(jobID),
		pipeord.NewSnapshot(jobID, seed.Name, slug, taskIDs))
	return writer.Flush()
}

// spawn registers the job and runs its worker in the background. On exit
// the job is deregistered; there is no automatic restart.
func (o *Orchestrator) spawn(ctx context.Context, jobID string) {
	o.mu.Lock()
	if _, active := o.running[jobID]; active {
		o.mu.Unlock()
		return
	}
	o.running[jobID] = struct{}{}
	o.mu.Unlock()

	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, jobID)
			o.mu.Unlock()
		}()

		if o.sem != nil {
			if err := o.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer o.sem.Release(1)
		}

		if o.opts.Metrics != nil {
			o.opts.Metrics.ActiveWorkers.Inc()
			defer o.opts.Metrics.ActiveWorkers.Dec()
		}

		err := o.opts.Spawner.Run(ctx, jobID)
		if err != nil {
			o.opts.Logger.Warn("worker exited with failure", "job", jobID, "err", err)
			if o.opts.Metrics != nil {
				o.opts.Metrics.JobsFailed.Inc()
			}
		} else {
			o.opts.Logger.Info("worker exited cleanly", "job", jobID)
			if o.opts.Metrics != nil {
				o.opts.Metrics.JobsCompleted.Inc()
			}
		}
		if o.opts.Notifier != nil {
			o.opts.Notifier.JobFinished(jobID, err)
		}
	}()
}

// watchLoop owns the fsnotify watcher over the mailbox, recreating it under
// exponential backoff when it fails.
func (o *Orchestrator) watchLoop(ctx context.Context) {
	defer o.loops.Done()
	backoff := time.Second

	for ctx.Err() == nil {
		err := o.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		o.mu.Lock()
		o.watchRestarts++
		if err != nil {
			o.lastWatchErr = err.Error()
		}
		o.mu.Unlock()
		if o.opts.Metrics != nil {
			o.opts.Metrics.WatcherRestarts.Inc()
		}
		o.opts.Logger.Warn("mailbox watcher restarting", "err", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxWatchBackoff {
			backoff = maxWatchBackoff
		}
	}
}

func (o *Orchestrator) watchOnce(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(o.opts.Resolver.PendingDir()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				o.onSeedAppeared(ctx, ev.Name)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			return werr
		}
	}
}

// State is the diagnostic shape served by /api/state.
type State struct {
	Watching       string   `json:"watching"`
	ActiveJobs     []string `json:"activeJobs"`
	WatchRestarts  int      `json:"watchRestarts"`
	LastWatchError string   `json:"lastWatchError,omitempty"`
}

// State reports the watcher and worker status.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	jobs := make([]string, 0, len(o.running))
	for id := range o.running {
		jobs = append(jobs, id)
	}
	sort.Strings(jobs)
	return State{
		Watching:       o.opts.Resolver.PendingDir(),
		ActiveJobs:     jobs,
		WatchRestarts:  o.watchRestarts,
		LastWatchError: o.lastWatchErr,
	}
}

// readSeed parses and validates a mailbox seed file.
func readSeed(path string) (*pipeord.Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var seed pipeord.Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("malformed seed JSON: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// isTransient filters editor droppings and our own temp files from the
// warning log.
func isTransient(name string) bool {
	if len(name) == 0 || name[0] == '.' {
		return true
	}
	return filepath.Ext(name) != ".json"
}
