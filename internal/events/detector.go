package events

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pipeord/pipeord/internal/metrics"
	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/pipeord"
)

// detectorBackoffMax caps the delay between watcher restarts.
const detectorBackoffMax = 30 * time.Second

// Change is one classified filesystem notification: a change inside a known
// job directory (or the mailbox) attributed to a job and phase.
type Change struct {
	JobID    string
	Category string // pending | current | complete
	Path     string
}

// Detector watches the three phase roots and classifies changes. New job
// directories are added to the watch set as they appear, so status writes
// inside them are seen.
type Detector struct {
	res     *paths.Resolver
	log     *slog.Logger
	metrics *metrics.Set
}

// NewDetector returns a Detector over the data root. metrics may be nil.
func NewDetector(res *paths.Resolver, m *metrics.Set, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{res: res, log: log, metrics: m}
}

// Run watches until ctx is done, emitting classified changes on out. The
// watcher is recreated under exponential backoff when it fails.
func (d *Detector) Run(ctx context.Context, out chan<- Change) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := d.watchOnce(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if d.metrics != nil {
			d.metrics.WatcherRestarts.Inc()
		}
		d.log.Warn("change detector restarting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > detectorBackoffMax {
			backoff = detectorBackoffMax
		}
	}
}

func (d *Detector) watchOnce(ctx context.Context, out chan<- Change) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range []string{d.res.PendingDir(), d.res.CurrentDir(), d.res.CompleteDir()} {
		os.MkdirAll(root, 0o755)
		if err := addTree(watcher, root); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addTree(watcher, ev.Name)
				}
			}
			change, ok := d.classify(ev.Name)
			if !ok {
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			return werr
		}
	}
}

// classify attributes a changed path to a job and phase. Dotfiles, temp
// files, and paths outside job directories are dropped.
func (d *Detector) classify(path string) (Change, bool) {
	rel, err := filepath.Rel(d.res.DataDir(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return Change{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return Change{}, false
	}
	for _, p := range parts {
		if strings.HasPrefix(p, ".") || strings.Contains(p, ".tmp.") {
			return Change{}, false
		}
	}

	category := parts[0]
	switch category {
	case "pending":
		m := pipeord.SeedFilePattern.FindStringSubmatch(parts[1])
		if m == nil {
			return Change{}, false
		}
		return Change{JobID: m[1], Category: category, Path: path}, true
	case "current", "complete":
		if !pipeord.ValidJobID(parts[1]) {
			return Change{}, false
		}
		return Change{JobID: parts[1], Category: category, Path: path}, true
	default:
		return Change{}, false
	}
}

// addTree adds watches on dir and every subdirectory.
func addTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil || !entry.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}
