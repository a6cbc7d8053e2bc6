// Package history archives terminal jobs to PostgreSQL. The archive is
// optional; without a database URL the recorder is simply absent and the
// filesystem stays the only source of truth.
package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/pipeord/pipeord/internal/db"
	"github.com/pipeord/pipeord/internal/jobs"
	"github.com/pipeord/pipeord/internal/pipeord"
)

// recordTimeout bounds one archive write.
const recordTimeout = 10 * time.Second

// Recorder persists jobs that reached a terminal state. Record is
// fire-and-forget: a broken archive must never stall the event path.
type Recorder struct {
	db  *db.DB
	log *slog.Logger
	wg  sync.WaitGroup

	mu       sync.Mutex
	archived map[string]string // job id -> last state written
}

// Open connects, migrates, and returns a ready Recorder.
func Open(ctx context.Context, databaseURL string, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := db.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := conn.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &Recorder{db: conn, log: log, archived: map[string]string{}}, nil
}

// Record archives one terminal job asynchronously. Repeat broadcasts of the
// same terminal state are ignored.
func (r *Recorder) Record(job *jobs.Job) {
	r.mu.Lock()
	if r.archived[job.ID] == job.Status {
		r.mu.Unlock()
		return
	}
	r.archived[job.ID] = job.Status
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.write(job); err != nil {
			r.log.Warn("job archive write failed", "job", job.ID, "err", err)
			r.mu.Lock()
			delete(r.archived, job.ID)
			r.mu.Unlock()
		}
	}()
}

func (r *Recorder) write(job *jobs.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	snapshot, err := json.Marshal(job)
	if err != nil {
		return err
	}
	done := 0
	for _, t := range job.TasksStatus {
		if t.State == pipeord.TaskDone {
			done++
		}
	}
	ended := job.LastUpdated
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	return r.db.UpsertJobRecord(ctx, db.JobRecord{
		JobID:      job.ID,
		Name:       job.Name,
		Pipeline:   job.Pipeline,
		State:      job.Status,
		CreatedAt:  job.CreatedAt,
		EndedAt:    ended,
		DurationMs: ended.Sub(job.CreatedAt).Milliseconds(),
		TasksTotal: len(job.TasksStatus),
		TasksDone:  done,
		Snapshot:   snapshot,
	})
}

// Close waits for in-flight writes and releases the pool.
func (r *Recorder) Close() error {
	r.wg.Wait()
	return r.db.Close()
}
