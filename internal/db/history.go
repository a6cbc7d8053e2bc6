package db

import (
	"context"
	"time"
)

// JobRecord is one archived terminal job.
type JobRecord struct {
	JobID      string
	Name       string
	Pipeline   string
	State      string
	CreatedAt  time.Time
	EndedAt    time.Time
	DurationMs int64
	TasksTotal int
	TasksDone  int
	Snapshot   []byte // canonical job view, JSONB
}

// UpsertJobRecord inserts or refreshes one archive row. A job that fails,
// gets reset, and later completes keeps a single row with its final state.
func (d *DB) UpsertJobRecord(ctx context.Context, rec JobRecord) error {
	_, err := d.Pool.ExecContext(ctx, `
		INSERT INTO job_history
			(job_id, name, pipeline, state, created_at, ended_at,
			 duration_ms, tasks_total, tasks_done, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id) DO UPDATE SET
			state       = EXCLUDED.state,
			ended_at    = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms,
			tasks_done  = EXCLUDED.tasks_done,
			snapshot    = EXCLUDED.snapshot`,
		rec.JobID, rec.Name, rec.Pipeline, rec.State, rec.CreatedAt,
		rec.EndedAt, rec.DurationMs, rec.TasksTotal, rec.TasksDone, rec.Snapshot,
	)
	return err
}
