package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pipeord/pipeord/internal/jobs"
	"github.com/pipeord/pipeord/internal/metrics"
	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/status"
)

// defaultDebounce is the coalescing window when config gives none.
const defaultDebounce = 200 * time.Millisecond

// Recorder receives jobs that reach a terminal state, for archival.
type Recorder interface {
	Record(job *jobs.Job)
}

// Enhancer turns raw filesystem changes into canonical broadcasts. Each
// accepted change restarts a per-job trailing debounce timer; when it fires
// the job is re-read through the phase probe and the fresh view is published.
// A burst of writes during a stage therefore produces one broadcast carrying
// the final state of the burst.
type Enhancer struct {
	svc      *jobs.Service
	hub      *Hub
	debounce time.Duration
	recorder Recorder
	metrics  *metrics.Set
	log      *slog.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	known      map[string]bool   // jobs announced with job:created
	lastStatus map[string]string // for status:changed transitions
}

// NewEnhancer wires the change stream to the hub. recorder and m may be nil;
// a non-positive debounce falls back to the default window.
func NewEnhancer(svc *jobs.Service, hub *Hub, debounce time.Duration, recorder Recorder, m *metrics.Set, log *slog.Logger) *Enhancer {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Enhancer{
		svc:        svc,
		hub:        hub,
		debounce:   debounce,
		recorder:   recorder,
		metrics:    m,
		log:        log,
		timers:     map[string]*time.Timer{},
		known:      map[string]bool{},
		lastStatus: map[string]string{},
	}
}

// Run consumes changes until ctx is done, then cancels outstanding timers.
func (e *Enhancer) Run(ctx context.Context, changes <-chan Change) {
	defer e.Cleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			e.Accept(change)
		}
	}
}

// Accept forwards the coarse change immediately and schedules the debounced
// canonical re-read.
func (e *Enhancer) Accept(change Change) {
	e.hub.Publish(pipeord.EventStateChange, change.JobID, map[string]string{"path": change.Path})

	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[change.JobID]; ok {
		timer.Stop()
		if e.metrics != nil {
			e.metrics.ChangesCoalesced.Inc()
		}
	}
	jobID := change.JobID
	e.timers[jobID] = time.AfterFunc(e.debounce, func() { e.fire(jobID) })
}

// fire is the timer callback: re-read the job and broadcast what we find.
func (e *Enhancer) fire(jobID string) {
	e.mu.Lock()
	delete(e.timers, jobID)
	e.mu.Unlock()

	job, err := e.svc.Get(jobID)
	if errors.Is(err, status.ErrJobNotFound) {
		e.mu.Lock()
		known := e.known[jobID]
		delete(e.known, jobID)
		delete(e.lastStatus, jobID)
		e.mu.Unlock()
		if known {
			e.hub.Publish(pipeord.EventJobRemoved, jobID, map[string]string{"jobId": jobID})
		}
		return
	}
	if err != nil {
		// Likely a snapshot mid-rename; the next change will retry.
		e.log.Debug("suppressing broadcast, job unreadable", "job", jobID, "err", err)
		return
	}

	e.mu.Lock()
	first := !e.known[jobID]
	e.known[jobID] = true
	prev := e.lastStatus[jobID]
	e.lastStatus[jobID] = job.Status
	e.mu.Unlock()

	if first {
		e.hub.Publish(pipeord.EventJobCreated, jobID, job)
	} else {
		e.hub.Publish(pipeord.EventJobUpdated, jobID, job)
	}
	if job.Status != prev {
		e.hub.Publish(pipeord.EventStatusChanged, jobID, map[string]string{
			"jobId":  jobID,
			"status": job.Status,
		})
	}

	if e.recorder != nil && terminal(job.Status) {
		e.recorder.Record(job)
	}
}

// Cleanup stops every pending timer.
func (e *Enhancer) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
}

func terminal(state string) bool {
	return state == string(pipeord.JobComplete) || state == string(pipeord.JobFailed)
}
