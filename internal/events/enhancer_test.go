package events

import (
	"os"
	"testing"
	"time"

	"github.com/pipeord/pipeord/internal/jobs"
	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/status"
)

type enhancerRig struct {
	res      *paths.Resolver
	enhancer *Enhancer
	client   *Client
}

func newEnhancerRig(t *testing.T, recorder Recorder) *enhancerRig {
	t.Helper()
	res := paths.NewResolver(t.TempDir())
	hub := NewHub(nil, nil)
	e := NewEnhancer(jobs.NewService(res), hub, 10*time.Millisecond, recorder, nil, nil)
	t.Cleanup(e.Cleanup)
	return &enhancerRig{res: res, enhancer: e, client: hub.Subscribe("")}
}

func (r *enhancerRig) writeSnapshot(t *testing.T, jobID string, state pipeord.TaskState) {
	t.Helper()
	snap := pipeord.NewSnapshot(jobID, "rig job", "default", []string{"t1"})
	snap.Tasks["t1"].State = state
	if state == pipeord.TaskDone {
		snap.State = pipeord.JobComplete
	}
	if err := status.NewWriter(r.res.StatusPath(jobID), snap).Flush(); err != nil {
		t.Fatal(err)
	}
}

// next pulls one event, skipping the coarse state:change forwards.
func (r *enhancerRig) next(t *testing.T) pipeord.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.client.C:
			if ev.Type == pipeord.EventStateChange {
				continue
			}
			return ev
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func (r *enhancerRig) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.client.C:
		if ev.Type != pipeord.EventStateChange {
			t.Fatalf("unexpected event %q", ev.Type)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEnhancerCreatedThenUpdated(t *testing.T) {
	rig := newEnhancerRig(t, nil)
	rig.writeSnapshot(t, "j_flow000001", pipeord.TaskPending)

	rig.enhancer.Accept(Change{JobID: "j_flow000001", Category: "current"})
	if ev := rig.next(t); ev.Type != pipeord.EventJobCreated {
		t.Fatalf("first broadcast should be job:created, got %q", ev.Type)
	}

	rig.enhancer.Accept(Change{JobID: "j_flow000001", Category: "current"})
	if ev := rig.next(t); ev.Type != pipeord.EventJobUpdated {
		t.Fatalf("second broadcast should be job:updated, got %q", ev.Type)
	}
}

func TestEnhancerCoalescesBursts(t *testing.T) {
	rig := newEnhancerRig(t, nil)
	rig.writeSnapshot(t, "j_burst00001", pipeord.TaskPending)

	for i := 0; i < 5; i++ {
		rig.enhancer.Accept(Change{JobID: "j_burst00001", Category: "current"})
	}
	if ev := rig.next(t); ev.Type != pipeord.EventJobCreated {
		t.Fatalf("got %q", ev.Type)
	}
	rig.expectQuiet(t)
}

func TestEnhancerForwardsStateChangeImmediately(t *testing.T) {
	rig := newEnhancerRig(t, nil)
	rig.enhancer.Accept(Change{JobID: "j_raw0000001", Category: "current", Path: "/x/status.json"})

	select {
	case ev := <-rig.client.C:
		if ev.Type != pipeord.EventStateChange {
			t.Fatalf("got %q", ev.Type)
		}
		payload := ev.Payload.(map[string]string)
		if payload["path"] != "/x/status.json" {
			t.Fatalf("payload path = %q", payload["path"])
		}
	default:
		t.Fatal("state:change not forwarded before the debounce window")
	}
}

func TestEnhancerSuppressesUnreadableJob(t *testing.T) {
	rig := newEnhancerRig(t, nil)
	// No snapshot exists and the job was never announced.
	rig.enhancer.Accept(Change{JobID: "j_ghost00001", Category: "current"})
	rig.expectQuiet(t)
}

func TestEnhancerEmitsRemovalForKnownJob(t *testing.T) {
	rig := newEnhancerRig(t, nil)
	rig.writeSnapshot(t, "j_gone000001", pipeord.TaskPending)
	rig.enhancer.Accept(Change{JobID: "j_gone000001", Category: "current"})
	if ev := rig.next(t); ev.Type != pipeord.EventJobCreated {
		t.Fatalf("got %q", ev.Type)
	}

	if err := os.RemoveAll(rig.res.CurrentJob("j_gone000001")); err != nil {
		t.Fatal(err)
	}
	rig.enhancer.Accept(Change{JobID: "j_gone000001", Category: "current"})
	ev := rig.next(t)
	if ev.Type != pipeord.EventJobRemoved {
		t.Fatalf("got %q", ev.Type)
	}
	if ev.Payload.(map[string]string)["jobId"] != "j_gone000001" {
		t.Fatalf("payload = %+v", ev.Payload)
	}
}

func TestEnhancerStatusTransitions(t *testing.T) {
	rig := newEnhancerRig(t, nil)
	rig.writeSnapshot(t, "j_move000001", pipeord.TaskPending)
	rig.enhancer.Accept(Change{JobID: "j_move000001", Category: "current"})
	if ev := rig.next(t); ev.Type != pipeord.EventJobCreated {
		t.Fatalf("got %q", ev.Type)
	}
	if ev := rig.next(t); ev.Type != pipeord.EventStatusChanged {
		t.Fatalf("first read should announce the status, got %q", ev.Type)
	}

	rig.writeSnapshot(t, "j_move000001", pipeord.TaskDone)
	rig.enhancer.Accept(Change{JobID: "j_move000001", Category: "current"})
	if ev := rig.next(t); ev.Type != pipeord.EventJobUpdated {
		t.Fatalf("got %q", ev.Type)
	}
	ev := rig.next(t)
	if ev.Type != pipeord.EventStatusChanged {
		t.Fatalf("got %q", ev.Type)
	}
	if got := ev.Payload.(map[string]string)["status"]; got != "complete" {
		t.Fatalf("status payload = %q", got)
	}

	// Same status again: no transition event.
	rig.enhancer.Accept(Change{JobID: "j_move000001", Category: "current"})
	if ev := rig.next(t); ev.Type != pipeord.EventJobUpdated {
		t.Fatalf("got %q", ev.Type)
	}
	rig.expectQuiet(t)
}

type captureRecorder struct {
	jobs chan *jobs.Job
}

func (c *captureRecorder) Record(job *jobs.Job) { c.jobs <- job }

func TestEnhancerRecordsTerminalJobs(t *testing.T) {
	rec := &captureRecorder{jobs: make(chan *jobs.Job, 4)}
	rig := newEnhancerRig(t, rec)

	rig.writeSnapshot(t, "j_arch000001", pipeord.TaskPending)
	rig.enhancer.Accept(Change{JobID: "j_arch000001", Category: "current"})
	rig.next(t) // job:created
	select {
	case job := <-rec.jobs:
		t.Fatalf("recorded non-terminal job %q", job.Status)
	case <-time.After(50 * time.Millisecond):
	}

	rig.writeSnapshot(t, "j_arch000001", pipeord.TaskDone)
	rig.enhancer.Accept(Change{JobID: "j_arch000001", Category: "current"})
	select {
	case job := <-rec.jobs:
		if job.Status != "complete" {
			t.Fatalf("recorded status %q", job.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal job never recorded")
	}
}
