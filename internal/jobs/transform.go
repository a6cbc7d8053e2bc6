package jobs

import (
	"math"
	"strings"
	"time"

	"github.com/pipeord/pipeord/internal/pipeord"
)

// Display categories for UI grouping.
const (
	CategoryErrors   = "errors"
	CategoryCurrent  = "current"
	CategoryComplete = "complete"
)

// warnUnknownState tags task views whose raw state was not a known enum
// value and got normalized to pending.
const warnUnknownState = "unknown-state"

// Job is the canonical wire shape for one job, used by API responses and
// SSE payloads alike.
type Job struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Pipeline        string               `json:"pipeline"`
	PipelineLabel   string               `json:"pipelineLabel"`
	Status          string               `json:"status"`
	Progress        int                  `json:"progress"`
	Current         *string              `json:"current"`
	CurrentStage    *pipeord.Stage       `json:"currentStage"`
	CreatedAt       time.Time            `json:"createdAt"`
	LastUpdated     time.Time            `json:"lastUpdated"`
	TasksStatus     map[string]*TaskView `json:"tasksStatus"`
	Files           pipeord.FileSet      `json:"files"`
	DisplayCategory string               `json:"displayCategory"`
	Location        string               `json:"location"`
}

// TaskView is the canonical per-task shape. It mirrors the snapshot record
// with the state normalized to the known enum.
type TaskView struct {
	State              pipeord.TaskState    `json:"state"`
	Warning            string               `json:"warning,omitempty"`
	CurrentStage       *pipeord.Stage       `json:"currentStage"`
	FailedStage        *pipeord.Stage       `json:"failedStage"`
	Attempts           int                  `json:"attempts"`
	RefinementAttempts int                  `json:"refinementAttempts"`
	StartedAt          *time.Time           `json:"startedAt"`
	EndedAt            *time.Time           `json:"endedAt"`
	ExecutionTimeMs    *int64               `json:"executionTimeMs"`
	TokenUsage         []pipeord.TokenUsage `json:"tokenUsage"`
	Error              *pipeord.TaskError   `json:"error"`
	Files              pipeord.FileSet      `json:"files"`
}

// Transform shapes a raw snapshot into the canonical schema: task states
// are normalized, progress and display category are derived, and a missing
// job status is reconstructed from the task states.
func Transform(snap *pipeord.Snapshot, location string) *Job {
	views := make(map[string]*TaskView, len(snap.Tasks))
	doneCount := 0
	anyFailed, anyRunning := false, false
	allDone := len(snap.Tasks) > 0

	for id, t := range snap.Tasks {
		view := &TaskView{
			State:              t.State,
			CurrentStage:       t.CurrentStage,
			FailedStage:        t.FailedStage,
			Attempts:           t.Attempts,
			RefinementAttempts: t.RefinementAttempts,
			StartedAt:          t.StartedAt,
			EndedAt:            t.EndedAt,
			ExecutionTimeMs:    t.ExecutionTimeMs,
			TokenUsage:         t.TokenUsage,
			Error:              t.Error,
			Files:              t.Files,
		}
		switch t.State {
		case pipeord.TaskPending, pipeord.TaskRunning, pipeord.TaskDone, pipeord.TaskFailed:
		default:
			view.State = pipeord.TaskPending
			view.Warning = warnUnknownState
		}
		views[id] = view

		switch view.State {
		case pipeord.TaskDone:
			doneCount++
		case pipeord.TaskFailed:
			anyFailed = true
		case pipeord.TaskRunning:
			anyRunning = true
		}
		if view.State != pipeord.TaskDone {
			allDone = false
		}
	}

	status := string(snap.State)
	if status == "" {
		switch {
		case anyFailed:
			status = string(pipeord.JobFailed)
		case anyRunning:
			status = string(pipeord.JobRunning)
		case allDone:
			status = string(pipeord.JobComplete)
		default:
			status = string(pipeord.JobPending)
		}
	}

	progress := 0
	if len(views) > 0 {
		progress = int(math.Round(100 * float64(doneCount) / float64(len(views))))
	}

	return &Job{
		ID:              snap.ID,
		Name:            snap.Name,
		Pipeline:        snap.Pipeline,
		PipelineLabel:   HumanizeSlug(snap.Pipeline),
		Status:          status,
		Progress:        progress,
		Current:         snap.Current,
		CurrentStage:    snap.CurrentStage,
		CreatedAt:       snap.CreatedAt,
		LastUpdated:     snap.LastUpdated,
		TasksStatus:     views,
		Files:           snap.Files,
		DisplayCategory: category(status, anyFailed, anyRunning, allDone),
		Location:        location,
	}
}

// category buckets a job for UI grouping: failures first, then anything
// moving, then the finished pile; mixed or pending jobs count as current.
func category(status string, anyFailed, anyRunning, allDone bool) string {
	switch {
	case anyFailed || status == string(pipeord.JobFailed):
		return CategoryErrors
	case anyRunning || status == string(pipeord.JobRunning):
		return CategoryCurrent
	case allDone:
		return CategoryComplete
	default:
		return CategoryCurrent
	}
}

// HumanizeSlug turns a pipeline slug into a display label:
// "content-gen_v2" becomes "Content Gen V2".
func HumanizeSlug(slug string) string {
	if slug == "" {
		return ""
	}
	words := strings.FieldsFunc(slug, func(r rune) bool {
		return r == '-' || r == '_'
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
