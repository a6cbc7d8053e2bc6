// Package pipeord holds the core domain model: jobs, seeds, tasks, the
// fixed stage lifecycle, and the authoritative status snapshot schema.
package pipeord

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"time"
)

// JobState is the job-level lifecycle state recorded in the snapshot.
type JobState string

const (
	JobPending  JobState = "pending"
	JobRunning  JobState = "running"
	JobComplete JobState = "complete"
	JobFailed   JobState = "failed"
)

// TaskState is the per-task lifecycle state.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// Stage names one of the eleven steps of a task's execution.
type Stage string

const (
	StageIngestion         Stage = "ingestion"
	StagePreProcessing     Stage = "preProcessing"
	StagePromptTemplating  Stage = "promptTemplating"
	StageInference         Stage = "inference"
	StageParsing           Stage = "parsing"
	StageValidateStructure Stage = "validateStructure"
	StageValidateQuality   Stage = "validateQuality"
	StageCritique          Stage = "critique"
	StageRefine            Stage = "refine"
	StageFinalValidation   Stage = "finalValidation"
	StageIntegration       Stage = "integration"
)

// StageOrder is the canonical execution order. Tasks always walk this list
// front to back; the critique/refine pair only runs when a refinement is
// requested, and the loop re-enters at promptTemplating.
var StageOrder = []Stage{
	StageIngestion,
	StagePreProcessing,
	StagePromptTemplating,
	StageInference,
	StageParsing,
	StageValidateStructure,
	StageValidateQuality,
	StageCritique,
	StageRefine,
	StageFinalValidation,
	StageIntegration,
}

// StageIndex returns the position of s in StageOrder, or -1.
func StageIndex(s Stage) int {
	for i, v := range StageOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Reserved flag names understood by the runner.
const (
	FlagRefinementNeeded = "refinementNeeded"
	FlagValidationFailed = "validationFailed"
)

// jobIDPattern is the identity contract: opaque, filesystem-safe, bounded.
var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,30}$`)

// SeedFilePattern matches mailbox seed files and captures the job id.
var SeedFilePattern = regexp.MustCompile(`^([A-Za-z0-9_-]{6,30})-seed\.json$`)

// ValidJobID reports whether id satisfies the job identity contract.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// GenerateJobID returns a fresh server-assigned job id.
func GenerateJobID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return "j_" + hex.EncodeToString(b)
}

// Seed is the immutable input document initiating a job.
type Seed struct {
	Name     string         `json:"name"`
	Data     map[string]any `json:"data"`
	Pipeline string         `json:"pipeline,omitempty"`
}

// ErrSeedInvalid is returned when required seed fields are missing.
var ErrSeedInvalid = errors.New("required fields missing")

// Validate checks the required seed fields.
func (s *Seed) Validate() error {
	if s.Name == "" || s.Data == nil {
		return ErrSeedInvalid
	}
	return nil
}

// TokenUsage records model consumption reported by a stage.
type TokenUsage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// TaskError captures a stage failure for post-mortem.
type TaskError struct {
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Debug   map[string]any `json:"debug,omitempty"`
}

// FileSet lists registered file names per kind. Names only; the files live
// under <jobDir>/files/{artifacts,logs,tmp}/.
type FileSet struct {
	Artifacts []string `json:"artifacts"`
	Logs      []string `json:"logs"`
	Tmp       []string `json:"tmp"`
}

// TaskStatus is the per-task record inside the snapshot.
type TaskStatus struct {
	State              TaskState    `json:"state"`
	CurrentStage       *Stage       `json:"currentStage"`
	FailedStage        *Stage       `json:"failedStage"`
	Attempts           int          `json:"attempts"`
	RefinementAttempts int          `json:"refinementAttempts"`
	StartedAt          *time.Time   `json:"startedAt"`
	EndedAt            *time.Time   `json:"endedAt"`
	ExecutionTimeMs    *int64       `json:"executionTimeMs"`
	TokenUsage         []TokenUsage `json:"tokenUsage"`
	Error              *TaskError   `json:"error"`
	Files              FileSet      `json:"files"`
}

// Snapshot is the authoritative job state document (tasks-status.json).
type Snapshot struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Pipeline     string                 `json:"pipeline"`
	State        JobState               `json:"state"`
	Current      *string                `json:"current"`
	CurrentStage *Stage                 `json:"currentStage"`
	CreatedAt    time.Time              `json:"createdAt"`
	LastUpdated  time.Time              `json:"lastUpdated"`
	Tasks        map[string]*TaskStatus `json:"tasks"`
	Files        FileSet                `json:"files"`
}

// NewSnapshot builds the initial snapshot for a freshly promoted job: all
// tasks pending, no active task.
func NewSnapshot(jobID, name, pipeline string, taskIDs []string) *Snapshot {
	now := time.Now().UTC()
	s := &Snapshot{
		ID:          jobID,
		Name:        name,
		Pipeline:    pipeline,
		State:       JobPending,
		CreatedAt:   now,
		LastUpdated: now,
		Tasks:       make(map[string]*TaskStatus, len(taskIDs)),
	}
	for _, id := range taskIDs {
		s.Tasks[id] = &TaskStatus{State: TaskPending}
	}
	return s
}

// Clone returns a deep copy suitable for copy-on-write mutation.
func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	cp.Tasks = make(map[string]*TaskStatus, len(s.Tasks))
	for id, ts := range s.Tasks {
		cp.Tasks[id] = ts.clone()
	}
	cp.Files = s.Files.clone()
	cp.Current = clonePtr(s.Current)
	cp.CurrentStage = clonePtr(s.CurrentStage)
	return &cp
}

func (t *TaskStatus) clone() *TaskStatus {
	cp := *t
	cp.CurrentStage = clonePtr(t.CurrentStage)
	cp.FailedStage = clonePtr(t.FailedStage)
	cp.StartedAt = clonePtr(t.StartedAt)
	cp.EndedAt = clonePtr(t.EndedAt)
	cp.ExecutionTimeMs = clonePtr(t.ExecutionTimeMs)
	if t.TokenUsage != nil {
		cp.TokenUsage = append([]TokenUsage(nil), t.TokenUsage...)
	}
	if t.Error != nil {
		e := *t.Error
		if t.Error.Debug != nil {
			e.Debug = make(map[string]any, len(t.Error.Debug))
			for k, v := range t.Error.Debug {
				e.Debug[k] = v
			}
		}
		cp.Error = &e
	}
	cp.Files = t.Files.clone()
	return &cp
}

func (f FileSet) clone() FileSet {
	return FileSet{
		Artifacts: append([]string(nil), f.Artifacts...),
		Logs:      append([]string(nil), f.Logs...),
		Tmp:       append([]string(nil), f.Tmp...),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Validate checks the snapshot invariants enforced on every write.
func (s *Snapshot) Validate() error {
	if !ValidJobID(s.ID) {
		return errors.New("invalid job id")
	}

	allDone := len(s.Tasks) > 0
	anyFailed := false
	for _, t := range s.Tasks {
		if t.State != TaskDone {
			allDone = false
		}
		if t.State == TaskFailed {
			anyFailed = true
		}
	}

	if (s.State == JobComplete) != allDone {
		return errors.New("state complete requires every task done")
	}
	if (s.State == JobFailed) != anyFailed {
		return errors.New("state failed requires a failed task")
	}
	if (s.Current != nil) != (s.State == JobRunning) {
		return errors.New("current task set iff job is running")
	}

	for id, t := range s.Tasks {
		if err := validateFileNames(t.Files); err != nil {
			return errors.New("task " + id + ": " + err.Error())
		}
	}
	return validateFileNames(s.Files)
}

func validateFileNames(f FileSet) error {
	for _, list := range [][]string{f.Artifacts, f.Logs, f.Tmp} {
		for _, name := range list {
			for _, r := range name {
				if r == '/' || r == '\\' {
					return errors.New("file entries must be names, not paths")
				}
			}
		}
	}
	return nil
}
