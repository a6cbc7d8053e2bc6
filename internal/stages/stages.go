// Package stages defines the stage execution contract: the context record a
// stage receives, the (output, flags) result it returns, and the executor
// implementations behind each stage of a task. Tasks either carry compiled
// scripts or name one of the builtin executor sets.
package stages

import (
	"context"
	"fmt"

	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/registry"
	"github.com/pipeord/pipeord/internal/tools"
)

// LLM is the opaque model callable handed to stages.
type LLM func(ctx context.Context, prompt string) (string, *pipeord.TokenUsage, error)

// IO is the jailed file surface handed to stages. Names are bare file names;
// writes land under the job's files/ tree and are registered in the status
// snapshot by the runner.
type IO interface {
	WriteArtifact(name string, data []byte) error
	WriteTmp(name string, data []byte) error
	ReadFile(kind, name string) ([]byte, error)
	Log(line string) error
}

// Meta identifies the stage invocation.
type Meta struct {
	JobID   string
	TaskID  string
	Stage   pipeord.Stage
	Attempt int
}

// Context is the record one stage invocation sees. Data holds prior stage
// outputs keyed by stage name; Output is the previous stage's output (the
// seed payload for ingestion); PreviousStage is "seed" for the first stage.
type Context struct {
	Seed          *pipeord.Seed
	Data          map[string]any
	PreviousStage string
	Output        any
	Flags         map[string]any
	Meta          Meta
	IO            IO
	LLM           LLM
	Tools         *tools.Kit
}

// Result is what one stage returns. Flags is a flat map; the runner reads
// the reserved refinementNeeded and validationFailed flags from it.
type Result struct {
	Output     any
	Flags      map[string]any
	TokenUsage []pipeord.TokenUsage
}

// Executor runs one stage of a task.
type Executor interface {
	Type() string
	Execute(ctx context.Context, sc *Context) (*Result, error)
}

// Table maps each stage to its executor for one task. Stages with no entry
// run as passthrough.
type Table map[pipeord.Stage]Executor

// builtinSets are the stage tables available to tasks that opt out of
// scripts, selected by the document's executor field.
var builtinSets = map[string]func() Table{
	"passthrough": func() Table { return Table{} },
	"transform": func() Table {
		return Table{
			pipeord.StageIngestion: SeedLift{},
			pipeord.StageParsing:   ParseJSON{},
		}
	},
	"collect": func() Table {
		return Table{
			pipeord.StageIngestion: Collect{},
			pipeord.StageParsing:   ParseJSON{},
		}
	},
}

// BuildTable resolves one task document into per-stage executors. Scripted
// stages win; otherwise the named builtin set applies, defaulting to
// passthrough.
func BuildTable(doc *registry.TaskDocument) (Table, error) {
	if doc == nil {
		return Table{}, nil
	}
	if doc.HasScripts() {
		t := make(Table, len(doc.Programs))
		for stage, program := range doc.Programs {
			t[stage] = NewScript(stage, program)
		}
		return t, nil
	}
	name := doc.Executor
	if name == "" {
		name = "passthrough"
	}
	build, ok := builtinSets[name]
	if !ok {
		return nil, fmt.Errorf("task %q: unknown executor set %q", doc.TaskID, name)
	}
	return build(), nil
}
