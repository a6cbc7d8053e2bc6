package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/storage"
	"github.com/pipeord/pipeord/internal/tools"
)

// Script runs one compiled stage expression. The program was compiled at
// registry load; only runtime errors can surface here.
type Script struct {
	stage   pipeord.Stage
	program *vm.Program
}

// NewScript wraps a compiled program as a stage executor.
func NewScript(stage pipeord.Stage, program *vm.Program) *Script {
	return &Script{stage: stage, program: program}
}

func (s *Script) Type() string { return "script" }

func (s *Script) Execute(ctx context.Context, sc *Context) (*Result, error) {
	var usage []pipeord.TokenUsage
	env := scriptEnv(ctx, sc, &usage)

	raw, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", s.stage, err)
	}
	output, flags, err := splitScriptResult(raw)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", s.stage, err)
	}
	return &Result{Output: output, Flags: flags, TokenUsage: usage}, nil
}

// scriptEnv assembles the expression environment: the context record fields
// plus the builtin callables. The llm closure appends usage records to the
// caller's slice as a side effect.
func scriptEnv(ctx context.Context, sc *Context, usage *[]pipeord.TokenUsage) map[string]any {
	seed := map[string]any{}
	if sc.Seed != nil {
		seed = map[string]any{
			"name":     sc.Seed.Name,
			"data":     sc.Seed.Data,
			"pipeline": sc.Seed.Pipeline,
		}
	}

	return map[string]any{
		"seed":          seed,
		"data":          sc.Data,
		"output":        sc.Output,
		"flags":         sc.Flags,
		"previousStage": sc.PreviousStage,
		"meta": map[string]any{
			"jobId":   sc.Meta.JobID,
			"taskId":  sc.Meta.TaskID,
			"stage":   string(sc.Meta.Stage),
			"attempt": sc.Meta.Attempt,
		},
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
		"llm": func(prompt string) (string, error) {
			if sc.LLM == nil {
				return "", errors.New("llm: no provider configured")
			}
			out, u, err := sc.LLM(ctx, prompt)
			if err != nil {
				return "", err
			}
			if u != nil {
				*usage = append(*usage, *u)
			}
			return out, nil
		},
		"log": func(msg string) (bool, error) {
			if sc.IO == nil {
				return false, errors.New("log: no file access in this context")
			}
			if err := sc.IO.Log(msg); err != nil {
				return false, err
			}
			return true, nil
		},
		"writeArtifact": func(name, content string) (string, error) {
			if sc.IO == nil {
				return "", errors.New("writeArtifact: no file access in this context")
			}
			if err := sc.IO.WriteArtifact(name, []byte(content)); err != nil {
				return "", err
			}
			return name, nil
		},
		"extractFile": func(name string) (string, error) {
			if sc.IO == nil {
				return "", errors.New("extractFile: no file access in this context")
			}
			data, err := sc.IO.ReadFile(storage.KindArtifacts, name)
			if err != nil {
				data, err = sc.IO.ReadFile(storage.KindTmp, name)
			}
			if err != nil {
				return "", fmt.Errorf("extractFile: %w", err)
			}
			return tools.ExtractText(name, data)
		},
		"fetchFeed": func(url string) (map[string]any, error) {
			if sc.Tools == nil {
				return nil, errors.New("fetchFeed: network helpers not available")
			}
			return sc.Tools.FetchFeed(ctx, url)
		},
		"fetchPage": func(url, selector string) (map[string]any, error) {
			if sc.Tools == nil {
				return nil, errors.New("fetchPage: network helpers not available")
			}
			return sc.Tools.FetchPage(ctx, url, selector)
		},
	}
}

// splitScriptResult applies the result convention: a map with output or
// flags keys is split, anything else becomes the output with empty flags.
func splitScriptResult(raw any) (any, map[string]any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return raw, map[string]any{}, nil
	}
	_, hasOutput := m["output"]
	fv, hasFlags := m["flags"]
	if !hasOutput && !hasFlags {
		return raw, map[string]any{}, nil
	}

	flags := map[string]any{}
	if hasFlags && fv != nil {
		fm, ok := fv.(map[string]any)
		if !ok {
			return nil, nil, errors.New("script flags must be a map")
		}
		flags = fm
	}
	return m["output"], flags, nil
}
