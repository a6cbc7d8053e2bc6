// Package registry loads pipeline configuration from the data root.
// registry.json maps slugs to their config locations, pipeline.json carries
// the ordered task list, and per-task YAML documents hold stage scripts that
// are compiled once at load time. Runners read this configuration exactly
// once at startup; changes on disk require operator action.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/pipeord"
)

// ErrPipelineNotFound is returned when a slug has no registry entry.
var ErrPipelineNotFound = errors.New("pipeline not found")

// slugPattern constrains pipeline slugs and task ids; both become path
// segments under pipeline-config/.
var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSlug reports whether s can serve as a pipeline slug or task id.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// TaskDocument is one parsed and compiled task script document. A stage with
// no entry falls through to passthrough behavior. Executor optionally names
// a builtin stage set for tasks that carry no scripts at all.
type TaskDocument struct {
	TaskID   string
	Executor string
	Sources  map[pipeord.Stage]string
	Programs map[pipeord.Stage]*vm.Program
}

// HasScripts reports whether any stage of the document carries a script.
func (d *TaskDocument) HasScripts() bool {
	return len(d.Programs) > 0
}

// Loaded bundles everything a runner needs for one pipeline slug.
type Loaded struct {
	Slug     string
	Pipeline *pipeord.Pipeline
	Docs     map[string]*TaskDocument
}

// Summary is the listing shape for one registered pipeline.
type Summary struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
	TaskCount int    `json:"taskCount"`
}

// Store reads pipeline configuration under one data root.
type Store struct {
	res *paths.Resolver
}

// NewStore returns a Store over the given resolver.
func NewStore(res *paths.Resolver) *Store {
	return &Store{res: res}
}

// Registry reads and parses registry.json.
func (s *Store) Registry() (pipeord.Registry, error) {
	data, err := os.ReadFile(s.res.RegistryPath())
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var reg pipeord.Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return reg, nil
}

// Load reads, validates, and compiles the full configuration of one slug.
func (s *Store) Load(slug string) (*Loaded, error) {
	reg, err := s.Registry()
	if err != nil {
		return nil, err
	}
	entry, ok := reg[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPipelineNotFound, slug)
	}

	p, err := s.loadPipeline(entry)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", slug, err)
	}

	tasksDir := filepath.Join(s.res.ConfigDir(), filepath.FromSlash(entry.Tasks))
	index, err := loadTaskIndex(tasksDir)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", slug, err)
	}

	docs := make(map[string]*TaskDocument, len(p.Tasks))
	for _, taskID := range p.Tasks {
		fileName, ok := index[taskID]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: task %q has no document in index.yaml", slug, taskID)
		}
		doc, err := loadTaskDocument(filepath.Join(tasksDir, fileName), taskID)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", slug, err)
		}
		docs[taskID] = doc
	}

	return &Loaded{Slug: slug, Pipeline: p, Docs: docs}, nil
}

// List returns summaries of every registered pipeline, sorted by slug.
// Listing is lax: a scaffolded pipeline with no tasks yet still shows up.
func (s *Store) List() ([]Summary, error) {
	reg, err := s.Registry()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(reg))
	for slug, entry := range reg {
		p, err := s.loadPipelineLax(entry)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", slug, err)
		}
		out = append(out, Summary{
			Slug:      slug,
			Name:      p.Name,
			Version:   p.Version,
			TaskCount: len(p.Tasks),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *Store) loadPipeline(entry pipeord.RegistryEntry) (*pipeord.Pipeline, error) {
	path := filepath.Join(s.res.ConfigDir(), filepath.FromSlash(entry.Config))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var p pipeord.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validatePipeline(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func validatePipeline(p *pipeord.Pipeline) error {
	if p.Name == "" {
		return errors.New("config has no name")
	}
	if len(p.Tasks) == 0 {
		return errors.New("config lists no tasks")
	}
	seen := make(map[string]bool, len(p.Tasks))
	for _, id := range p.Tasks {
		if !ValidSlug(id) {
			return fmt.Errorf("invalid task id %q", id)
		}
		if seen[id] {
			return fmt.Errorf("duplicate task id %q", id)
		}
		seen[id] = true
	}
	return nil
}

// taskIndex is tasks/index.yaml: a flat taskId to file-name map.
func loadTaskIndex(tasksDir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(tasksDir, "index.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read task index: %w", err)
	}
	index := make(map[string]string)
	if err := yaml.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse task index: %w", err)
	}
	return index, nil
}

// taskFile is the YAML shape of one task document.
type taskFile struct {
	Executor string            `yaml:"executor"`
	Stages   map[string]string `yaml:"stages"`
}

func loadTaskDocument(path, taskID string) (*TaskDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("task %q: read document: %w", taskID, err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("task %q: parse document: %w", taskID, err)
	}

	doc := &TaskDocument{
		TaskID:   taskID,
		Executor: tf.Executor,
		Sources:  make(map[pipeord.Stage]string),
		Programs: make(map[pipeord.Stage]*vm.Program),
	}
	for name, src := range tf.Stages {
		stage := pipeord.Stage(name)
		if pipeord.StageIndex(stage) < 0 {
			return nil, fmt.Errorf("task %q: unknown stage %q", taskID, name)
		}
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		program, err := expr.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("task %q stage %s: compile: %w", taskID, stage, err)
		}
		doc.Sources[stage] = src
		doc.Programs[stage] = program
	}
	return doc, nil
}
