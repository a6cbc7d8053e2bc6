package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/storage"
)

// starterDocument is the task document written by the scaffolders. Omitted
// stages run as passthrough, so the task works end to end out of the box.
const starterDocument = `# Stage scripts for task %q. Stages omitted here pass the previous
# output through unchanged. Each script evaluates to the stage output, or to
# a map with "output" and "flags" keys.
stages:
  promptTemplating: |
    "Summarize: " + string(seed.name)
  inference: |
    llm(data.promptTemplating)
`

// Init scaffolds the full data-root layout: the pipeline-data phase
// directories and a registry with one pipeline containing one starter task.
// Existing files are left untouched, so running it twice is safe.
func (s *Store) Init(slug string) error {
	if !ValidSlug(slug) {
		return fmt.Errorf("invalid pipeline slug %q", slug)
	}
	for _, dir := range []string{
		s.res.PendingDir(),
		s.res.CurrentDir(),
		s.res.CompleteDir(),
		s.res.RejectedDir(),
		s.res.TasksDir(slug),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(s.res.RegistryPath()); errors.Is(err, os.ErrNotExist) {
		reg := pipeord.Registry{slug: registryEntry(slug)}
		if err := s.writeRegistry(reg); err != nil {
			return err
		}
	}

	if _, err := os.Stat(s.res.PipelineConfigPath(slug)); errors.Is(err, os.ErrNotExist) {
		p := &pipeord.Pipeline{Name: slug, Version: 1, Tasks: []string{"demo"}}
		if err := s.writePipeline(slug, p); err != nil {
			return err
		}
		if err := s.writeTaskIndex(slug, map[string]string{"demo": "demo.yaml"}); err != nil {
			return err
		}
		if err := s.writeTaskDocument(slug, "demo"); err != nil {
			return err
		}
	}
	return nil
}

// AddPipeline registers a new slug with an empty task list.
func (s *Store) AddPipeline(slug string) error {
	if !ValidSlug(slug) {
		return fmt.Errorf("invalid pipeline slug %q", slug)
	}
	reg, err := s.Registry()
	if err != nil {
		return err
	}
	if _, exists := reg[slug]; exists {
		return fmt.Errorf("pipeline %q already exists", slug)
	}

	if err := os.MkdirAll(s.res.TasksDir(slug), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	p := &pipeord.Pipeline{Name: slug, Version: 1, Tasks: nil}
	if err := s.writePipeline(slug, p); err != nil {
		return err
	}
	if err := s.writeTaskIndex(slug, map[string]string{}); err != nil {
		return err
	}

	reg[slug] = registryEntry(slug)
	return s.writeRegistry(reg)
}

// AddTask appends a task to a pipeline and writes its starter document.
func (s *Store) AddTask(slug, taskID string) error {
	if !ValidSlug(taskID) {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	reg, err := s.Registry()
	if err != nil {
		return err
	}
	entry, ok := reg[slug]
	if !ok {
		return fmt.Errorf("%w: %q", ErrPipelineNotFound, slug)
	}
	p, err := s.loadPipelineLax(entry)
	if err != nil {
		return fmt.Errorf("pipeline %q: %w", slug, err)
	}
	for _, id := range p.Tasks {
		if id == taskID {
			return fmt.Errorf("task %q already exists in pipeline %q", taskID, slug)
		}
	}

	tasksDir := filepath.Join(s.res.ConfigDir(), filepath.FromSlash(entry.Tasks))
	index, err := loadTaskIndex(tasksDir)
	if err != nil {
		return fmt.Errorf("pipeline %q: %w", slug, err)
	}

	p.Tasks = append(p.Tasks, taskID)
	index[taskID] = taskID + ".yaml"

	if err := s.writeTaskDocument(slug, taskID); err != nil {
		return err
	}
	if err := s.writeTaskIndex(slug, index); err != nil {
		return err
	}
	return s.writePipeline(slug, p)
}

// loadPipelineLax parses a pipeline config without the task-list checks, so
// freshly scaffolded pipelines with zero tasks can still be extended.
func (s *Store) loadPipelineLax(entry pipeord.RegistryEntry) (*pipeord.Pipeline, error) {
	path := filepath.Join(s.res.ConfigDir(), filepath.FromSlash(entry.Config))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var p pipeord.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &p, nil
}

func registryEntry(slug string) pipeord.RegistryEntry {
	return pipeord.RegistryEntry{
		Config: slug + "/pipeline.json",
		Tasks:  slug + "/tasks",
	}
}

func (s *Store) writeRegistry(reg pipeord.Registry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := storage.WriteFileAtomic(s.res.RegistryPath(), data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

func (s *Store) writePipeline(slug string, p *pipeord.Pipeline) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pipeline config: %w", err)
	}
	if err := storage.WriteFileAtomic(s.res.PipelineConfigPath(slug), data, 0o644); err != nil {
		return fmt.Errorf("write pipeline config: %w", err)
	}
	return nil
}

func (s *Store) writeTaskIndex(slug string, index map[string]string) error {
	data, err := yaml.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode task index: %w", err)
	}
	path := filepath.Join(s.res.TasksDir(slug), "index.yaml")
	if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write task index: %w", err)
	}
	return nil
}

func (s *Store) writeTaskDocument(slug, taskID string) error {
	doc := fmt.Sprintf(starterDocument, taskID)
	path := filepath.Join(s.res.TasksDir(slug), taskID+".yaml")
	if err := storage.WriteFileAtomic(path, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("write task document: %w", err)
	}
	return nil
}
