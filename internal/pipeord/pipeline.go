package pipeord

// Pipeline is the static configuration of one pipeline slug: the ordered
// task list plus per-task settings. Loaded once per job from
// pipeline-config/<slug>/pipeline.json.
type Pipeline struct {
	Name       string                  `json:"name"`
	Version    int                     `json:"version"`
	Tasks      []string                `json:"tasks"`
	TaskConfig map[string]TaskSettings `json:"taskConfig,omitempty"`
}

// TaskSettings holds per-task overrides. The "default" key applies to every
// task that has no entry of its own.
type TaskSettings struct {
	MaxRefinements *int   `json:"maxRefinements,omitempty"`
	Provider       string `json:"provider,omitempty"`
}

// DefaultMaxRefinements bounds the critique/refine loop when neither the
// pipeline nor the runner config overrides it.
const DefaultMaxRefinements = 3

// MaxRefinementsFor resolves the refinement bound for a task: task entry,
// then "default" entry, then the supplied fallback.
func (p *Pipeline) MaxRefinementsFor(taskID string, fallback int) int {
	if p.TaskConfig != nil {
		if ts, ok := p.TaskConfig[taskID]; ok && ts.MaxRefinements != nil {
			return *ts.MaxRefinements
		}
		if ts, ok := p.TaskConfig["default"]; ok && ts.MaxRefinements != nil {
			return *ts.MaxRefinements
		}
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxRefinements
}

// ProviderFor resolves the model provider name for a task.
func (p *Pipeline) ProviderFor(taskID, fallback string) string {
	if p.TaskConfig != nil {
		if ts, ok := p.TaskConfig[taskID]; ok && ts.Provider != "" {
			return ts.Provider
		}
		if ts, ok := p.TaskConfig["default"]; ok && ts.Provider != "" {
			return ts.Provider
		}
	}
	return fallback
}

// RegistryEntry locates a pipeline's config and task documents relative to
// the pipeline-config root.
type RegistryEntry struct {
	Config string `json:"config"`
	Tasks  string `json:"tasks"`
}

// Registry maps pipeline slugs to their on-disk locations.
type Registry map[string]RegistryEntry
