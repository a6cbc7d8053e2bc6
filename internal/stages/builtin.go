package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/tools"
)

// Passthrough forwards the previous output unchanged. It is also what the
// runner does for any stage with no table entry.
type Passthrough struct{}

func (Passthrough) Type() string { return "passthrough" }

func (Passthrough) Execute(_ context.Context, sc *Context) (*Result, error) {
	return &Result{Output: sc.Output, Flags: map[string]any{}}, nil
}

// SeedLift makes the seed payload the working output. The builtin sets use
// it at ingestion.
type SeedLift struct{}

func (SeedLift) Type() string { return "seedLift" }

func (SeedLift) Execute(_ context.Context, sc *Context) (*Result, error) {
	var out any
	if sc.Seed != nil {
		out = sc.Seed.Data
	}
	return &Result{Output: out, Flags: map[string]any{}}, nil
}

// ParseJSON turns a string output into structured data when it parses as
// JSON; anything else passes through unchanged.
type ParseJSON struct{}

func (ParseJSON) Type() string { return "parseJSON" }

func (ParseJSON) Execute(_ context.Context, sc *Context) (*Result, error) {
	if s, ok := sc.Output.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return &Result{Output: parsed, Flags: map[string]any{}}, nil
		}
	}
	return &Result{Output: sc.Output, Flags: map[string]any{}}, nil
}

// Collect fetches the sources listed under seed.data.sources: feeds and web
// pages, in parallel. A failing source is embedded in the result instead of
// failing the stage, so one dead feed does not sink the task.
type Collect struct{}

func (Collect) Type() string { return "collect" }

// collectSource is the per-source shape inside seed.data.sources.
type collectSource struct {
	ID       string
	Type     string
	URL      string
	Selector string
}

func (Collect) Execute(ctx context.Context, sc *Context) (*Result, error) {
	sources := parseSources(sc.Seed)
	if len(sources) == 0 {
		return &Result{
			Output: map[string]any{"text": "", "sources": map[string]any{}},
			Flags:  map[string]any{},
		}, nil
	}
	if sc.Tools == nil {
		return nil, fmt.Errorf("collect: network helpers not available")
	}

	type sourceResult struct {
		id   string
		text string
		data any
	}
	results := make([]sourceResult, len(sources))

	g, gCtx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			text, data, err := fetchOne(gCtx, sc.Tools, src)
			if err != nil {
				// Partial failure: record it, keep going.
				results[i] = sourceResult{
					id:   src.ID,
					text: fmt.Sprintf("=== %s: %s ===\n[error] %v\n", strings.ToUpper(src.Type), src.ID, err),
					data: map[string]any{"error": err.Error()},
				}
				return nil
			}
			results[i] = sourceResult{id: src.ID, text: text, data: data}
			return nil
		})
	}
	_ = g.Wait() // errors are embedded in results, not returned

	var textParts []string
	sourcesMap := make(map[string]any, len(results))
	for _, r := range results {
		if r.id == "" {
			continue
		}
		textParts = append(textParts, r.text)
		sourcesMap[r.id] = r.data
	}

	return &Result{
		Output: map[string]any{
			"text":    strings.Join(textParts, "\n"),
			"sources": sourcesMap,
		},
		Flags: map[string]any{},
	}, nil
}

func fetchOne(ctx context.Context, kit *tools.Kit, src collectSource) (string, any, error) {
	switch src.Type {
	case "rss", "feed":
		feed, err := kit.FetchFeed(ctx, src.URL)
		if err != nil {
			return "", nil, err
		}
		return feedText(src.ID, feed), feed, nil
	case "page", "scrape":
		page, err := kit.FetchPage(ctx, src.URL, src.Selector)
		if err != nil {
			return "", nil, err
		}
		return pageText(src.ID, page), page, nil
	default:
		return "", nil, fmt.Errorf("unknown source type %q", src.Type)
	}
}

func feedText(id string, feed map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== FEED: %s ===\n", id)
	if title, _ := feed["title"].(string); title != "" {
		fmt.Fprintf(&sb, "%s\n\n", title)
	}
	if items, ok := feed["items"].([]map[string]any); ok {
		for _, item := range items {
			fmt.Fprintf(&sb, "%v\n%v\n%v\n\n", item["title"], item["link"], item["summary"])
		}
	}
	return sb.String()
}

func pageText(id string, page map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== PAGE: %s ===\n", id)
	if text, _ := page["text"].(string); text != "" {
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	if items, ok := page["items"].([]any); ok {
		for _, item := range items {
			fmt.Fprintf(&sb, "%v\n", item)
		}
	}
	return sb.String()
}

// parseSources reads seed.data.sources into typed records, tolerating
// missing fields. Sources without an id get a positional one.
func parseSources(seed *pipeord.Seed) []collectSource {
	if seed == nil || seed.Data == nil {
		return nil
	}
	raw, ok := seed.Data["sources"].([]any)
	if !ok {
		return nil
	}
	out := make([]collectSource, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		src := collectSource{
			ID:       str(m["id"]),
			Type:     str(m["type"]),
			URL:      str(m["url"]),
			Selector: str(m["selector"]),
		}
		if src.ID == "" {
			src.ID = fmt.Sprintf("source-%d", i+1)
		}
		out = append(out, src)
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
