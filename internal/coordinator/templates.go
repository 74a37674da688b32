package coordinator

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apc-dev/apc/internal/cachemanager"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/paths"
)

// builtinTemplates holds the stock coordinator prompt templates. Each
// file is markdown with a YAML frontmatter block carrying name and
// description headers.
//
//go:embed templates/*.md
var builtinTemplates embed.FS

const (
	// TemplateRoleIntro opens every evaluation prompt.
	TemplateRoleIntro = "role_intro"
	// TemplateDecisionInstructions closes every evaluation prompt and
	// carries the mandatory REASONING/CONFIDENCE footer.
	TemplateDecisionInstructions = "decision_instructions"

	templateCacheTTL = 10 * time.Minute
)

// Template is one named prompt template, built-in or user override.
type Template struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Source      string `json:"source"` // "built-in" or "override"
	Content     string `json:"-"`
}

// TemplateStore resolves templates by name. Overrides under
// _AiDevLog/prompts/<name>.md shadow the embedded versions and are
// re-read on every lookup so live edits take effect immediately;
// built-ins go through a read-through TTL cache.
type TemplateStore struct {
	layout  paths.Layout
	builtin fs.FS
	cache   *cachemanager.ReadThrough[Template, string]
}

// NewTemplateStore builds a store over the embedded templates and the
// layout's prompts directory.
func NewTemplateStore(layout paths.Layout) *TemplateStore {
	s := &TemplateStore{
		layout:  layout,
		builtin: builtinTemplates,
	}
	mem := cachemanager.NewInMemory[Template]("prompt-templates",
		cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	s.cache = cachemanager.NewReadThrough[Template, string](mem, s.loadBuiltin, false)
	return s
}

// Get resolves a template by name, override first.
func (s *TemplateStore) Get(ctx context.Context, name string) (Template, error) {
	if override, ok := s.readOverride(name); ok {
		return override, nil
	}
	return s.cache.Get(ctx, name, name, templateCacheTTL)
}

// List returns every known template, overrides shadowing built-ins,
// sorted by name. Content is omitted; Get fetches it.
func (s *TemplateStore) List(ctx context.Context) ([]Template, error) {
	seen := make(map[string]Template)

	entries, err := fs.ReadDir(s.builtin, "templates")
	if err != nil {
		return nil, fmt.Errorf("reading embedded templates: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		tpl, err := s.cache.Get(ctx, name, name, templateCacheTTL)
		if err != nil {
			return nil, err
		}
		tpl.Content = ""
		seen[name] = tpl
	}

	for name := range seen {
		if override, ok := s.readOverride(name); ok {
			override.Content = ""
			seen[name] = override
		}
	}

	out := make([]Template, 0, len(seen))
	for _, tpl := range seen {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetOverride writes an override file for a known template name.
// Unknown names are rejected so typos do not create dead files.
func (s *TemplateStore) SetOverride(name, content string) error {
	if _, err := fs.Stat(s.builtin, path.Join("templates", name+".md")); err != nil {
		return fault.New(fault.Validation, "unknown template %q", name)
	}
	if err := os.MkdirAll(s.layout.PromptsDir(), 0o755); err != nil {
		return fault.Wrap(fault.Fatal, err, "creating prompts dir")
	}
	if err := os.WriteFile(s.layout.PromptFile(name), []byte(content), 0o644); err != nil {
		return fault.Wrap(fault.Fatal, err, "writing template override %q", name)
	}
	return nil
}

func (s *TemplateStore) loadBuiltin(_ context.Context, name string) (Template, error) {
	raw, err := fs.ReadFile(s.builtin, path.Join("templates", name+".md"))
	if err != nil {
		return Template{}, fault.Wrap(fault.Validation, err, "unknown template %q", name)
	}
	tpl, err := parseTemplate(raw)
	if err != nil {
		return Template{}, fmt.Errorf("parsing built-in template %q: %w", name, err)
	}
	if tpl.Name == "" {
		tpl.Name = name
	}
	tpl.Source = "built-in"
	return tpl, nil
}

func (s *TemplateStore) readOverride(name string) (Template, bool) {
	raw, err := os.ReadFile(s.layout.PromptFile(name))
	if err != nil {
		return Template{}, false
	}
	tpl, err := parseTemplate(raw)
	if err != nil {
		// Malformed frontmatter in an override is a user editing error;
		// fall back to treating the whole file as the body.
		tpl = Template{Content: string(raw)}
	}
	if tpl.Name == "" {
		tpl.Name = name
	}
	tpl.Source = "override"
	return tpl, true
}

// parseTemplate splits optional YAML frontmatter from the markdown
// body. A file without a leading --- block is all body.
func parseTemplate(raw []byte) (Template, error) {
	var tpl Template

	trimmed := bytes.TrimLeft(raw, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte("---\n")) && !bytes.HasPrefix(trimmed, []byte("---\r\n")) {
		tpl.Content = string(raw)
		return tpl, nil
	}

	rest := trimmed[bytes.IndexByte(trimmed, '\n')+1:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return Template{}, fmt.Errorf("unterminated frontmatter")
	}

	if err := yaml.Unmarshal(rest[:end], &tpl); err != nil {
		return Template{}, fmt.Errorf("frontmatter: %w", err)
	}

	body := rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	tpl.Content = strings.TrimLeft(string(body), "\n\r")
	return tpl, nil
}

// renderTemplate substitutes {{var}} placeholders. Unknown placeholders
// pass through untouched so template typos stay visible in audit logs.
func renderTemplate(content string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(content)
}
