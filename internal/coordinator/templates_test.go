package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/paths"
)

func TestTemplateStoreGetBuiltin(t *testing.T) {
	s := NewTemplateStore(paths.NewLayout(t.TempDir()))

	intro, err := s.Get(context.Background(), TemplateRoleIntro)
	require.NoError(t, err)
	require.Equal(t, "role_intro", intro.Name)
	require.Equal(t, "built-in", intro.Source)
	require.NotEmpty(t, intro.Description)
	require.Contains(t, intro.Content, "{{sessionId}}")
	require.Contains(t, intro.Content, "{{WORKFLOW_SELECTION}}")
	require.NotContains(t, intro.Content, "---\nname:")

	instr, err := s.Get(context.Background(), TemplateDecisionInstructions)
	require.NoError(t, err)
	require.Contains(t, instr.Content, "REASONING:")
	require.Contains(t, instr.Content, "CONFIDENCE:")
}

func TestTemplateStoreGetUnknown(t *testing.T) {
	s := NewTemplateStore(paths.NewLayout(t.TempDir()))
	_, err := s.Get(context.Background(), "missing")
	require.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestTemplateStoreOverrideShadowsBuiltin(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	s := NewTemplateStore(layout)

	override := "---\nname: role_intro\ndescription: custom intro\n---\nShort intro for {{sessionId}}.\n"
	require.NoError(t, s.SetOverride(TemplateRoleIntro, override))

	got, err := s.Get(context.Background(), TemplateRoleIntro)
	require.NoError(t, err)
	require.Equal(t, "override", got.Source)
	require.Equal(t, "custom intro", got.Description)
	require.Equal(t, "Short intro for {{sessionId}}.\n", got.Content)

	// Overrides re-read on every lookup, so live edits apply.
	require.NoError(t, s.SetOverride(TemplateRoleIntro, "Plain body, no frontmatter."))
	got, err = s.Get(context.Background(), TemplateRoleIntro)
	require.NoError(t, err)
	require.Equal(t, "Plain body, no frontmatter.", got.Content)
	require.Equal(t, "role_intro", got.Name)
}

func TestTemplateStoreRejectsUnknownOverride(t *testing.T) {
	s := NewTemplateStore(paths.NewLayout(t.TempDir()))
	err := s.SetOverride("no_such_template", "body")
	require.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestTemplateStoreMalformedOverrideFallsBack(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	s := NewTemplateStore(layout)

	raw := "---\nname: [broken\n---\nbody text\n"
	require.NoError(t, s.SetOverride(TemplateRoleIntro, raw))

	got, err := s.Get(context.Background(), TemplateRoleIntro)
	require.NoError(t, err)
	require.Equal(t, "override", got.Source)
	// The whole file becomes the body rather than failing the prompt.
	require.Equal(t, raw, got.Content)
}

func TestTemplateStoreList(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	s := NewTemplateStore(layout)

	all, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "decision_instructions", all[0].Name)
	require.Equal(t, "role_intro", all[1].Name)
	require.Equal(t, "built-in", all[0].Source)
	require.Empty(t, all[0].Content)

	require.NoError(t, s.SetOverride(TemplateRoleIntro, "custom"))
	all, err = s.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, "override", all[1].Source)
}

func TestParseTemplateWithoutFrontmatter(t *testing.T) {
	tpl, err := parseTemplate([]byte("just a body\n"))
	require.NoError(t, err)
	require.Empty(t, tpl.Name)
	require.Equal(t, "just a body\n", tpl.Content)
}

func TestParseTemplateUnterminatedFrontmatter(t *testing.T) {
	_, err := parseTemplate([]byte("---\nname: x\nnever closed"))
	require.Error(t, err)
}

func TestRenderTemplate(t *testing.T) {
	out := renderTemplate("hello {{name}}, {{missing}} stays", map[string]string{"name": "apc"})
	require.Equal(t, "hello apc, {{missing}} stays", out)
}
