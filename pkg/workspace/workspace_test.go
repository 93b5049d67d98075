package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newWorkspace(t *testing.T, root string) *Workspace {
	t.Helper()
	w, err := New(Config{Path: root, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestParseSkill(t *testing.T) {
	skill, err := ParseSkill("/ws/skills/weather/SKILL.md", []byte(`---
name: Weather
description: Look up forecasts
keywords: [weather, forecast, rain]
---
Use the http tool to fetch forecasts.
`))
	require.NoError(t, err)
	assert.Equal(t, "Weather", skill.Name)
	assert.Equal(t, "Look up forecasts", skill.Description)
	assert.Equal(t, []string{"weather", "forecast", "rain"}, skill.Keywords)
	assert.Equal(t, "Use the http tool to fetch forecasts.", skill.Body)

	plain, err := ParseSkill("/ws/skills/notes/SKILL.md", []byte("Just a body"))
	require.NoError(t, err)
	assert.Equal(t, "notes", plain.Name)
	assert.Equal(t, "Just a body", plain.Body)

	_, err = ParseSkill("x/SKILL.md", []byte("---\nname: broken\n"))
	assert.Error(t, err)
}

func TestSelectSkills(t *testing.T) {
	skills := []Skill{
		{Name: "a"},
		{Name: "b", Keywords: []string{"rain"}},
		{Name: "c", Keywords: []string{"rain", "umbrella"}},
		{Name: "d"},
		{Name: "e"},
		{Name: "f"},
	}

	got := SelectSkills(skills, "Will it RAIN, do I need an umbrella?", 0)
	require.Len(t, got, DefaultMaxSkills)
	assert.Equal(t, "c", got[0].Name)
	assert.Equal(t, "b", got[1].Name)
	assert.Equal(t, "a", got[2].Name)

	assert.Len(t, SelectSkills(skills, "", 2), 2)
}

func TestPersona_ApplyAndPersist(t *testing.T) {
	root := t.TempDir()
	nick := " Rara "
	tone := "playful"

	p := Persona{}.Apply(PersonaUpdate{Nickname: &nick, Tone: &tone, AddNotes: []string{"likes cats", " "}})
	assert.Equal(t, "Rara", p.Nickname)
	assert.Equal(t, []string{"likes cats"}, p.Notes)

	require.NoError(t, SavePersona(root, p))
	loaded, err := LoadPersona(root)
	require.NoError(t, err)
	assert.Equal(t, p.Nickname, loaded.Nickname)
	assert.Equal(t, p.Tone, loaded.Tone)

	cleared := loaded.Apply(PersonaUpdate{ClearNotes: true})
	assert.Empty(t, cleared.Notes)
	assert.True(t, PersonaUpdate{}.Empty())

	missing, err := LoadPersona(t.TempDir())
	require.NoError(t, err)
	assert.True(t, missing.IsZero())
}

func TestWorkspace_ResolveContexts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, SoulFile, "You are calm and kind.")
	writeFile(t, root, "skills/weather/SKILL.md", "---\nname: weather\ndescription: Forecasts\nkeywords: [rain]\n---\nCheck the sky.")
	writeFile(t, root, "skills/cooking/SKILL.md", "---\nname: cooking\nkeywords: [recipe]\n---\nBe precise.")

	w := newWorkspace(t, root)
	ctx := context.Background()

	persona, err := w.ResolvePersonaContext(ctx, agent.ContextRequest{Input: "hi"})
	require.NoError(t, err)
	assert.Contains(t, persona, "You are calm and kind.")
	assert.NotContains(t, persona, "overrides")

	skills, err := w.ResolveSkillsContext(ctx, agent.ContextRequest{Input: "any recipe ideas?"})
	require.NoError(t, err)
	assert.Less(t, strings.Index(skills, "## cooking"), strings.Index(skills, "## weather"))

	name := "Captain"
	_, err = w.UpdatePersona("", PersonaUpdate{UserName: &name})
	require.NoError(t, err)

	persona, err = w.ResolvePersonaContext(ctx, agent.ContextRequest{})
	require.NoError(t, err)
	assert.Contains(t, persona, `Address the user as "Captain"`)
	assert.Equal(t, "Captain", w.Persona().UserName)
}

func TestWorkspace_EmptyRoot(t *testing.T) {
	w := newWorkspace(t, filepath.Join(t.TempDir(), "fresh"))

	persona, err := w.ResolvePersonaContext(context.Background(), agent.ContextRequest{})
	require.NoError(t, err)
	assert.Empty(t, persona)

	skills, err := w.ResolveSkillsContext(context.Background(), agent.ContextRequest{})
	require.NoError(t, err)
	assert.Empty(t, skills)
}

func TestWorkspace_OtherRootUncached(t *testing.T) {
	w := newWorkspace(t, t.TempDir())
	other := t.TempDir()
	writeFile(t, other, SoulFile, "Other soul")

	persona, err := w.ResolvePersonaContext(context.Background(), agent.ContextRequest{
		RunContext: agent.RunContext{WorkspaceRoot: other},
	})
	require.NoError(t, err)
	assert.Contains(t, persona, "Other soul")
	assert.Empty(t, w.Skills())
}

func TestWorkspace_WatcherInvalidatesCache(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	writeFile(t, root, SoulFile, "first")

	w, err := New(Config{Path: root, Watch: true, StabilityThreshold: 20 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	persona, _ := w.ResolvePersonaContext(context.Background(), agent.ContextRequest{})
	require.Contains(t, persona, "first")

	writeFile(t, root, SoulFile, "second")

	assert.Eventually(t, func() bool {
		p, _ := w.ResolvePersonaContext(context.Background(), agent.ContextRequest{})
		return strings.Contains(p, "second")
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, w.Stop())
}
