package syncer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perrydev/perry/internal/common/config"
	"github.com/perrydev/perry/internal/sessions"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Code Review", "code-review"},
		{"already-a-slug", "already-a-slug"},
		{"  Spaced  Out  ", "spaced-out"},
		{"Symbols!@#Here", "symbols-here"},
		{"---", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestContainerPath(t *testing.T) {
	assert.Equal(t, WorkspaceHome+"/.claude/settings.json", containerPath("~/.claude/settings.json"))
	assert.Equal(t, WorkspaceHome, containerPath("~"))
	assert.Equal(t, "/etc/hosts", containerPath("/etc/hosts"))
}

func TestCategoryPerm(t *testing.T) {
	assert.EqualValues(t, 0600, CategoryCredential.Perm())
	assert.EqualValues(t, 0644, CategoryPreference.Perm())
}

func TestSkillFiles(t *testing.T) {
	cfg := &config.Config{
		Skills: []config.Skill{
			{Name: "Code Review", Description: "review carefully", Content: "Be thorough.", Enabled: true},
			{Name: "Claude Only", Content: "claude stuff", Enabled: true, Agents: []string{"claude"}},
			{Name: "Disabled", Content: "never", Enabled: false},
		},
	}

	files := skillFiles(cfg, sessions.AgentClaude)
	require.Len(t, files, 2)
	assert.Equal(t, "~/.claude/skills/code-review/SKILL.md", files[0].ContainerPath)

	content := string(files[0].Content)
	assert.True(t, strings.HasPrefix(content, "---\nname: Code Review\n"))
	assert.Contains(t, content, "description: review carefully")
	assert.Contains(t, content, "Be thorough.\n")

	// The agent-restricted skill drops out for other kinds.
	files = skillFiles(cfg, sessions.AgentOpenCode)
	require.Len(t, files, 1)
	assert.Equal(t, "~/.claude/skills/code-review/SKILL.md", files[0].ContainerPath)
}

func TestProvidersEnabledByAgentConfig(t *testing.T) {
	cfg := &config.Config{}
	assert.False(t, NewClaudeProvider().Enabled(cfg))
	assert.False(t, NewOpenCodeProvider().Enabled(cfg))
	assert.False(t, NewCodexProvider().Enabled(cfg))

	cfg.Agents.ClaudeCode = &config.ClaudeCodeConfig{}
	cfg.Agents.Codex = &config.CodexConfig{}
	assert.True(t, NewClaudeProvider().Enabled(cfg))
	assert.False(t, NewOpenCodeProvider().Enabled(cfg))
	assert.True(t, NewCodexProvider().Enabled(cfg))
}

func TestOpenCodeGeneratedWithoutToken(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agents.OpenCode = &config.OpenCodeConfig{}
	env := &Env{Config: cfg}

	files, err := NewOpenCodeProvider().Generated(context.Background(), env)
	require.NoError(t, err)
	// Without a token no opencode.json is generated; only skills.
	for _, f := range files {
		assert.NotContains(t, f.ContainerPath, "opencode.json")
	}
}
