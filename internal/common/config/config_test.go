package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0600))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, 2200, cfg.SSH.PortRangeStart)
	assert.Equal(t, 2299, cfg.SSH.PortRangeEnd)
	assert.Equal(t, "/bin/bash", cfg.Workspace.Shell)
	assert.Equal(t, "docker", cfg.Workspace.ContainerCLI)
	assert.NotEmpty(t, cfg.Workspace.Image)
	assert.Nil(t, cfg.Agents.ClaudeCode)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"port": 8888,
		"auth_token": "secret",
		"agents": {
			"claude_code": {"oauth_token": "tok", "model": "opus"}
		},
		"workspace": {"container_cli": "podman"}
	}`)

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Port)
	assert.Equal(t, "secret", cfg.AuthToken)
	require.NotNil(t, cfg.Agents.ClaudeCode)
	assert.Equal(t, "opus", cfg.Agents.ClaudeCode.Model)
	assert.Equal(t, "podman", cfg.Workspace.ContainerCLI)
	assert.Nil(t, cfg.Agents.Codex)
}

func TestPortEnvOverride(t *testing.T) {
	t.Setenv(EnvPort, "9999")
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
}

func TestPortEnvInvalid(t *testing.T) {
	t.Setenv(EnvPort, "not-a-port")
	_, err := LoadFrom(t.TempDir())
	assert.Error(t, err)
}

func TestMalformedConfigFailsFast(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"port": `)
	_, err := LoadFrom(dir)
	assert.Error(t, err)
}

func TestPostStartNormalization(t *testing.T) {
	tests := []struct {
		name string
		json string
		want []string
	}{
		{"single string", `{"scripts": {"post_start": "/opt/setup.sh"}}`, []string{"/opt/setup.sh"}},
		{"list", `{"scripts": {"post_start": ["/a.sh", "/b.sh"]}}`, []string{"/a.sh", "/b.sh"}},
		{"absent", `{}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.json)
			cfg, err := LoadFrom(dir)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Scripts.PostStart)
		})
	}
}

func TestInvalidPortRange(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"ssh": {"port_range_start": 3000, "port_range_end": 2000}}`)
	_, err := LoadFrom(dir)
	assert.Error(t, err)
}

func TestAppliesTo(t *testing.T) {
	skill := Skill{Name: "review", Enabled: true}
	assert.True(t, skill.AppliesTo("claude"))
	assert.True(t, skill.AppliesTo("codex"))

	skill.Agents = []string{"claude"}
	assert.True(t, skill.AppliesTo("claude"))
	assert.False(t, skill.AppliesTo("codex"))

	skill.Enabled = false
	assert.False(t, skill.AppliesTo("claude"))

	server := MCPServer{Name: "gh", Enabled: true, Agents: []string{"opencode"}}
	assert.True(t, server.AppliesTo("opencode"))
	assert.False(t, server.AppliesTo("claude"))
}

func TestSaveUserSettingsPreservesOtherKeys(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"port": 8123, "auth_token": "keep-me"}`)

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	cfg.Skills = []Skill{{ID: "s1", Name: "review", Content: "look closely", Enabled: true}}
	cfg.MCPServers = []MCPServer{{ID: "m1", Name: "gh", Enabled: true, URL: "https://mcp.example.com"}}
	require.NoError(t, cfg.SaveUserSettings())

	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, float64(8123), raw["port"])
	assert.Equal(t, "keep-me", raw["auth_token"])
	assert.Len(t, raw["skills"], 1)
	assert.Len(t, raw["mcpServers"], 1)

	// A reload round-trips the saved sections.
	reloaded, err := LoadFrom(dir)
	require.NoError(t, err)
	require.Len(t, reloaded.Skills, 1)
	assert.Equal(t, "review", reloaded.Skills[0].Name)
}

func TestDirHonorsEnvOverride(t *testing.T) {
	t.Setenv(EnvConfigDir, "/tmp/perry-test-config")
	dir, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/perry-test-config", dir)
}
