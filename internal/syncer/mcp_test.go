package syncer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perrydev/perry/internal/common/config"
)

func TestClaudeMCPEntry(t *testing.T) {
	remote := claudeMCPEntry(config.MCPServer{
		Name: "gh", URL: "https://mcp.example.com",
		Headers: map[string]string{"Authorization": "Bearer x"},
	})
	assert.Equal(t, "http", remote["type"])
	assert.Equal(t, "https://mcp.example.com", remote["url"])
	assert.NotNil(t, remote["headers"])

	local := claudeMCPEntry(config.MCPServer{
		Name: "fs", Command: "mcp-fs", Args: []string{"--root", "/tmp"},
		Env: map[string]string{"DEBUG": "1"},
	})
	assert.Equal(t, "stdio", local["type"])
	assert.Equal(t, "mcp-fs", local["command"])
	assert.Equal(t, []string{"--root", "/tmp"}, local["args"])
}

func TestOpenCodeMCPEntry(t *testing.T) {
	remote := openCodeMCPEntry(config.MCPServer{
		Name: "gh", URL: "https://mcp.example.com", OAuth: true,
	})
	assert.Equal(t, "remote", remote["type"])
	assert.Equal(t, true, remote["oauth"])

	local := openCodeMCPEntry(config.MCPServer{
		Name: "fs", Command: "mcp-fs", Args: []string{"--root"},
		Env: map[string]string{"DEBUG": "1"},
	})
	assert.Equal(t, "local", local["type"])
	assert.Equal(t, []string{"mcp-fs", "--root"}, local["command"])
	assert.NotNil(t, local["environment"])
}

func TestCodexConfigTOML(t *testing.T) {
	cfg := &config.Config{
		MCPServers: []config.MCPServer{
			{Name: "zeta", Enabled: true, Command: "mcp-z", Args: []string{"-v"}, Env: map[string]string{"K": "v"}},
			{Name: "alpha", Enabled: true, URL: "https://a.example.com", Headers: map[string]string{"X-Key": "k"}},
			{Name: "claude-only", Enabled: true, Command: "x", Agents: []string{"claude"}},
			{Name: "off", Enabled: false, Command: "y"},
		},
	}
	cfg.Agents.Codex = &config.CodexConfig{Model: "gpt-5-codex-mini"}

	out := NewCodexProvider().configTOML(&Env{Config: cfg})

	assert.True(t, strings.HasPrefix(out, `model = "gpt-5-codex-mini"`))

	// Sections are sorted by server name; codex-inapplicable and
	// disabled servers are absent.
	alphaIdx := strings.Index(out, "[mcp_servers.alpha]")
	zetaIdx := strings.Index(out, "[mcp_servers.zeta]")
	require.True(t, alphaIdx > 0)
	require.True(t, zetaIdx > alphaIdx)
	assert.NotContains(t, out, "claude-only")
	assert.NotContains(t, out, "[mcp_servers.off]")

	assert.Contains(t, out, `url = "https://a.example.com"`)
	assert.Contains(t, out, `http_headers.X-Key = "k"`)
	assert.Contains(t, out, `command = "mcp-z"`)
	assert.Contains(t, out, `args = ["-v"]`)
	assert.Contains(t, out, `env.K = "v"`)
}

func TestCodexDefaultModel(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agents.Codex = &config.CodexConfig{}
	out := NewCodexProvider().configTOML(&Env{Config: cfg})
	assert.Contains(t, out, `model = "gpt-5-codex"`)
}

func TestTomlKey(t *testing.T) {
	assert.Equal(t, "plain-key_1", tomlKey("plain-key_1"))
	assert.Equal(t, `"needs quoting!"`, tomlKey("needs quoting!"))
}
