package syncer

import (
	"context"
	"encoding/json"

	"github.com/perrydev/perry/internal/common/config"
	"github.com/perrydev/perry/internal/sessions"
)

// defaultOpenCodeModel is used when neither the user nor the host config
// picks a model.
const defaultOpenCodeModel = "opencode/claude-sonnet-4-5"

// OpenCodeProvider syncs the opencode CLI. Its config is only generated
// when a provider API key is configured; without one the CLI's own login
// flow applies.
type OpenCodeProvider struct{}

// NewOpenCodeProvider creates the opencode sync provider.
func NewOpenCodeProvider() *OpenCodeProvider {
	return &OpenCodeProvider{}
}

func (p *OpenCodeProvider) Kind() sessions.AgentKind {
	return sessions.AgentOpenCode
}

func (p *OpenCodeProvider) Enabled(cfg *config.Config) bool {
	return cfg.Agents.OpenCode != nil
}

func (p *OpenCodeProvider) Dirs() []string {
	// opencode discovers skills under the claude skills path.
	return []string{"~/.config/opencode", "~/.claude/skills"}
}

func (p *OpenCodeProvider) Files() []FileCopy {
	return nil
}

func (p *OpenCodeProvider) DirCopies() []DirCopy {
	return nil
}

func (p *OpenCodeProvider) Generated(ctx context.Context, env *Env) ([]GeneratedFile, error) {
	files := skillFiles(env.Config, sessions.AgentOpenCode)

	agentCfg := env.Config.Agents.OpenCode
	if agentCfg == nil || agentCfg.ZenToken == "" {
		return files, nil
	}

	doc := map[string]any{
		"provider": map[string]any{
			"opencode": map[string]any{
				"options": map[string]any{"apiKey": agentCfg.ZenToken},
			},
		},
		"model": p.model(env),
		"mcp":   p.mcpServers(env),
	}
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(files, GeneratedFile{
		ContainerPath: "~/.config/opencode/opencode.json",
		Perm:          0600,
		Content:       content,
	}), nil
}

// model resolves the configured model: user choice, then the host's own
// opencode.json, then the default.
func (p *OpenCodeProvider) model(env *Env) string {
	if agentCfg := env.Config.Agents.OpenCode; agentCfg != nil && agentCfg.Model != "" {
		return agentCfg.Model
	}
	if data, err := env.ReadHostFile("~/.config/opencode/opencode.json"); err == nil {
		var hostDoc struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(data, &hostDoc); err == nil && hostDoc.Model != "" {
			return hostDoc.Model
		}
	}
	return defaultOpenCodeModel
}

// mcpServers merges the host's mcp section with user-defined servers.
func (p *OpenCodeProvider) mcpServers(env *Env) map[string]any {
	servers := map[string]any{}
	if data, err := env.ReadHostFile("~/.config/opencode/opencode.json"); err == nil {
		var hostDoc struct {
			MCP map[string]any `json:"mcp"`
		}
		if err := json.Unmarshal(data, &hostDoc); err == nil {
			for name, server := range hostDoc.MCP {
				servers[name] = server
			}
		}
	}
	for _, server := range env.Config.MCPServers {
		if !server.AppliesTo(string(sessions.AgentOpenCode)) {
			continue
		}
		servers[server.Name] = openCodeMCPEntry(server)
	}
	return servers
}

func openCodeMCPEntry(server config.MCPServer) map[string]any {
	if server.URL != "" {
		entry := map[string]any{"type": "remote", "url": server.URL}
		if len(server.Headers) > 0 {
			entry["headers"] = server.Headers
		}
		if server.OAuth {
			entry["oauth"] = true
		}
		return entry
	}
	command := append([]string{server.Command}, server.Args...)
	entry := map[string]any{"type": "local", "command": command}
	if len(server.Env) > 0 {
		entry["environment"] = server.Env
	}
	return entry
}
