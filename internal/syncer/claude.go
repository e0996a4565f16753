package syncer

import (
	"context"
	"encoding/json"

	"github.com/perrydev/perry/internal/common/config"
	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/sessions"
)

// ClaudeProvider syncs the claude CLI: credentials and settings copied
// from the host, plus a generated ~/.claude.json that merges MCP servers
// from the container, the host, and user definitions.
type ClaudeProvider struct{}

// NewClaudeProvider creates the claude sync provider.
func NewClaudeProvider() *ClaudeProvider {
	return &ClaudeProvider{}
}

func (p *ClaudeProvider) Kind() sessions.AgentKind {
	return sessions.AgentClaude
}

func (p *ClaudeProvider) Enabled(cfg *config.Config) bool {
	return cfg.Agents.ClaudeCode != nil
}

func (p *ClaudeProvider) Dirs() []string {
	return []string{"~/.claude", "~/.claude/skills"}
}

func (p *ClaudeProvider) Files() []FileCopy {
	return []FileCopy{
		{HostPath: "~/.claude/.credentials.json", ContainerPath: "~/.claude/.credentials.json", Optional: true, Category: CategoryCredential},
		{HostPath: "~/.claude/settings.json", ContainerPath: "~/.claude/settings.json", Optional: true, Category: CategoryPreference},
		{HostPath: "~/.claude/CLAUDE.md", ContainerPath: "~/.claude/CLAUDE.md", Optional: true, Category: CategoryPreference},
	}
}

func (p *ClaudeProvider) DirCopies() []DirCopy {
	return []DirCopy{
		{HostPath: "~/.claude/agents", ContainerPath: "~/.claude/agents", Optional: true},
	}
}

func (p *ClaudeProvider) Generated(ctx context.Context, env *Env) ([]GeneratedFile, error) {
	merged, err := p.claudeJSON(ctx, env)
	if err != nil {
		return nil, err
	}
	files := []GeneratedFile{{
		ContainerPath: "~/.claude.json",
		Perm:          0600,
		Content:       merged,
	}}
	return append(files, skillFiles(env.Config, sessions.AgentClaude)...), nil
}

// claudeJSON builds ~/.claude.json from the container's current file (if
// any), the host's file, and user-defined MCP servers. Merging rather than
// overwriting keeps state the CLI wrote inside the container.
func (p *ClaudeProvider) claudeJSON(ctx context.Context, env *Env) ([]byte, error) {
	doc := map[string]any{}

	if data, err := env.ReadContainerFile(ctx, containerPath("~/.claude.json")); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			// The container copy is the CLI's own file; garbage means start over.
			doc = map[string]any{}
		}
	}

	hostDoc := map[string]any{}
	if data, err := env.ReadHostFile("~/.claude.json"); err == nil {
		if err := json.Unmarshal(data, &hostDoc); err != nil {
			return nil, perrors.Wrap(perrors.Internal, "parsing host .claude.json", err)
		}
	}
	for k, v := range hostDoc {
		if k == "mcpServers" {
			continue // merged separately below
		}
		doc[k] = v
	}

	doc["hasCompletedOnboarding"] = true

	servers := map[string]any{}
	if existing, ok := doc["mcpServers"].(map[string]any); ok {
		for name, server := range existing {
			servers[name] = server
		}
	}
	if hostServers, ok := hostDoc["mcpServers"].(map[string]any); ok {
		for name, server := range hostServers {
			servers[name] = server
		}
	}
	for _, server := range env.Config.MCPServers {
		if !server.AppliesTo(string(sessions.AgentClaude)) {
			continue
		}
		servers[server.Name] = claudeMCPEntry(server)
	}
	doc["mcpServers"] = servers

	return json.MarshalIndent(doc, "", "  ")
}

func claudeMCPEntry(server config.MCPServer) map[string]any {
	if server.URL != "" {
		entry := map[string]any{"type": "http", "url": server.URL}
		if len(server.Headers) > 0 {
			entry["headers"] = server.Headers
		}
		return entry
	}
	entry := map[string]any{"type": "stdio", "command": server.Command}
	if len(server.Args) > 0 {
		entry["args"] = server.Args
	}
	if len(server.Env) > 0 {
		entry["env"] = server.Env
	}
	return entry
}
