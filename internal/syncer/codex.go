package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/perrydev/perry/internal/common/config"
	"github.com/perrydev/perry/internal/sessions"
)

const defaultCodexModel = "gpt-5-codex"

// CodexProvider syncs the codex CLI: the host auth file plus a generated
// ~/.codex/config.toml carrying the model choice and MCP servers.
type CodexProvider struct{}

// NewCodexProvider creates the codex sync provider.
func NewCodexProvider() *CodexProvider {
	return &CodexProvider{}
}

func (p *CodexProvider) Kind() sessions.AgentKind {
	return sessions.AgentCodex
}

func (p *CodexProvider) Enabled(cfg *config.Config) bool {
	return cfg.Agents.Codex != nil
}

func (p *CodexProvider) Dirs() []string {
	return []string{"~/.codex"}
}

func (p *CodexProvider) Files() []FileCopy {
	return []FileCopy{
		{HostPath: "~/.codex/auth.json", ContainerPath: "~/.codex/auth.json", Optional: true, Category: CategoryCredential},
	}
}

func (p *CodexProvider) DirCopies() []DirCopy {
	return nil
}

func (p *CodexProvider) Generated(ctx context.Context, env *Env) ([]GeneratedFile, error) {
	return []GeneratedFile{{
		ContainerPath: "~/.codex/config.toml",
		Perm:          0600,
		Content:       []byte(p.configTOML(env)),
	}}, nil
}

// configTOML renders the codex config. The CLI reads TOML; the shape here
// is small enough to emit directly.
func (p *CodexProvider) configTOML(env *Env) string {
	var b strings.Builder

	model := defaultCodexModel
	if agentCfg := env.Config.Agents.Codex; agentCfg != nil && agentCfg.Model != "" {
		model = agentCfg.Model
	}
	fmt.Fprintf(&b, "model = %q\n", model)

	servers := make([]config.MCPServer, 0)
	for _, server := range env.Config.MCPServers {
		if server.AppliesTo(string(sessions.AgentCodex)) {
			servers = append(servers, server)
		}
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })

	for _, server := range servers {
		fmt.Fprintf(&b, "\n[mcp_servers.%s]\n", tomlKey(server.Name))
		if server.URL != "" {
			fmt.Fprintf(&b, "url = %q\n", server.URL)
			for _, k := range sortedKeys(server.Headers) {
				fmt.Fprintf(&b, "http_headers.%s = %q\n", tomlKey(k), server.Headers[k])
			}
			continue
		}
		fmt.Fprintf(&b, "command = %q\n", server.Command)
		if len(server.Args) > 0 {
			quoted := make([]string, len(server.Args))
			for i, arg := range server.Args {
				quoted[i] = fmt.Sprintf("%q", arg)
			}
			fmt.Fprintf(&b, "args = [%s]\n", strings.Join(quoted, ", "))
		}
		for _, k := range sortedKeys(server.Env) {
			fmt.Fprintf(&b, "env.%s = %q\n", tomlKey(k), server.Env[k])
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tomlKey quotes keys that are not bare-key safe.
func tomlKey(key string) string {
	for _, r := range key {
		safe := r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !safe {
			return fmt.Sprintf("%q", key)
		}
	}
	return key
}
