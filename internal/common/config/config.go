// Package config loads the daemon configuration from agent-config.json in
// the perry config directory, with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigDirName is the directory under $HOME holding daemon state.
	DefaultConfigDirName = ".perry"

	// ConfigFileName is the user-editable configuration file.
	ConfigFileName = "agent-config.json"

	// EnvConfigDir overrides the config directory.
	EnvConfigDir = "WS_CONFIG_DIR"

	// EnvPort overrides the listen port.
	EnvPort = "WS_PORT"
)

// Config holds all configuration sections for the perry daemon.
type Config struct {
	Port        int               `mapstructure:"port"`
	AuthToken   string            `mapstructure:"auth_token"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Scripts     ScriptsConfig     `mapstructure:"scripts"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Skills      []Skill           `mapstructure:"skills"`
	MCPServers  []MCPServer       `mapstructure:"mcpServers"`
	SSH         SSHConfig         `mapstructure:"ssh"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	// ConfigDir is the resolved config directory, not read from the file.
	ConfigDir string `mapstructure:"-"`
}

// CredentialsConfig lists extra env vars and host files synced into
// workspaces.
type CredentialsConfig struct {
	Env   map[string]string `mapstructure:"env"`
	Files []string          `mapstructure:"files"`
}

// ScriptsConfig configures user post-start scripts. PostStart entries are
// host paths; a directory runs every *.sh inside in lexicographic order.
type ScriptsConfig struct {
	PostStart   []string `mapstructure:"-"`
	FailOnError bool     `mapstructure:"fail_on_error"`
}

// AgentsConfig holds per-agent credentials and model defaults.
type AgentsConfig struct {
	ClaudeCode *ClaudeCodeConfig `mapstructure:"claude_code"`
	OpenCode   *OpenCodeConfig   `mapstructure:"opencode"`
	Codex      *CodexConfig      `mapstructure:"codex"`
}

// ClaudeCodeConfig configures the claude CLI agent.
type ClaudeCodeConfig struct {
	OAuthToken string `mapstructure:"oauth_token"`
	Model      string `mapstructure:"model"`
}

// OpenCodeConfig configures the opencode CLI agent.
type OpenCodeConfig struct {
	ZenToken string `mapstructure:"zen_token"`
	Model    string `mapstructure:"model"`
}

// CodexConfig configures the codex CLI agent.
type CodexConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// Skill is a user-defined skill synced into workspaces as SKILL.md files.
type Skill struct {
	ID          string   `mapstructure:"id" json:"id"`
	Name        string   `mapstructure:"name" json:"name"`
	Description string   `mapstructure:"description" json:"description,omitempty"`
	Content     string   `mapstructure:"content" json:"content"`
	Enabled     bool     `mapstructure:"enabled" json:"enabled"`
	Agents      []string `mapstructure:"agents" json:"agents,omitempty"`
}

// MCPServer is a user-defined MCP server definition merged into each
// agent's generated config. Local servers set Command; remote servers set
// URL.
type MCPServer struct {
	ID      string            `mapstructure:"id" json:"id"`
	Name    string            `mapstructure:"name" json:"name"`
	Enabled bool              `mapstructure:"enabled" json:"enabled"`
	Agents  []string          `mapstructure:"agents" json:"agents,omitempty"`
	Command string            `mapstructure:"command" json:"command,omitempty"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`
	URL     string            `mapstructure:"url" json:"url,omitempty"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	OAuth   bool              `mapstructure:"oauth" json:"oauth,omitempty"`
}

// AppliesTo reports whether the definition is enabled for the given agent
// kind. An empty Agents list applies to all kinds.
func (m MCPServer) AppliesTo(kind string) bool {
	return m.Enabled && appliesTo(m.Agents, kind)
}

// AppliesTo reports whether the skill is enabled for the given agent kind.
func (s Skill) AppliesTo(kind string) bool {
	return s.Enabled && appliesTo(s.Agents, kind)
}

func appliesTo(agents []string, kind string) bool {
	if len(agents) == 0 {
		return true
	}
	for _, a := range agents {
		if a == kind {
			return true
		}
	}
	return false
}

// SSHConfig configures the reserved ssh host port range.
type SSHConfig struct {
	PortRangeStart int `mapstructure:"port_range_start"`
	PortRangeEnd   int `mapstructure:"port_range_end"`
}

// WorkspaceConfig configures workspace containers.
type WorkspaceConfig struct {
	Image        string `mapstructure:"image"`
	Shell        string `mapstructure:"shell"`
	ContainerCLI string `mapstructure:"container_cli"`
}

// LoggingConfig mirrors logger.LoggingConfig for mapstructure decoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Dir returns the config directory, honoring WS_CONFIG_DIR.
func Dir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDirName), nil
}

// Load reads agent-config.json from the config directory. A missing file is
// not an error; defaults apply. An unreadable or malformed file fails fast.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(dir)
}

// LoadFrom reads agent-config.json from an explicit directory.
func LoadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, ConfigFileName))
	v.SetConfigType("json")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", ConfigFileName, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ConfigFileName, err)
	}
	cfg.ConfigDir = dir
	cfg.Scripts.PostStart = normalizeStringList(v.Get("scripts.post_start"))

	if port := os.Getenv(EnvPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q", EnvPort, port)
		}
		cfg.Port = p
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 7777)
	v.SetDefault("ssh.port_range_start", 2200)
	v.SetDefault("ssh.port_range_end", 2299)
	v.SetDefault("workspace.image", "ghcr.io/perrydev/workspace:latest")
	v.SetDefault("workspace.shell", "/bin/bash")
	v.SetDefault("workspace.container_cli", "docker")
	v.SetDefault("logging.level", "info")
}

// normalizeStringList accepts a string or a list of strings, the two shapes
// scripts.post_start may take on disk.
func normalizeStringList(raw any) []string {
	switch val := raw.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	default:
		return nil
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SSH.PortRangeStart <= 0 || c.SSH.PortRangeEnd < c.SSH.PortRangeStart {
		return fmt.Errorf("invalid ssh port range %d-%d", c.SSH.PortRangeStart, c.SSH.PortRangeEnd)
	}
	if c.Workspace.Image == "" {
		return fmt.Errorf("workspace.image must not be empty")
	}
	return nil
}

// StatePath returns the path of the workspace state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.ConfigDir, "state.json")
}

// RegistryPath returns the path of the session registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.ConfigDir, "session-registry.json")
}

// SaveUserSettings persists the skills and mcpServers sections back to
// agent-config.json, preserving any other keys present in the file.
func (c *Config) SaveUserSettings() error {
	path := filepath.Join(c.ConfigDir, ConfigFileName)

	raw := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing existing %s: %w", ConfigFileName, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	raw["skills"] = c.Skills
	raw["mcpServers"] = c.MCPServers

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.ConfigDir, 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
