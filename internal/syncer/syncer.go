// Package syncer materializes credentials, skills and generated agent
// configuration inside running workspace containers. Each agent kind
// contributes a provider describing what to create, copy and generate;
// the engine executes the plan idempotently.
package syncer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/perrydev/perry/internal/common/config"
	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/sessions"
)

const (
	// WorkspaceUser is the unprivileged user inside workspace containers.
	WorkspaceUser = "workspace"

	// WorkspaceHome is that user's home directory.
	WorkspaceHome = "/home/workspace"
)

// Category tags what a synced file carries; it decides default perms.
type Category string

const (
	CategoryCredential Category = "credential"
	CategoryPreference Category = "preference"
)

// Perm returns the file mode for the category.
func (c Category) Perm() os.FileMode {
	if c == CategoryCredential {
		return 0600
	}
	return 0644
}

// FileCopy is a host file copied as-is into the container.
type FileCopy struct {
	HostPath      string // may start with ~
	ContainerPath string
	Optional      bool
	Category      Category
}

// DirCopy is a host directory copied recursively into the container.
type DirCopy struct {
	HostPath      string
	ContainerPath string
	Optional      bool
}

// GeneratedFile is content computed at sync time.
type GeneratedFile struct {
	ContainerPath string
	Perm          os.FileMode
	Content       []byte
}

// Provider describes one agent's sync plan.
type Provider interface {
	Kind() sessions.AgentKind
	Enabled(cfg *config.Config) bool
	Dirs() []string
	Files() []FileCopy
	DirCopies() []DirCopy
	Generated(ctx context.Context, env *Env) ([]GeneratedFile, error)
}

// Env gives providers access to the daemon config and to file contents on
// both sides of the container boundary.
type Env struct {
	Config        *config.Config
	ContainerName string

	driver container.Engine
}

// ReadHostFile reads a host file, expanding a leading ~.
func (e *Env) ReadHostFile(path string) ([]byte, error) {
	return os.ReadFile(ExpandHome(path))
}

// ReadContainerFile reads a file from inside the container. A missing file
// returns nil content and nil error.
func (e *Env) ReadContainerFile(ctx context.Context, path string) ([]byte, error) {
	result, err := e.driver.Exec(ctx, e.ContainerName, []string{"cat", path}, container.ExecOptions{
		User: WorkspaceUser,
	})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, nil
	}
	return []byte(result.Stdout), nil
}

// Engine runs sync plans against containers.
type Engine struct {
	driver    container.Engine
	cfg       *config.Config
	providers []Provider
	logger    *logger.Logger
}

// NewEngine creates a sync engine with the standard three providers.
func NewEngine(driver container.Engine, cfg *config.Config, log *logger.Logger) *Engine {
	return &Engine{
		driver: driver,
		cfg:    cfg,
		providers: []Provider{
			NewClaudeProvider(),
			NewOpenCodeProvider(),
			NewCodexProvider(),
		},
		logger: log.WithFields(zap.String("component", "sync_engine")),
	}
}

// Sync runs every enabled provider against the container. Sync is
// idempotent; re-running converges to the same container state.
func (e *Engine) Sync(ctx context.Context, containerName string) error {
	env := &Env{Config: e.cfg, ContainerName: containerName, driver: e.driver}

	if err := e.syncCredentialFiles(ctx, env); err != nil {
		return err
	}

	for _, provider := range e.providers {
		if !provider.Enabled(e.cfg) {
			e.logger.Debug("provider disabled, skipping",
				zap.String("agent", string(provider.Kind())))
			continue
		}
		if err := e.syncProvider(ctx, env, provider); err != nil {
			return perrors.Wrap(perrors.KindOf(err),
				"syncing "+string(provider.Kind()), err)
		}
	}
	return nil
}

// syncCredentialFiles copies the user-listed extra credential files into
// the container at the same home-relative location. Missing host files
// are skipped; the list is best effort by design of the config surface.
func (e *Engine) syncCredentialFiles(ctx context.Context, env *Env) error {
	for _, entry := range e.cfg.Credentials.Files {
		data, err := env.ReadHostFile(entry)
		if err != nil {
			if os.IsNotExist(err) {
				e.logger.Debug("credential file missing on host", zap.String("path", entry))
				continue
			}
			return perrors.Wrap(perrors.Internal, "reading "+entry, err)
		}
		if err := e.driver.CopyIn(ctx, env.ContainerName, data,
			containerPath(entry), CategoryCredential.Perm(), WorkspaceUser); err != nil {
			return err
		}
	}
	return nil
}

// syncProvider executes one provider's plan: directories, then host files,
// then host directories, then generated files.
func (e *Engine) syncProvider(ctx context.Context, env *Env, provider Provider) error {
	log := e.logger.WithFields(
		zap.String("agent", string(provider.Kind())),
		zap.String("container", env.ContainerName))

	for _, dir := range provider.Dirs() {
		result, err := e.driver.Exec(ctx, env.ContainerName,
			[]string{"mkdir", "-p", containerPath(dir)},
			container.ExecOptions{User: WorkspaceUser})
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return perrors.Newf(perrors.ContainerError,
				"creating %s: %s", dir, strings.TrimSpace(result.Stderr))
		}
	}

	for _, file := range provider.Files() {
		data, err := env.ReadHostFile(file.HostPath)
		if err != nil {
			if file.Optional && os.IsNotExist(err) {
				log.Debug("optional file missing on host", zap.String("path", file.HostPath))
				continue
			}
			if file.Optional {
				log.Debug("skipping optional file", zap.String("path", file.HostPath), zap.Error(err))
				continue
			}
			return perrors.Wrap(perrors.Internal, "reading "+file.HostPath, err)
		}
		if err := e.driver.CopyIn(ctx, env.ContainerName, data,
			containerPath(file.ContainerPath), file.Category.Perm(), WorkspaceUser); err != nil {
			return err
		}
	}

	for _, dir := range provider.DirCopies() {
		hostDir := ExpandHome(dir.HostPath)
		if info, err := os.Stat(hostDir); err != nil || !info.IsDir() {
			if dir.Optional {
				log.Debug("optional directory missing on host", zap.String("path", dir.HostPath))
				continue
			}
			return perrors.Newf(perrors.Internal, "host directory %s missing", dir.HostPath)
		}
		if err := e.driver.CopyInDir(ctx, env.ContainerName, hostDir,
			containerPath(dir.ContainerPath), WorkspaceUser); err != nil {
			return err
		}
	}

	generated, err := provider.Generated(ctx, env)
	if err != nil {
		return err
	}
	for _, file := range generated {
		if err := e.driver.CopyIn(ctx, env.ContainerName, file.Content,
			containerPath(file.ContainerPath), file.Perm, WorkspaceUser); err != nil {
			return err
		}
	}

	log.Info("agent sync complete")
	return nil
}

// ExpandHome resolves a leading ~ against the host home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// containerPath resolves a leading ~ against the workspace home.
func containerPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		return filepath.Join(WorkspaceHome, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Slugify lowercases a name and collapses non-alphanumerics to hyphens,
// producing a directory-safe skill slug.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// skillFiles renders the SKILL.md tree shared by the claude and opencode
// providers (opencode discovers skills under the same path).
func skillFiles(cfg *config.Config, kind sessions.AgentKind) []GeneratedFile {
	var out []GeneratedFile
	for _, skill := range cfg.Skills {
		if !skill.AppliesTo(string(kind)) {
			continue
		}
		slug := Slugify(skill.Name)
		if slug == "" {
			continue
		}
		var b strings.Builder
		b.WriteString("---\nname: " + skill.Name + "\n")
		if skill.Description != "" {
			b.WriteString("description: " + skill.Description + "\n")
		}
		b.WriteString("---\n\n")
		b.WriteString(skill.Content)
		if !strings.HasSuffix(skill.Content, "\n") {
			b.WriteString("\n")
		}
		out = append(out, GeneratedFile{
			ContainerPath: "~/.claude/skills/" + slug + "/SKILL.md",
			Perm:          0644,
			Content:       []byte(b.String()),
		})
	}
	return out
}
