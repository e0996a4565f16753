// Package workspace orchestrates the workspace lifecycle: container
// creation and teardown, ssh port reservation, repository cloning, agent
// config sync and post-start scripts.
package workspace

import (
	"context"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perrydev/perry/internal/common/config"
	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/state"
	"github.com/perrydev/perry/internal/syncer"
)

// stopTimeout is how long the engine waits before killing a container.
const stopTimeout = 10 * time.Second

// nameRe constrains workspace names to DNS-ish labels so they embed
// safely in container names and paths.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,31}$`)

// PTYCloser closes terminal channels attached to a workspace. Wired in
// after construction to avoid a dependency cycle with the terminal
// package.
type PTYCloser interface {
	CloseWorkspace(name string)
}

// SessionCloser disposes live agent sessions attached to a workspace.
type SessionCloser interface {
	DisposeWorkspace(name, reason string)
}

// CreateOptions are the caller-supplied parameters for a new workspace.
type CreateOptions struct {
	Name        string
	DisplayName string
	CloneURL    string
	Env         map[string]string
}

// SyncAllResult reports the outcome of a sync across all running
// workspaces.
type SyncAllResult struct {
	Synced []string          `json:"synced"`
	Failed map[string]string `json:"failed,omitempty"`
}

// Manager owns workspace lifecycle operations.
type Manager struct {
	cfg      *config.Config
	driver   container.Engine
	store    *state.Store
	registry *sessions.Registry
	engine   *syncer.Engine
	logger   *logger.Logger

	ptys     PTYCloser
	sessions SessionCloser
}

// NewManager creates a workspace manager.
func NewManager(cfg *config.Config, driver container.Engine, store *state.Store, registry *sessions.Registry, engine *syncer.Engine, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		driver:   driver,
		store:    store,
		registry: registry,
		engine:   engine,
		logger:   log.WithFields(zap.String("component", "workspace_manager")),
	}
}

// SetPTYCloser wires the terminal registry in after construction.
func (m *Manager) SetPTYCloser(c PTYCloser) { m.ptys = c }

// SetSessionCloser wires the chat session manager in after construction.
func (m *Manager) SetSessionCloser(c SessionCloser) { m.sessions = c }

// ContainerName returns the container name for a workspace.
func ContainerName(workspace string) string {
	return "workspace-" + workspace
}

// ValidateName reports whether a workspace name is acceptable.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return perrors.Newf(perrors.InvalidArgument,
			"invalid workspace name %q: lowercase letters, digits and hyphens, max 32 chars", name)
	}
	return nil
}

// Create provisions a new workspace: reserves an ssh port, creates and
// starts the container, optionally clones a repository, syncs agent
// config and runs post-start scripts. On failure the record is kept with
// status error so the operator can inspect and delete it.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*state.Workspace, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}

	ws := &state.Workspace{
		Name:        opts.Name,
		DisplayName: opts.DisplayName,
		Status:      state.StatusCreating,
		CloneURL:    opts.CloneURL,
		CreatedAt:   time.Now().UTC(),
	}

	// Existence check, port allocation and insert share one critical
	// section so concurrent creates cannot overwrite each other or claim
	// the same ssh port.
	err := m.store.Update(ctx, func(all map[string]*state.Workspace) error {
		if _, exists := all[opts.Name]; exists {
			return perrors.Newf(perrors.AlreadyExists, "workspace %q already exists", opts.Name)
		}
		sshPort, err := allocateSSHPort(all, m.cfg.SSH.PortRangeStart, m.cfg.SSH.PortRangeEnd)
		if err != nil {
			return err
		}
		ws.Ports = map[string]int{"ssh": sshPort}
		copied := *ws
		all[opts.Name] = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := m.logger.WithWorkspace(opts.Name)
	log.Info("creating workspace", zap.Int("ssh_port", ws.SSHPort()))

	if err := m.provision(ctx, ws, opts); err != nil {
		log.Error("workspace provisioning failed", zap.Error(err))
		if stErr := m.store.SetStatus(ctx, opts.Name, state.StatusError); stErr != nil {
			log.Error("recording error status", zap.Error(stErr))
		}
		return nil, err
	}

	ws.Status = state.StatusRunning
	ws.LastUsedAt = time.Now().UTC()
	if err := m.store.Upsert(ctx, ws); err != nil {
		return nil, err
	}
	log.Info("workspace created", zap.String("container_id", ws.ContainerID))
	return ws, nil
}

func (m *Manager) provision(ctx context.Context, ws *state.Workspace, opts CreateOptions) error {
	containerName := ContainerName(ws.Name)

	// A stale container under our name is leftover from a failed run.
	if err := m.driver.Remove(ctx, containerName, true); err != nil {
		return err
	}

	id, err := m.driver.Create(ctx, container.CreateSpec{
		Name:     containerName,
		Image:    m.cfg.Workspace.Image,
		Hostname: ws.Name,
		Labels: map[string]string{
			"perry.managed":   "true",
			"perry.workspace": ws.Name,
		},
		Ports: m.portMappings(ws),
		Env:   m.containerEnv(opts.Env),
	})
	if err != nil {
		return err
	}
	ws.ContainerID = id

	if err := m.driver.Start(ctx, containerName); err != nil {
		return err
	}

	if opts.CloneURL != "" {
		if err := m.clone(ctx, containerName, opts.CloneURL); err != nil {
			return err
		}
	}

	if err := m.engine.Sync(ctx, containerName); err != nil {
		return err
	}

	return runPostStartScripts(ctx, m.driver, m.logger.WithWorkspace(ws.Name),
		containerName, m.cfg.Scripts.PostStart, m.cfg.Scripts.FailOnError)
}

// portMappings builds the container's published ports: the reserved ssh
// port plus any user-defined forwards.
func (m *Manager) portMappings(ws *state.Workspace) []container.PortMapping {
	mappings := []container.PortMapping{
		{Name: "ssh", HostPort: ws.SSHPort(), ContainerPort: 22},
	}
	return append(mappings, ws.Forwards...)
}

// containerEnv merges configured credential env vars with caller env.
// An empty configured value passes the daemon's own environment through.
// Caller values win.
func (m *Manager) containerEnv(extra map[string]string) map[string]string {
	env := map[string]string{}
	for name, value := range m.cfg.Credentials.Env {
		if value == "" {
			value = os.Getenv(name)
		}
		if value != "" {
			env[name] = value
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// clone clones the repository into the workspace home. The target
// directory is derived from the URL basename.
func (m *Manager) clone(ctx context.Context, containerName, cloneURL string) error {
	dir := repoDir(cloneURL)
	if dir == "" {
		return perrors.Newf(perrors.InvalidArgument, "cannot derive directory from clone url %q", cloneURL)
	}

	result, err := m.driver.Exec(ctx, containerName,
		[]string{"git", "clone", cloneURL, dir},
		container.ExecOptions{User: syncer.WorkspaceUser, WorkDir: syncer.WorkspaceHome})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		stderr := strings.TrimSpace(result.Stderr)
		if strings.Contains(stderr, "already exists and is not an empty directory") {
			return perrors.Newf(perrors.AlreadyExists, "directory %q already exists in workspace", dir)
		}
		return perrors.Newf(perrors.ContainerError, "git clone failed: %s", stderr)
	}
	return nil
}

// repoDir derives the checkout directory from a clone URL.
func repoDir(cloneURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(cloneURL, "/"), ".git")
	if i := strings.LastIndex(trimmed, ":"); i >= 0 && !strings.Contains(trimmed[i:], "/") {
		trimmed = trimmed[i+1:]
	}
	return path.Base(trimmed)
}

// Clone clones an additional repository into an already-running workspace.
func (m *Manager) Clone(ctx context.Context, name, cloneURL string) error {
	ws, err := m.requireRunning(ctx, name)
	if err != nil {
		return err
	}
	return m.clone(ctx, ContainerName(ws.Name), cloneURL)
}

// List returns all workspace records sorted by name.
func (m *Manager) List(ctx context.Context) ([]*state.Workspace, error) {
	all, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*state.Workspace, 0, len(all))
	for _, ws := range all {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one workspace record with its status reconciled against
// the actual container state.
func (m *Manager) Get(ctx context.Context, name string) (*state.Workspace, error) {
	ws, err := m.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if ws.Status != state.StatusRunning && ws.Status != state.StatusStopped {
		return ws, nil
	}

	inspect, err := m.driver.Inspect(ctx, ContainerName(name))
	if err != nil {
		return ws, nil // record still answers when the engine is unreachable
	}
	actual := state.StatusStopped
	if inspect.Exists && inspect.Running {
		actual = state.StatusRunning
	}
	if actual != ws.Status {
		ws.Status = actual
		if err := m.store.SetStatus(ctx, name, actual); err != nil {
			m.logger.Warn("reconciling status", zap.String("workspace", name), zap.Error(err))
		}
	}
	return ws, nil
}

// Start starts a stopped workspace and re-syncs agent config. Starting a
// running workspace is a no-op.
func (m *Manager) Start(ctx context.Context, name string) (*state.Workspace, error) {
	ws, err := m.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if ws.Status == state.StatusRunning {
		return ws, nil
	}
	if ws.Status == state.StatusCreating {
		return nil, perrors.Newf(perrors.Conflict, "workspace %q is still being created", name)
	}

	containerName := ContainerName(name)
	inspect, err := m.driver.Inspect(ctx, containerName)
	if err != nil {
		return nil, err
	}
	if !inspect.Exists {
		return nil, perrors.Newf(perrors.PreconditionFailed,
			"container for workspace %q is gone; delete and recreate it", name)
	}

	if err := m.driver.Start(ctx, containerName); err != nil {
		return nil, err
	}
	if err := m.engine.Sync(ctx, containerName); err != nil {
		return nil, err
	}
	if err := runPostStartScripts(ctx, m.driver, m.logger.WithWorkspace(name),
		containerName, m.cfg.Scripts.PostStart, m.cfg.Scripts.FailOnError); err != nil {
		return nil, err
	}

	if err := m.store.SetStatus(ctx, name, state.StatusRunning); err != nil {
		return nil, err
	}
	if err := m.store.Touch(ctx, name); err != nil {
		return nil, err
	}
	ws.Status = state.StatusRunning
	m.logger.WithWorkspace(name).Info("workspace started")
	return ws, nil
}

// Stop stops a workspace's container, tearing down attached terminals
// and agent sessions first. Stopping a stopped workspace is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) (*state.Workspace, error) {
	ws, err := m.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if ws.Status == state.StatusStopped {
		return ws, nil
	}

	m.closeAttached(name, "workspace stopped")

	containerName := ContainerName(name)
	inspect, err := m.driver.Inspect(ctx, containerName)
	if err != nil {
		return nil, err
	}
	if inspect.Exists && inspect.Running {
		if err := m.driver.Stop(ctx, containerName, int(stopTimeout.Seconds())); err != nil {
			return nil, err
		}
	}

	if err := m.store.SetStatus(ctx, name, state.StatusStopped); err != nil {
		return nil, err
	}
	ws.Status = state.StatusStopped
	m.logger.WithWorkspace(name).Info("workspace stopped")
	return ws, nil
}

// Delete removes a workspace: container, state record and session
// registry entries. Deleting an absent workspace is a no-op.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	m.closeAttached(name, "workspace deleted")

	if err := m.driver.Remove(ctx, ContainerName(name), true); err != nil {
		return err
	}
	if err := m.registry.DeleteForWorkspace(ctx, name); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, name); err != nil {
		return err
	}
	m.logger.WithWorkspace(name).Info("workspace deleted")
	return nil
}

func (m *Manager) closeAttached(name, reason string) {
	if m.ptys != nil {
		m.ptys.CloseWorkspace(name)
	}
	if m.sessions != nil {
		m.sessions.DisposeWorkspace(name, reason)
	}
}

// Sync re-runs agent config sync against a running workspace.
func (m *Manager) Sync(ctx context.Context, name string) error {
	ws, err := m.requireRunning(ctx, name)
	if err != nil {
		return err
	}
	return m.engine.Sync(ctx, ContainerName(ws.Name))
}

// SyncAll syncs every running workspace concurrently and reports
// per-workspace outcomes.
func (m *Manager) SyncAll(ctx context.Context) (*SyncAllResult, error) {
	all, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	result := &SyncAllResult{Synced: []string{}, Failed: map[string]string{}}
	var (
		g       errgroup.Group
		results = make(chan [2]string, len(all))
	)
	g.SetLimit(4)
	for name, ws := range all {
		if ws.Status != state.StatusRunning {
			continue
		}
		name := name
		g.Go(func() error {
			if err := m.engine.Sync(ctx, ContainerName(name)); err != nil {
				results <- [2]string{name, err.Error()}
			} else {
				results <- [2]string{name, ""}
			}
			return nil
		})
	}
	g.Wait()
	close(results)

	for r := range results {
		if r[1] == "" {
			result.Synced = append(result.Synced, r[0])
		} else {
			result.Failed[r[0]] = r[1]
		}
	}
	sort.Strings(result.Synced)
	return result, nil
}

// Logs returns the tail of the workspace container's output.
func (m *Manager) Logs(ctx context.Context, name string, tail int) (string, error) {
	if _, err := m.store.Get(ctx, name); err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = 200
	}
	return m.driver.Logs(ctx, ContainerName(name), tail)
}

// SetDisplayName updates the human-facing label.
func (m *Manager) SetDisplayName(ctx context.Context, name, displayName string) error {
	return m.store.SetDisplayName(ctx, name, displayName)
}

// PortForwards returns the persisted forward list.
func (m *Manager) PortForwards(ctx context.Context, name string) ([]container.PortMapping, error) {
	ws, err := m.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if ws.Forwards == nil {
		return []container.PortMapping{}, nil
	}
	return ws.Forwards, nil
}

// SetPortForwards replaces the forward list. Published ports are fixed at
// container creation, so a running container is recreated in place:
// stopped, removed and recreated with the same image and ssh port, then
// re-synced.
func (m *Manager) SetPortForwards(ctx context.Context, name string, forwards []container.PortMapping) (*state.Workspace, error) {
	ws, err := m.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := validateForwards(ws, forwards); err != nil {
		return nil, err
	}

	if err := m.store.SetPortForwards(ctx, name, forwards); err != nil {
		return nil, err
	}
	ws.Forwards = forwards

	inspect, err := m.driver.Inspect(ctx, ContainerName(name))
	if err != nil {
		return nil, err
	}
	if !inspect.Exists {
		return ws, nil
	}

	wasRunning := inspect.Running
	m.closeAttached(name, "workspace port configuration changed")

	containerName := ContainerName(name)
	if wasRunning {
		if err := m.driver.Stop(ctx, containerName, int(stopTimeout.Seconds())); err != nil {
			return nil, err
		}
	}
	if err := m.driver.Remove(ctx, containerName, true); err != nil {
		return nil, err
	}

	id, err := m.driver.Create(ctx, container.CreateSpec{
		Name:     containerName,
		Image:    m.cfg.Workspace.Image,
		Hostname: name,
		Labels: map[string]string{
			"perry.managed":   "true",
			"perry.workspace": name,
		},
		Ports: m.portMappings(ws),
		Env:   m.containerEnv(nil),
	})
	if err != nil {
		m.markError(ctx, name)
		return nil, err
	}
	ws.ContainerID = id
	if err := m.store.Upsert(ctx, ws); err != nil {
		return nil, err
	}

	if wasRunning {
		if err := m.driver.Start(ctx, containerName); err != nil {
			m.markError(ctx, name)
			return nil, err
		}
		if err := m.engine.Sync(ctx, containerName); err != nil {
			return nil, err
		}
	}
	m.logger.WithWorkspace(name).Info("port forwards updated",
		zap.Int("count", len(forwards)))
	return ws, nil
}

// validateForwards rejects duplicate or reserved host ports.
func validateForwards(ws *state.Workspace, forwards []container.PortMapping) error {
	seen := map[int]bool{}
	for _, f := range forwards {
		if f.HostPort <= 0 || f.HostPort > 65535 || f.ContainerPort <= 0 || f.ContainerPort > 65535 {
			return perrors.Newf(perrors.InvalidArgument, "invalid port mapping %d:%d", f.HostPort, f.ContainerPort)
		}
		if f.HostPort == ws.SSHPort() {
			return perrors.Newf(perrors.InvalidArgument,
				"host port %d is reserved for ssh", f.HostPort)
		}
		if seen[f.HostPort] {
			return perrors.Newf(perrors.InvalidArgument,
				"duplicate host port %d", f.HostPort)
		}
		seen[f.HostPort] = true
	}
	return nil
}

func (m *Manager) markError(ctx context.Context, name string) {
	if err := m.store.SetStatus(ctx, name, state.StatusError); err != nil {
		m.logger.Warn("recording error status", zap.String("workspace", name), zap.Error(err))
	}
}

// Reconcile aligns persisted statuses with actual container state. Run
// once at daemon startup so records survive daemon and host restarts.
func (m *Manager) Reconcile(ctx context.Context) error {
	all, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	for name, ws := range all {
		if ws.Status == state.StatusError {
			continue
		}
		inspect, err := m.driver.Inspect(ctx, ContainerName(name))
		if err != nil {
			return err
		}
		actual := state.StatusStopped
		switch {
		case inspect.Exists && inspect.Running:
			actual = state.StatusRunning
		case !inspect.Exists && ws.Status == state.StatusCreating:
			actual = state.StatusError
		}
		if actual != ws.Status {
			m.logger.Info("reconciling workspace status",
				zap.String("workspace", name),
				zap.String("recorded", string(ws.Status)),
				zap.String("actual", string(actual)))
			if err := m.store.SetStatus(ctx, name, actual); err != nil {
				return err
			}
		}
	}
	return nil
}

// requireRunning fetches the record and verifies the container runs.
func (m *Manager) requireRunning(ctx context.Context, name string) (*state.Workspace, error) {
	ws, err := m.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if ws.Status != state.StatusRunning {
		return nil, perrors.Newf(perrors.PreconditionFailed,
			"workspace %q is not running", name)
	}
	return ws, nil
}
