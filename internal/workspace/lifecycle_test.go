package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perrydev/perry/internal/common/config"
	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/state"
	"github.com/perrydev/perry/internal/syncer"
)

// fakeEngine is an in-memory container.Engine for lifecycle tests.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextID     int
	failCreate bool
}

type fakeContainer struct {
	id      string
	running bool
	spec    container.CreateSpec
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]*fakeContainer{}}
}

func (f *fakeEngine) get(name string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name]
}

func (f *fakeEngine) CLI() string { return "docker" }

func (f *fakeEngine) Create(_ context.Context, spec container.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", perrors.Newf(perrors.ContainerError, "image %q not found", spec.Image)
	}
	f.nextID++
	id := fmt.Sprintf("cid-%d", f.nextID)
	f.containers[spec.Name] = &fakeContainer{id: id, spec: spec}
	return id, nil
}

func (f *fakeEngine) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return perrors.Newf(perrors.NotFound, "no such container %q", name)
	}
	c.running = true
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, name string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return perrors.Newf(perrors.NotFound, "no such container %q", name)
	}
	c.running = false
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) Inspect(_ context.Context, name string) (*container.InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return &container.InspectResult{}, nil
	}
	status := "exited"
	if c.running {
		status = "running"
	}
	return &container.InspectResult{Exists: true, Running: c.running, Status: status}, nil
}

func (f *fakeEngine) Exec(context.Context, string, []string, container.ExecOptions) (*container.ExecResult, error) {
	return &container.ExecResult{}, nil
}

func (f *fakeEngine) ExecCommand(ctx context.Context, _ string, _ []string, _ container.ExecOptions) *exec.Cmd {
	return exec.CommandContext(ctx, "true")
}

func (f *fakeEngine) CopyIn(context.Context, string, []byte, string, os.FileMode, string) error {
	return nil
}

func (f *fakeEngine) CopyInFile(context.Context, string, string, string, os.FileMode, string) error {
	return nil
}

func (f *fakeEngine) CopyInDir(context.Context, string, string, string, string) error {
	return nil
}

func (f *fakeEngine) Logs(context.Context, string, int) (string, error) { return "", nil }
func (f *fakeEngine) ImageExists(context.Context, string) bool          { return true }
func (f *fakeEngine) Version(context.Context) (string, error)           { return "fake 1.0.0", nil }

// recordingCloser counts teardown notifications.
type recordingCloser struct {
	mu     sync.Mutex
	closed []string
}

func (r *recordingCloser) CloseWorkspace(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, name)
}

func (r *recordingCloser) DisposeWorkspace(name, _ string) {
	r.CloseWorkspace(name)
}

func (r *recordingCloser) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

type lifecycleHarness struct {
	manager  *Manager
	engine   *fakeEngine
	store    *state.Store
	registry *sessions.Registry
	ptys     *recordingCloser
	sessions *recordingCloser
}

func newLifecycleHarness(t *testing.T) *lifecycleHarness {
	t.Helper()

	cfg := &config.Config{}
	cfg.SSH.PortRangeStart = 42300
	cfg.SSH.PortRangeEnd = 42399
	cfg.Workspace.Image = "perry-workspace:test"

	log := logger.Default()
	dir := t.TempDir()
	engine := newFakeEngine()
	store := state.NewStore(filepath.Join(dir, "state.json"), log)
	registry := sessions.NewRegistry(filepath.Join(dir, "registry.json"), log)
	syncEngine := syncer.NewEngine(engine, cfg, log)

	h := &lifecycleHarness{
		manager:  NewManager(cfg, engine, store, registry, syncEngine, log),
		engine:   engine,
		store:    store,
		registry: registry,
		ptys:     &recordingCloser{},
		sessions: &recordingCloser{},
	}
	h.manager.SetPTYCloser(h.ptys)
	h.manager.SetSessionCloser(h.sessions)
	return h
}

func TestCreateProvisionsContainer(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	ws, err := h.manager.Create(ctx, CreateOptions{Name: "dev", DisplayName: "Dev Box"})
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, ws.Status)
	assert.GreaterOrEqual(t, ws.SSHPort(), 42300)
	assert.LessOrEqual(t, ws.SSHPort(), 42399)
	assert.NotEmpty(t, ws.ContainerID)

	c := h.engine.get("workspace-dev")
	require.NotNil(t, c)
	assert.True(t, c.running)
	assert.Equal(t, "perry-workspace:test", c.spec.Image)
	assert.Equal(t, "dev", c.spec.Hostname)
	assert.Equal(t, "true", c.spec.Labels["perry.managed"])
	assert.Equal(t, "dev", c.spec.Labels["perry.workspace"])
	require.Len(t, c.spec.Ports, 1)
	assert.Equal(t, ws.SSHPort(), c.spec.Ports[0].HostPort)
	assert.Equal(t, 22, c.spec.Ports[0].ContainerPort)

	stored, err := h.store.Get(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, stored.Status)
	assert.Equal(t, "Dev Box", stored.DisplayName)
}

func TestCreateDuplicateName(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	_, err := h.manager.Create(ctx, CreateOptions{Name: "dev"})
	require.NoError(t, err)

	_, err = h.manager.Create(ctx, CreateOptions{Name: "dev"})
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.AlreadyExists))
}

func TestCreateConcurrentUniquePorts(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	const n = 4
	results := make(chan *state.Workspace, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws, err := h.manager.Create(ctx, CreateOptions{Name: fmt.Sprintf("ws-%d", i)})
			if err != nil {
				errs <- err
				return
			}
			results <- ws
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent create failed: %v", err)
	}
	seen := map[int]string{}
	for ws := range results {
		port := ws.SSHPort()
		if other, dup := seen[port]; dup {
			t.Fatalf("port %d allocated to both %s and %s", port, other, ws.Name)
		}
		seen[port] = ws.Name
	}
	assert.Len(t, seen, n)
}

func TestCreateFailureKeepsErrorRecord(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()
	h.engine.failCreate = true

	_, err := h.manager.Create(ctx, CreateOptions{Name: "dev"})
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ContainerError))

	// The record survives with status error so the operator can inspect
	// and delete it.
	stored, getErr := h.store.Get(ctx, "dev")
	require.NoError(t, getErr)
	assert.Equal(t, state.StatusError, stored.Status)
}

func TestStopTearsDownAndIsIdempotent(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	_, err := h.manager.Create(ctx, CreateOptions{Name: "dev"})
	require.NoError(t, err)

	ws, err := h.manager.Stop(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, state.StatusStopped, ws.Status)
	assert.False(t, h.engine.get("workspace-dev").running)

	// Terminals and agent sessions are closed before the container stops.
	assert.Equal(t, []string{"dev"}, h.ptys.names())
	assert.Equal(t, []string{"dev"}, h.sessions.names())

	ws, err = h.manager.Stop(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, state.StatusStopped, ws.Status)
	assert.Equal(t, []string{"dev"}, h.ptys.names(), "second stop is a no-op")
}

func TestStartStoppedWorkspace(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	_, err := h.manager.Create(ctx, CreateOptions{Name: "dev"})
	require.NoError(t, err)
	_, err = h.manager.Stop(ctx, "dev")
	require.NoError(t, err)

	ws, err := h.manager.Start(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, ws.Status)
	assert.True(t, h.engine.get("workspace-dev").running)
}

func TestStartMissingContainer(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Upsert(ctx, &state.Workspace{
		Name:      "ghost",
		Status:    state.StatusStopped,
		Ports:     map[string]int{"ssh": 42300},
		CreatedAt: time.Now().UTC(),
	}))

	_, err := h.manager.Start(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.PreconditionFailed))
}

func TestDeleteRemovesEverything(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	_, err := h.manager.Create(ctx, CreateOptions{Name: "dev"})
	require.NoError(t, err)
	_, err = h.registry.CreateSession(ctx, sessions.CreateSpec{
		WorkspaceName: "dev",
		AgentKind:     sessions.AgentClaude,
	})
	require.NoError(t, err)

	require.NoError(t, h.manager.Delete(ctx, "dev"))

	_, err = h.store.Get(ctx, "dev")
	assert.True(t, perrors.Is(err, perrors.NotFound))
	assert.Nil(t, h.engine.get("workspace-dev"))

	records, err := h.registry.GetSessionsForWorkspace(ctx, "dev")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSetPortForwardsRecreatesContainer(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	created, err := h.manager.Create(ctx, CreateOptions{Name: "dev"})
	require.NoError(t, err)
	oldID := h.engine.get("workspace-dev").id

	ws, err := h.manager.SetPortForwards(ctx, "dev", []container.PortMapping{
		{Name: "web", HostPort: 48080, ContainerPort: 3000},
	})
	require.NoError(t, err)

	c := h.engine.get("workspace-dev")
	require.NotNil(t, c)
	assert.NotEqual(t, oldID, c.id, "container recreated with new published ports")
	assert.True(t, c.running, "running workspace comes back up")

	// The ssh reservation survives alongside the new forward.
	ports := map[string]int{}
	for _, p := range c.spec.Ports {
		ports[p.Name] = p.HostPort
	}
	assert.Equal(t, created.SSHPort(), ports["ssh"])
	assert.Equal(t, 48080, ports["web"])
	assert.Equal(t, ws.SSHPort(), created.SSHPort())
}
