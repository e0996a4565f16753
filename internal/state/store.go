// Package state persists workspace records as a JSON map on disk, guarded
// by an advisory file lock for cross-process safety.
package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
)

// WorkspaceStatus is the lifecycle state of a workspace.
type WorkspaceStatus string

const (
	StatusCreating WorkspaceStatus = "creating"
	StatusRunning  WorkspaceStatus = "running"
	StatusStopped  WorkspaceStatus = "stopped"
	StatusError    WorkspaceStatus = "error"
)

// Workspace is the persisted record for one workspace.
type Workspace struct {
	Name        string                  `json:"name"`
	DisplayName string                  `json:"displayName,omitempty"`
	ContainerID string                  `json:"containerId,omitempty"`
	Status      WorkspaceStatus         `json:"status"`
	CloneURL    string                  `json:"cloneUrl,omitempty"`
	Ports       map[string]int          `json:"ports"`
	Forwards    []container.PortMapping `json:"portForwards,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
	LastUsedAt  time.Time               `json:"lastUsedAt,omitempty"`
}

// SSHPort returns the workspace's reserved ssh host port, 0 if unset.
func (w *Workspace) SSHPort() int {
	return w.Ports["ssh"]
}

// stateFile is the on-disk shape: always a JSON object with a workspaces
// key, an empty object when there are none.
type stateFile struct {
	Workspaces map[string]*Workspace `json:"workspaces"`
}

// Store reads and writes the workspace state file. Reads are served from an
// in-memory cache; every write re-serializes the whole map and renames a
// fsynced temp file over the original.
type Store struct {
	path     string
	lockPath string
	logger   *logger.Logger

	mu     sync.Mutex
	cache  map[string]*Workspace
	loaded bool
}

// NewStore creates a store for the given state file path.
func NewStore(path string, log *logger.Logger) *Store {
	return &Store{
		path:     path,
		lockPath: filepath.Join(filepath.Dir(path), ".state.lock"),
		logger:   log.WithFields(zap.String("component", "state_store")),
	}
}

// Load returns all workspace records keyed by name. The returned map is a
// copy; mutations go through the store.
func (s *Store) Load(ctx context.Context) (map[string]*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// Get returns one workspace record, or NotFound.
func (s *Store) Get(ctx context.Context, name string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	ws, ok := s.cache[name]
	if !ok {
		return nil, perrors.Newf(perrors.NotFound, "workspace %q not found", name)
	}
	copied := *ws
	return &copied, nil
}

// Upsert inserts or replaces a workspace record.
func (s *Store) Upsert(ctx context.Context, ws *Workspace) error {
	return s.mutate(ctx, func(m map[string]*Workspace) error {
		copied := *ws
		m[ws.Name] = &copied
		return nil
	})
}

// Update applies fn to the live map under the file lock and persists the
// result. Multi-step mutations that must observe and modify the map
// atomically (existence checks plus inserts, port allocation) go through
// here instead of Load followed by Upsert.
func (s *Store) Update(ctx context.Context, fn func(map[string]*Workspace) error) error {
	return s.mutate(ctx, fn)
}

// Delete removes a workspace record. Deleting an absent record is a no-op.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.mutate(ctx, func(m map[string]*Workspace) error {
		delete(m, name)
		return nil
	})
}

// SetStatus updates the status of an existing record.
func (s *Store) SetStatus(ctx context.Context, name string, status WorkspaceStatus) error {
	return s.mutateExisting(ctx, name, func(ws *Workspace) {
		ws.Status = status
	})
}

// Touch bumps the last-used timestamp.
func (s *Store) Touch(ctx context.Context, name string) error {
	return s.mutateExisting(ctx, name, func(ws *Workspace) {
		ws.LastUsedAt = time.Now().UTC()
	})
}

// SetDisplayName updates the display name.
func (s *Store) SetDisplayName(ctx context.Context, name, displayName string) error {
	return s.mutateExisting(ctx, name, func(ws *Workspace) {
		ws.DisplayName = displayName
	})
}

// SetPortForwards replaces the persisted port forward list.
func (s *Store) SetPortForwards(ctx context.Context, name string, forwards []container.PortMapping) error {
	return s.mutateExisting(ctx, name, func(ws *Workspace) {
		ws.Forwards = forwards
	})
}

func (s *Store) mutateExisting(ctx context.Context, name string, fn func(*Workspace)) error {
	return s.mutate(ctx, func(m map[string]*Workspace) error {
		ws, ok := m[name]
		if !ok {
			return perrors.Newf(perrors.NotFound, "workspace %q not found", name)
		}
		fn(ws)
		return nil
	})
}

// mutate applies fn to the map under the file lock and persists the result.
func (s *Store) mutate(ctx context.Context, fn func(map[string]*Workspace) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := AcquireLock(ctx, s.lockPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("releasing state lock", zap.Error(err))
		}
	}()

	// Re-read under the lock so concurrent daemon processes do not lose
	// each other's records.
	fresh, err := s.readFile()
	if err != nil {
		return err
	}
	if err := fn(fresh); err != nil {
		return err
	}
	if err := s.writeFile(fresh); err != nil {
		return err
	}
	s.cache = fresh
	s.loaded = true
	return nil
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	m, err := s.readFile()
	if err != nil {
		return err
	}
	s.cache = m
	s.loaded = true
	return nil
}

func (s *Store) snapshot() map[string]*Workspace {
	out := make(map[string]*Workspace, len(s.cache))
	for name, ws := range s.cache {
		copied := *ws
		out[name] = &copied
	}
	return out
}

func (s *Store) readFile() (map[string]*Workspace, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Workspace{}, nil
		}
		return nil, perrors.Wrap(perrors.Internal, "reading state file", err)
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, perrors.Newf(perrors.Internal,
			"state file %s is corrupt (%v); fix or remove it", s.path, err)
	}
	if file.Workspaces == nil {
		file.Workspaces = map[string]*Workspace{}
	}
	return file.Workspaces, nil
}

// writeFile serializes the whole map and fsync-renames it into place so a
// crash mid-save never truncates the file.
func (s *Store) writeFile(m map[string]*Workspace) error {
	data, err := json.MarshalIndent(stateFile{Workspaces: m}, "", "  ")
	if err != nil {
		return perrors.Wrap(perrors.Internal, "serializing state", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return perrors.Wrap(perrors.Internal, "creating state directory", err)
	}

	return WriteFileAtomic(s.path, data)
}
