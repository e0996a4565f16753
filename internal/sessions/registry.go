// Package sessions persists the mapping from perry session ids to the ids
// the agent CLIs assign natively, so conversations survive daemon restarts.
package sessions

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/state"
)

// AgentKind identifies which agent CLI backs a session.
type AgentKind string

const (
	AgentClaude   AgentKind = "claude"
	AgentOpenCode AgentKind = "opencode"
	AgentCodex    AgentKind = "codex"
)

// Valid reports whether the kind is one of the supported agents.
func (k AgentKind) Valid() bool {
	switch k {
	case AgentClaude, AgentOpenCode, AgentCodex:
		return true
	}
	return false
}

// Session is one persisted registry record.
type Session struct {
	OwnID         string    `json:"ownId"`
	WorkspaceName string    `json:"workspaceName"`
	AgentKind     AgentKind `json:"agentKind"`
	AgentNativeID string    `json:"agentNativeId,omitempty"`
	ProjectPath   string    `json:"projectPath,omitempty"`
	Model         string    `json:"model,omitempty"`
	Name          string    `json:"name,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

// CreateSpec describes a session to create or import.
type CreateSpec struct {
	OwnID         string
	WorkspaceName string
	AgentKind     AgentKind
	AgentNativeID string
	ProjectPath   string
	Model         string
	Name          string
}

const registryVersion = 1

type registryFile struct {
	Version  int                 `json:"version"`
	Sessions map[string]*Session `json:"sessions"`
}

// Registry is the locked JSON file of session records.
type Registry struct {
	path     string
	lockPath string
	logger   *logger.Logger

	mu sync.Mutex
}

// NewRegistry creates a registry backed by the given file path.
func NewRegistry(path string, log *logger.Logger) *Registry {
	return &Registry{
		path:     path,
		lockPath: filepath.Join(filepath.Dir(path), ".session-registry.lock"),
		logger:   log.WithFields(zap.String("component", "session_registry")),
	}
}

// CreateSession persists a new record. A missing OwnID is generated; an
// existing OwnID is overwritten.
func (r *Registry) CreateSession(ctx context.Context, spec CreateSpec) (*Session, error) {
	if !spec.AgentKind.Valid() {
		return nil, perrors.Newf(perrors.InvalidArgument, "unknown agent kind %q", spec.AgentKind)
	}
	now := time.Now().UTC()
	session := &Session{
		OwnID:         spec.OwnID,
		WorkspaceName: spec.WorkspaceName,
		AgentKind:     spec.AgentKind,
		AgentNativeID: spec.AgentNativeID,
		ProjectPath:   spec.ProjectPath,
		Model:         spec.Model,
		Name:          spec.Name,
		CreatedAt:     now,
		LastActivity:  now,
	}
	if session.OwnID == "" {
		session.OwnID = uuid.New().String()
	}

	err := r.mutate(ctx, func(m map[string]*Session) error {
		m[session.OwnID] = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	copied := *session
	return &copied, nil
}

// LinkAgentSession records the agent's native session id on an existing
// record and bumps last activity. Returns nil if the ownId is unknown.
func (r *Registry) LinkAgentSession(ctx context.Context, ownID, nativeID string) (*Session, error) {
	var linked *Session
	err := r.mutate(ctx, func(m map[string]*Session) error {
		session, ok := m[ownID]
		if !ok {
			return nil
		}
		session.AgentNativeID = nativeID
		session.LastActivity = time.Now().UTC()
		copied := *session
		linked = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return linked, nil
}

// ImportExternalSession registers a session discovered on the workspace
// filesystem. Importing a (workspace, agentKind, nativeId) triple that is
// already known returns the existing record unchanged.
func (r *Registry) ImportExternalSession(ctx context.Context, spec CreateSpec) (*Session, error) {
	if !spec.AgentKind.Valid() {
		return nil, perrors.Newf(perrors.InvalidArgument, "unknown agent kind %q", spec.AgentKind)
	}
	if spec.AgentNativeID == "" {
		return nil, perrors.New(perrors.InvalidArgument, "external session requires an agent native id")
	}

	var result *Session
	err := r.mutate(ctx, func(m map[string]*Session) error {
		for _, existing := range m {
			if existing.WorkspaceName == spec.WorkspaceName &&
				existing.AgentKind == spec.AgentKind &&
				existing.AgentNativeID == spec.AgentNativeID {
				copied := *existing
				result = &copied
				return nil
			}
		}
		now := time.Now().UTC()
		session := &Session{
			OwnID:         uuid.New().String(),
			WorkspaceName: spec.WorkspaceName,
			AgentKind:     spec.AgentKind,
			AgentNativeID: spec.AgentNativeID,
			ProjectPath:   spec.ProjectPath,
			Name:          spec.Name,
			CreatedAt:     now,
			LastActivity:  now,
		}
		m[session.OwnID] = session
		copied := *session
		result = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns one record by ownId, or NotFound.
func (r *Registry) Get(ctx context.Context, ownID string) (*Session, error) {
	m, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	session, ok := m[ownID]
	if !ok {
		return nil, perrors.Newf(perrors.NotFound, "session %q not found", ownID)
	}
	copied := *session
	return &copied, nil
}

// GetSessionsForWorkspace returns the workspace's sessions sorted by last
// activity, newest first.
func (r *Registry) GetSessionsForWorkspace(ctx context.Context, workspace string) ([]*Session, error) {
	m, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0)
	for _, session := range m {
		if session.WorkspaceName == workspace {
			copied := *session
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// ListAll returns every record sorted by last activity, newest first.
func (r *Registry) ListAll(ctx context.Context) ([]*Session, error) {
	m, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(m))
	for _, session := range m {
		copied := *session
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// SetModel records the model a session currently runs with; unknown ids
// are ignored.
func (r *Registry) SetModel(ctx context.Context, ownID, model string) error {
	return r.mutate(ctx, func(m map[string]*Session) error {
		if session, ok := m[ownID]; ok {
			session.Model = model
			session.LastActivity = time.Now().UTC()
		}
		return nil
	})
}

// Touch bumps a record's last activity; unknown ids are ignored.
func (r *Registry) Touch(ctx context.Context, ownID string) error {
	return r.mutate(ctx, func(m map[string]*Session) error {
		if session, ok := m[ownID]; ok {
			session.LastActivity = time.Now().UTC()
		}
		return nil
	})
}

// SetName sets or clears the display name of a record.
func (r *Registry) SetName(ctx context.Context, ownID, name string) (*Session, error) {
	var renamed *Session
	err := r.mutate(ctx, func(m map[string]*Session) error {
		session, ok := m[ownID]
		if !ok {
			return perrors.Newf(perrors.NotFound, "session %q not found", ownID)
		}
		session.Name = name
		copied := *session
		renamed = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return renamed, nil
}

// Delete removes a record; removing an absent record is a no-op.
func (r *Registry) Delete(ctx context.Context, ownID string) error {
	return r.mutate(ctx, func(m map[string]*Session) error {
		delete(m, ownID)
		return nil
	})
}

// DeleteForWorkspace removes all records for a workspace.
func (r *Registry) DeleteForWorkspace(ctx context.Context, workspace string) error {
	return r.mutate(ctx, func(m map[string]*Session) error {
		for id, session := range m {
			if session.WorkspaceName == workspace {
				delete(m, id)
			}
		}
		return nil
	})
}

// mutate re-reads the file under the lock, applies fn, and writes the
// result atomically. Concurrent creates in separate goroutines therefore
// all land: each one replays against the latest on-disk map.
func (r *Registry) mutate(ctx context.Context, fn func(map[string]*Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := state.AcquireLock(ctx, r.lockPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			r.logger.Warn("releasing registry lock", zap.Error(err))
		}
	}()

	m, err := r.readFile()
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	return r.writeFile(m)
}

func (r *Registry) read(ctx context.Context) (map[string]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readFile()
}

func (r *Registry) readFile() (map[string]*Session, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Session{}, nil
		}
		return nil, perrors.Wrap(perrors.Internal, "reading session registry", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, perrors.Newf(perrors.Internal,
			"session registry %s is corrupt (%v); fix or remove it", r.path, err)
	}
	if file.Sessions == nil {
		file.Sessions = map[string]*Session{}
	}
	return file.Sessions, nil
}

func (r *Registry) writeFile(m map[string]*Session) error {
	data, err := json.MarshalIndent(registryFile{Version: registryVersion, Sessions: m}, "", "  ")
	if err != nil {
		return perrors.Wrap(perrors.Internal, "serializing session registry", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return perrors.Wrap(perrors.Internal, "creating registry directory", err)
	}
	return state.WriteFileAtomic(r.path, data)
}
