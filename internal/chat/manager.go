package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/perrydev/perry/internal/common/config"
	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/transcript"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connectTimeout bounds how long a fresh connection may take to send its
// connect frame.
const connectTimeout = 10 * time.Second

// Manager owns every live agent session in the daemon and serves the
// chat WebSocket endpoint.
type Manager struct {
	cfg      *config.Config
	deps     AdapterDeps
	registry *sessions.Registry
	logger   *logger.Logger

	// newAdapter builds adapters; tests swap in fakes.
	newAdapter func(sessions.AgentKind, AdapterDeps) (Adapter, error)

	mu   sync.Mutex
	live map[string]*liveSession
}

// NewManager creates the session manager.
func NewManager(cfg *config.Config, deps AdapterDeps, registry *sessions.Registry, log *logger.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		registry:   registry,
		logger:     log.WithFields(zap.String("component", "chat_manager")),
		newAdapter: NewAdapter,
		live:       make(map[string]*liveSession),
	}
}

// HandleWS serves a chat connection. The first client frame must be
//
//	{"type":"connect", workspaceName, agentKind, sessionId?, model?,
//	 projectPath?, resumeFromId?}
//
// The server answers with session_started (fresh or resurrected agent
// process) or session_joined (attached to a live one), carrying the
// session id, effective model, status and the agent's native id. When
// forceKind is set the endpoint pins the agent kind regardless of the
// frame. The caller has verified the workspace is running.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request, workspace, containerName string, forceKind sessions.AgentKind) {
	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type != "connect" {
		closeConn(conn, websocket.ClosePolicyViolation, "expected a connect frame")
		return
	}

	kind := sessions.AgentKind(cmd.AgentKind)
	if forceKind != "" {
		kind = forceKind
	}

	session, joined, err := m.ensureSession(r.Context(), workspace, containerName,
		cmd.SessionID, kind, cmd.Model, cmd.ProjectPath)
	if err != nil {
		m.logger.Warn("connect failed",
			zap.String("workspace", workspace), zap.Error(err))
		if payload, mErr := json.Marshal(transcript.Message{
			Type:    transcript.MessageError,
			Content: err.Error(),
		}); mErr == nil {
			conn.WriteMessage(websocket.TextMessage, payload)
		}
		closeConn(conn, websocket.ClosePolicyViolation, "connect failed")
		return
	}

	model, status, nativeID := session.info()
	hello := serverHello{
		Type:          helloStarted,
		SessionID:     session.ownID,
		Model:         model,
		Status:        string(status),
		AgentNativeID: nativeID,
	}
	if joined {
		hello.Type = helloJoined
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return
	}
	session.attach(conn, cmd.ResumeFromID)
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
	conn.Close()
}

// ensureSession returns the live session for ownID, resurrecting or
// creating it as needed. The second result reports whether the client
// joined an already-live session.
func (m *Manager) ensureSession(ctx context.Context, workspace, containerName, ownID string, kind sessions.AgentKind, model, projectPath string) (*liveSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ownID != "" {
		if session, ok := m.live[ownID]; ok {
			if model != "" {
				if err := session.switchModel(ctx, model); err != nil {
					return nil, false, err
				}
			}
			return session, true, nil
		}
	}

	var record *sessions.Session
	var err error
	if ownID != "" {
		record, err = m.registry.Get(ctx, ownID)
		if err != nil {
			return nil, false, err
		}
		if record.WorkspaceName != workspace {
			return nil, false, perrors.Newf(perrors.InvalidArgument,
				"session %q belongs to workspace %q", ownID, record.WorkspaceName)
		}
	} else {
		if !kind.Valid() {
			return nil, false, perrors.Newf(perrors.InvalidArgument,
				"new session requires a valid agent kind, got %q", kind)
		}
		record, err = m.registry.CreateSession(ctx, sessions.CreateSpec{
			WorkspaceName: workspace,
			AgentKind:     kind,
			ProjectPath:   projectPath,
			Model:         model,
		})
		if err != nil {
			return nil, false, err
		}
	}

	adapter, err := m.newAdapter(record.AgentKind, m.deps)
	if err != nil {
		return nil, false, err
	}

	agentModel := model
	if agentModel == "" {
		agentModel = record.Model
	}
	if agentModel == "" {
		agentModel = m.configuredModel(record.AgentKind)
	}
	if err := adapter.Start(ctx, StartOptions{
		ContainerName:  containerName,
		WorkDir:        record.ProjectPath,
		Model:          agentModel,
		Env:            m.credentialEnv(record.AgentKind),
		ResumeNativeID: record.AgentNativeID,
	}); err != nil {
		adapter.Dispose()
		return nil, false, err
	}
	if agentModel != record.Model {
		m.persistModel(record.OwnID, agentModel)
	}

	session := &liveSession{
		ownID:     record.OwnID,
		workspace: workspace,
		kind:      record.AgentKind,
		adapter:   adapter,
		buffer:    newMessageBuffer(),
		manager:   m,
		clients:   make(map[*client]struct{}),
		model:     agentModel,
		nativeID:  record.AgentNativeID,
		status:    statusIdle,
		log: m.logger.WithFields(
			zap.String("session_id", record.OwnID),
			zap.String("workspace", workspace),
			zap.String("agent", string(record.AgentKind))),
	}
	m.live[record.OwnID] = session
	go session.eventLoop()

	session.log.Info("session started",
		zap.Bool("resumed", record.AgentNativeID != ""))
	return session, false, nil
}

func (m *Manager) configuredModel(kind sessions.AgentKind) string {
	switch kind {
	case sessions.AgentClaude:
		if a := m.cfg.Agents.ClaudeCode; a != nil {
			return a.Model
		}
	case sessions.AgentOpenCode:
		if a := m.cfg.Agents.OpenCode; a != nil {
			return a.Model
		}
	case sessions.AgentCodex:
		if a := m.cfg.Agents.Codex; a != nil {
			return a.Model
		}
	}
	return ""
}

// credentialEnv builds the token environment an agent process needs when
// the operator configured credentials in the daemon config rather than in
// the container's own credential files.
func (m *Manager) credentialEnv(kind sessions.AgentKind) map[string]string {
	switch kind {
	case sessions.AgentClaude:
		if a := m.cfg.Agents.ClaudeCode; a != nil && a.OAuthToken != "" {
			return map[string]string{"CLAUDE_CODE_OAUTH_TOKEN": a.OAuthToken}
		}
	case sessions.AgentCodex:
		if a := m.cfg.Agents.Codex; a != nil && a.APIKey != "" {
			return map[string]string{"OPENAI_API_KEY": a.APIKey}
		}
	}
	// opencode reads its token from the generated opencode.json.
	return nil
}

// IsLive reports whether a session has a running agent process.
func (m *Manager) IsLive(ownID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[ownID]
	return ok
}

// ClientCount returns the number of clients attached to a live session.
func (m *Manager) ClientCount(ownID string) int {
	m.mu.Lock()
	session, ok := m.live[ownID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return session.clientCount()
}

// DisposeSession tears down one live session. The registry record stays
// so the conversation can be resumed later.
func (m *Manager) DisposeSession(ownID, reason string) {
	m.mu.Lock()
	session, ok := m.live[ownID]
	delete(m.live, ownID)
	m.mu.Unlock()
	if ok {
		session.closeAll(websocket.CloseGoingAway, reason)
		session.log.Info("session disposed", zap.String("reason", reason))
	}
}

// DisposeWorkspace tears down every live session on a workspace. Clients
// see a going-away close; registry records survive for later resume.
func (m *Manager) DisposeWorkspace(workspace, reason string) {
	m.mu.Lock()
	var doomed []*liveSession
	for id, session := range m.live {
		if session.workspace == workspace {
			doomed = append(doomed, session)
			delete(m.live, id)
		}
	}
	m.mu.Unlock()

	for _, session := range doomed {
		session.closeAll(websocket.CloseGoingAway, reason)
		session.log.Info("session disposed", zap.String("reason", reason))
	}
}

// DisposeAll tears down everything; used at daemon shutdown.
func (m *Manager) DisposeAll(reason string) {
	m.mu.Lock()
	doomed := make([]*liveSession, 0, len(m.live))
	for id, session := range m.live {
		doomed = append(doomed, session)
		delete(m.live, id)
	}
	m.mu.Unlock()

	for _, session := range doomed {
		session.closeAll(websocket.CloseGoingAway, reason)
	}
}

func (m *Manager) linkNativeID(ownID, nativeID string) {
	if _, err := m.registry.LinkAgentSession(context.Background(), ownID, nativeID); err != nil {
		m.logger.Warn("linking native session id",
			zap.String("session_id", ownID), zap.Error(err))
	}
}

func (m *Manager) persistModel(ownID, model string) {
	if err := m.registry.SetModel(context.Background(), ownID, model); err != nil {
		m.logger.Warn("persisting session model",
			zap.String("session_id", ownID), zap.Error(err))
	}
}

func (m *Manager) touch(ownID string) {
	if err := m.registry.Touch(context.Background(), ownID); err != nil {
		m.logger.Warn("touching session", zap.String("session_id", ownID), zap.Error(err))
	}
}

// disposeOrphan fires from the orphan timer when a session has had no
// clients for the grace period.
func (m *Manager) disposeOrphan(ownID string) {
	m.mu.Lock()
	session, ok := m.live[ownID]
	if ok && session.clientCount() > 0 {
		// A client re-attached while the timer fired.
		m.mu.Unlock()
		return
	}
	delete(m.live, ownID)
	m.mu.Unlock()
	if ok {
		session.closeAll(websocket.CloseGoingAway, "idle timeout")
		session.log.Info("orphaned session disposed")
	}
}
