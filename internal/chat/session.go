package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/transcript"
)

const (
	// orphanGrace is how long a session survives with no connected
	// clients before its agent process is disposed. The native session
	// remains resumable from the agent's own transcript afterwards.
	orphanGrace = 10 * time.Minute

	// clientQueueSize bounds each client's outbound queue. A client
	// that cannot drain this many messages is closed rather than
	// allowed to stall the session.
	clientQueueSize = 256
)

// sessionStatus is the live session's lifecycle state.
type sessionStatus string

const (
	statusIdle        sessionStatus = "idle"
	statusRunning     sessionStatus = "running"
	statusInterrupted sessionStatus = "interrupted"
	statusErrored     sessionStatus = "errored"
	statusExited      sessionStatus = "exited"
)

// clientCommand is what WebSocket clients send. The first frame on a
// connection must be a connect; message, interrupt and set_model follow.
type clientCommand struct {
	Type    string `json:"type"` // connect, message, interrupt, set_model
	Content string `json:"content,omitempty"`
	Model   string `json:"model,omitempty"`

	// connect-only fields
	WorkspaceName string `json:"workspaceName,omitempty"`
	AgentKind     string `json:"agentKind,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	ProjectPath   string `json:"projectPath,omitempty"`
	ResumeFromID  int64  `json:"resumeFromId,omitempty"`
}

// serverHello acknowledges a connect: session_started for a fresh agent
// process, session_joined when the client attached to a live one.
type serverHello struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	Model         string `json:"model,omitempty"`
	Status        string `json:"status,omitempty"`
	AgentNativeID string `json:"agentNativeId,omitempty"`
}

const (
	helloStarted = "session_started"
	helloJoined  = "session_joined"
)

// liveSession is one in-memory agent session: the adapter, the replay
// buffer and the set of attached clients.
type liveSession struct {
	ownID     string
	workspace string
	kind      sessions.AgentKind

	adapter Adapter
	buffer  *messageBuffer
	manager *Manager
	log     *logger.Logger

	mu          sync.Mutex
	clients     map[*client]struct{}
	model       string
	nativeID    string
	status      sessionStatus
	orphanTimer *time.Timer
	ended       bool // adapter stream finished; buffer kept for replay
	disposed    bool
}

// client is one attached WebSocket with a bounded outbound queue.
type client struct {
	conn *websocket.Conn
	send chan []byte

	// sinceID is the highest message id delivered by replay; broadcast
	// skips ids at or below it so the attach window cannot duplicate.
	sinceID int64

	closeOnce sync.Once
}

func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
		c.conn.Close()
	})
}

// writePump drains the send queue onto the socket.
func (c *client) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.close(websocket.CloseAbnormalClosure, "write failed")
			return
		}
	}
}

// info snapshots the fields the connect acknowledgement carries.
func (s *liveSession) info() (model string, status sessionStatus, nativeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model, s.status, s.nativeID
}

func (s *liveSession) setStatus(status sessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// switchModel applies a model change requested on rejoin or via a
// set_model command, updating the adapter, the live session and the
// registry record.
func (s *liveSession) switchModel(ctx context.Context, model string) error {
	s.mu.Lock()
	current := s.model
	s.mu.Unlock()
	if model == current {
		return nil
	}
	if err := s.adapter.SetModel(ctx, model); err != nil {
		return err
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	s.manager.persistModel(s.ownID, model)
	return nil
}

// eventLoop consumes adapter events for the session's whole life,
// recording them in the buffer and fanning them out.
func (s *liveSession) eventLoop() {
	for ev := range s.adapter.Events() {
		if ev.NativeSessionID != "" {
			s.mu.Lock()
			s.nativeID = ev.NativeSessionID
			s.mu.Unlock()
			s.manager.linkNativeID(s.ownID, ev.NativeSessionID)
		}
		switch ev.Type {
		case transcript.MessageDone, transcript.MessageError:
			s.setStatus(statusIdle)
		}
		if ev.Type == "" || (ev.Content == "" && ev.ToolName == "" && ev.ToolID == "" &&
			ev.Type != transcript.MessageDone) {
			continue
		}
		msg := s.buffer.Append(transcript.Message{
			Type:     ev.Type,
			Content:  ev.Content,
			ToolName: ev.ToolName,
			ToolID:   ev.ToolID,
		})
		s.broadcast(msg)
		s.manager.touch(s.ownID)
	}

	// Adapter stream ended. Unless this was an explicit dispose, keep
	// the session live with its ring buffer so reconnecting clients can
	// still read history; the orphan deadline cleans it up eventually.
	s.mu.Lock()
	wasDisposed := s.disposed
	s.ended = true
	if !wasDisposed {
		s.status = statusErrored
		if len(s.clients) == 0 && s.orphanTimer == nil {
			s.orphanTimer = time.AfterFunc(orphanGrace, func() {
				s.manager.disposeOrphan(s.ownID)
			})
		}
	}
	s.mu.Unlock()

	if !wasDisposed {
		msg := s.buffer.Append(transcript.Message{
			Type:    transcript.MessageError,
			Content: "agent process exited",
		})
		s.broadcast(msg)
		s.log.Warn("adapter stream ended, history retained")
	}
}

func (s *liveSession) broadcast(msg transcript.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encoding message", zap.Error(err))
		return
	}

	s.mu.Lock()
	var overflowed []*client
	for c := range s.clients {
		if msg.ID <= c.sinceID {
			continue // already delivered by this client's replay
		}
		select {
		case c.send <- data:
		default:
			overflowed = append(overflowed, c)
			delete(s.clients, c)
		}
	}
	s.mu.Unlock()

	for _, c := range overflowed {
		s.log.Warn("client queue overflow, dropping client")
		c.close(websocket.CloseMessageTooBig, "client too slow")
		close(c.send)
	}
}

// attach registers a client, replays history after resumeFrom and serves
// its reads until disconnect. Replay and registration happen in one
// critical section so a concurrent broadcast can neither duplicate a
// replayed message nor outrun one.
func (s *liveSession) attach(conn *websocket.Conn, resumeFrom int64) {
	c := &client{conn: conn, send: make(chan []byte, clientQueueSize)}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		c.close(websocket.CloseGoingAway, "session ended")
		return
	}
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
		s.orphanTimer = nil
	}
	replay := s.buffer.Since(resumeFrom)
	for _, msg := range replay {
		if data, err := json.Marshal(msg); err == nil {
			c.send <- data // queue holds the whole ring
		}
	}
	c.sinceID = s.buffer.LastID()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()

	s.log.Info("client attached",
		zap.Int64("resume_from", resumeFrom), zap.Int("replayed", len(replay)))
	s.readLoop(c)
	s.detach(c)
}

func (s *liveSession) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.log.Warn("unparseable client command", zap.Error(err))
			continue
		}
		s.handleCommand(c, &cmd)
	}
}

func (s *liveSession) handleCommand(c *client, cmd *clientCommand) {
	ctx := context.Background()
	switch cmd.Type {
	case "message":
		if cmd.Content == "" {
			return
		}
		// The user's own prompt is part of the replayable transcript.
		msg := s.buffer.Append(transcript.Message{
			Type:    transcript.MessageUser,
			Content: cmd.Content,
		})
		s.broadcast(msg)
		s.setStatus(statusRunning)
		if err := s.adapter.SendMessage(ctx, cmd.Content); err != nil {
			s.setStatus(statusIdle)
			s.reportError(err)
		}
		s.manager.touch(s.ownID)

	case "interrupt":
		if err := s.adapter.Interrupt(ctx); err != nil {
			s.reportError(err)
			return
		}
		s.setStatus(statusInterrupted)

	case "set_model":
		if cmd.Model == "" {
			return
		}
		if err := s.switchModel(ctx, cmd.Model); err != nil {
			s.reportError(err)
			return
		}
		msg := s.buffer.Append(transcript.Message{
			Type:    transcript.MessageSystem,
			Content: "Model set to " + cmd.Model,
		})
		s.broadcast(msg)

	case "connect":
		// Connect is only valid as the first frame; it was consumed
		// before attach.
		s.log.Warn("connect frame on an established connection")

	default:
		s.log.Warn("unknown client command", zap.String("type", cmd.Type))
	}
}

func (s *liveSession) reportError(err error) {
	msg := s.buffer.Append(transcript.Message{
		Type:    transcript.MessageError,
		Content: err.Error(),
	})
	s.broadcast(msg)
}

// detach removes a client; when the last one leaves the orphan timer
// starts.
func (s *liveSession) detach(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	empty := len(s.clients) == 0 && !s.disposed
	if empty {
		if s.orphanTimer != nil {
			s.orphanTimer.Stop()
		}
		s.orphanTimer = time.AfterFunc(orphanGrace, func() {
			s.manager.disposeOrphan(s.ownID)
		})
	}
	s.mu.Unlock()

	c.close(websocket.CloseNormalClosure, "")
	s.log.Info("client detached", zap.Bool("orphaned", empty))
}

// closeAll force-closes every client and the adapter.
func (s *liveSession) closeAll(code int, reason string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.status = statusExited
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
		s.orphanTimer = nil
	}
	clients := s.snapshotClientsLocked()
	s.clients = map[*client]struct{}{}
	s.mu.Unlock()

	for _, c := range clients {
		c.close(code, reason)
		close(c.send)
	}
	s.adapter.Dispose()
}

func (s *liveSession) snapshotClientsLocked() []*client {
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

// clientCount returns how many clients are attached.
func (s *liveSession) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
