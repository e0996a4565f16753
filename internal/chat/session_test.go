package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perrydev/perry/internal/common/config"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/transcript"
)

// fakeAdapter records calls and lets tests feed events in by hand.
type fakeAdapter struct {
	mu         sync.Mutex
	events     chan Event
	sent       []string
	model      string
	interrupts int

	disposeOnce sync.Once
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan Event, 64)}
}

func (f *fakeAdapter) Kind() sessions.AgentKind { return sessions.AgentClaude }
func (f *fakeAdapter) Events() <-chan Event     { return f.events }
func (f *fakeAdapter) Dispose()                 { f.disposeOnce.Do(func() { close(f.events) }) }

func (f *fakeAdapter) Start(_ context.Context, opts StartOptions) error {
	f.mu.Lock()
	f.model = opts.Model
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SetModel(_ context.Context, m string) error {
	f.mu.Lock()
	f.model = m
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Interrupt(context.Context) error {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SendMessage(_ context.Context, msg string) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) currentModel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model
}

// chatHarness serves Manager.HandleWS for the workspace "dev" with fake
// adapters substituted for the real CLIs.
type chatHarness struct {
	manager  *Manager
	registry *sessions.Registry
	server   *httptest.Server

	mu      sync.Mutex
	adapter *fakeAdapter // most recently created
}

func newChatHarness(t *testing.T) *chatHarness {
	t.Helper()

	log := logger.Default()
	registry := sessions.NewRegistry(filepath.Join(t.TempDir(), "registry.json"), log)
	manager := NewManager(&config.Config{}, AdapterDeps{Logger: log}, registry, log)

	h := &chatHarness{manager: manager, registry: registry}
	manager.newAdapter = func(sessions.AgentKind, AdapterDeps) (Adapter, error) {
		adapter := newFakeAdapter()
		h.mu.Lock()
		h.adapter = adapter
		h.mu.Unlock()
		return adapter, nil
	}

	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		manager.HandleWS(w, r, "dev", "workspace-dev", "")
	}))
	t.Cleanup(h.server.Close)
	t.Cleanup(func() { manager.DisposeAll("test over") })
	return h
}

func (h *chatHarness) lastAdapter() *fakeAdapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.adapter
}

func (h *chatHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials, sends the connect frame and returns the acknowledgement.
func (h *chatHarness) connect(t *testing.T, cmd clientCommand) (*websocket.Conn, serverHello) {
	t.Helper()
	conn := h.dial(t)
	cmd.Type = "connect"
	require.NoError(t, conn.WriteJSON(cmd))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var hello serverHello
	require.NoError(t, json.Unmarshal(data, &hello))
	return conn, hello
}

func readMessage(t *testing.T, conn *websocket.Conn) transcript.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg transcript.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestChatConnectStartsSession(t *testing.T) {
	h := newChatHarness(t)
	conn, hello := h.connect(t, clientCommand{AgentKind: "claude", Model: "sonnet"})

	assert.Equal(t, helloStarted, hello.Type)
	assert.NotEmpty(t, hello.SessionID)
	assert.Equal(t, "sonnet", hello.Model)
	assert.Equal(t, string(statusIdle), hello.Status)

	// The registry record exists and carries the model.
	record, err := h.registry.Get(context.Background(), hello.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "dev", record.WorkspaceName)
	assert.Equal(t, "sonnet", record.Model)

	require.NoError(t, conn.WriteJSON(clientCommand{Type: "message", Content: "run the tests"}))

	// The prompt echoes back first, then the agent reply.
	echo := readMessage(t, conn)
	assert.Equal(t, transcript.MessageUser, echo.Type)
	assert.Equal(t, "run the tests", echo.Content)
	assert.Equal(t, int64(1), echo.ID)

	h.lastAdapter().events <- Event{Type: transcript.MessageAssistant, Content: "all green"}
	reply := readMessage(t, conn)
	assert.Equal(t, transcript.MessageAssistant, reply.Type)
	assert.Equal(t, "all green", reply.Content)
	assert.Equal(t, int64(2), reply.ID)

	require.Eventually(t, func() bool {
		return len(h.lastAdapter().sentMessages()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"run the tests"}, h.lastAdapter().sentMessages())
}

func TestChatRejectsNonConnectFirstFrame(t *testing.T) {
	h := newChatHarness(t)
	conn := h.dial(t)
	require.NoError(t, conn.WriteJSON(clientCommand{Type: "message", Content: "hello"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestChatConnectUnknownAgentKind(t *testing.T) {
	h := newChatHarness(t)
	conn := h.dial(t)
	require.NoError(t, conn.WriteJSON(clientCommand{Type: "connect", AgentKind: "clippy"}))

	// An error frame precedes the close.
	msg := readMessage(t, conn)
	assert.Equal(t, transcript.MessageError, msg.Type)
	assert.Contains(t, msg.Content, "clippy")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestChatRejoinReplaysAfterResumePoint(t *testing.T) {
	h := newChatHarness(t)
	conn, hello := h.connect(t, clientCommand{AgentKind: "claude"})
	adapter := h.lastAdapter()

	for _, content := range []string{"one", "two", "three"} {
		adapter.events <- Event{Type: transcript.MessageAssistant, Content: content}
		msg := readMessage(t, conn)
		assert.Equal(t, content, msg.Content)
	}
	conn.Close()

	rejoined, joined := h.connect(t, clientCommand{SessionID: hello.SessionID, ResumeFromID: 1})
	assert.Equal(t, helloJoined, joined.Type)
	assert.Equal(t, hello.SessionID, joined.SessionID)

	first := readMessage(t, rejoined)
	assert.Equal(t, int64(2), first.ID)
	assert.Equal(t, "two", first.Content)
	second := readMessage(t, rejoined)
	assert.Equal(t, int64(3), second.ID)
	assert.Equal(t, "three", second.Content)
}

func TestChatRejoinSwitchesModel(t *testing.T) {
	h := newChatHarness(t)
	conn, hello := h.connect(t, clientCommand{AgentKind: "claude", Model: "sonnet"})
	adapter := h.lastAdapter()
	assert.Equal(t, "sonnet", adapter.currentModel())
	conn.Close()

	_, joined := h.connect(t, clientCommand{SessionID: hello.SessionID, Model: "opus"})
	assert.Equal(t, helloJoined, joined.Type)
	assert.Equal(t, "opus", joined.Model)
	assert.Equal(t, "opus", adapter.currentModel())

	record, err := h.registry.Get(context.Background(), hello.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "opus", record.Model)
}

func TestChatInterruptAndSetModel(t *testing.T) {
	h := newChatHarness(t)
	conn, _ := h.connect(t, clientCommand{AgentKind: "claude", Model: "sonnet"})
	adapter := h.lastAdapter()

	require.NoError(t, conn.WriteJSON(clientCommand{Type: "interrupt"}))
	require.NoError(t, conn.WriteJSON(clientCommand{Type: "set_model", Model: "opus"}))

	// set_model is announced on the stream.
	note := readMessage(t, conn)
	assert.Equal(t, transcript.MessageSystem, note.Type)
	assert.Contains(t, note.Content, "opus")

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, 1, adapter.interrupts)
	assert.Equal(t, "opus", adapter.model)
}

func TestChatFanOut(t *testing.T) {
	h := newChatHarness(t)
	a, hello := h.connect(t, clientCommand{AgentKind: "claude"})
	b, joined := h.connect(t, clientCommand{SessionID: hello.SessionID})
	assert.Equal(t, helloJoined, joined.Type)

	h.lastAdapter().events <- Event{Type: transcript.MessageAssistant, Content: "broadcast"}

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, "broadcast", msg.Content)
	}
}

func TestChatAdapterEndPreservesHistory(t *testing.T) {
	h := newChatHarness(t)
	conn, hello := h.connect(t, clientCommand{AgentKind: "claude"})
	adapter := h.lastAdapter()

	adapter.events <- Event{Type: transcript.MessageAssistant, Content: "partial answer"}
	assert.Equal(t, "partial answer", readMessage(t, conn).Content)

	adapter.Dispose()

	// The attached client sees the failure fanned out, not a close.
	errMsg := readMessage(t, conn)
	assert.Equal(t, transcript.MessageError, errMsg.Type)
	assert.Equal(t, "agent process exited", errMsg.Content)

	// The session stays live with its ring intact for reconnects.
	require.True(t, h.manager.IsLive(hello.SessionID))
	conn.Close()

	rejoined, joined := h.connect(t, clientCommand{SessionID: hello.SessionID})
	assert.Equal(t, helloJoined, joined.Type)
	assert.Equal(t, string(statusErrored), joined.Status)
	assert.Equal(t, "partial answer", readMessage(t, rejoined).Content)
	assert.Equal(t, transcript.MessageError, readMessage(t, rejoined).Type)
}

func TestChatAttachDuringBroadcastNoDuplicates(t *testing.T) {
	h := newChatHarness(t)
	conn, hello := h.connect(t, clientCommand{AgentKind: "claude"})
	adapter := h.lastAdapter()

	for i := 1; i <= 50; i++ {
		adapter.events <- Event{Type: transcript.MessageAssistant, Content: fmt.Sprintf("msg %d", i)}
	}
	h.manager.mu.Lock()
	session := h.manager.live[hello.SessionID]
	h.manager.mu.Unlock()
	require.Eventually(t, func() bool {
		return session.buffer.LastID() == 50
	}, time.Second, 10*time.Millisecond)
	conn.Close()

	// Keep emitting while a second client attaches and replays.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 51; i <= 100; i++ {
			adapter.events <- Event{Type: transcript.MessageAssistant, Content: fmt.Sprintf("msg %d", i)}
		}
	}()

	rejoined, _ := h.connect(t, clientCommand{SessionID: hello.SessionID})
	<-done

	// Every id arrives exactly once, strictly ascending across the
	// replay/live boundary.
	var last int64
	for last < 100 {
		msg := readMessage(t, rejoined)
		require.Greater(t, msg.ID, last, "duplicate or out-of-order id %d after %d", msg.ID, last)
		last = msg.ID
	}
	assert.Equal(t, int64(100), last)
}
