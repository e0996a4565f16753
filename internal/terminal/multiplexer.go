// Package terminal bridges WebSocket connections to interactive shells
// inside workspace containers. Each connection owns one `exec -it`
// process wrapped in a host-side pty, so resize requests translate to
// real terminal ioctls.
package terminal

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/perrydev/perry/internal/common/config"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/syncer"
)

const (
	defaultCols = 80
	defaultRows = 24
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Multiplexer tracks open terminals per workspace so lifecycle
// operations can tear them down.
type Multiplexer struct {
	cfg    *config.Config
	driver container.Engine
	logger *logger.Logger

	mu    sync.Mutex
	index map[string]map[*terminalConn]struct{}
}

// NewMultiplexer creates the terminal multiplexer.
func NewMultiplexer(cfg *config.Config, driver container.Engine, log *logger.Logger) *Multiplexer {
	return &Multiplexer{
		cfg:    cfg,
		driver: driver,
		logger: log.WithFields(zap.String("component", "terminal")),
		index:  make(map[string]map[*terminalConn]struct{}),
	}
}

// Handle upgrades the request and runs the bridge until either side
// closes. The caller has already verified the workspace is running.
func (m *Multiplexer) Handle(w http.ResponseWriter, r *http.Request, workspace, containerName string) {
	log := m.logger.WithWorkspace(workspace)

	cols, rows := windowSize(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cmd := m.driver.ExecCommand(context.Background(), containerName,
		[]string{m.cfg.Workspace.Shell}, container.ExecOptions{
			User:    syncer.WorkspaceUser,
			WorkDir: syncer.WorkspaceHome,
			TTY:     true,
			Env: map[string]string{
				"TERM":    "xterm-256color",
				"COLUMNS": strconv.Itoa(int(cols)),
				"LINES":   strconv.Itoa(int(rows)),
			},
		})

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		log.Error("starting shell", zap.Error(err))
		t := &terminalConn{conn: conn, log: log}
		t.closeWith(websocket.CloseInternalServerErr, "failed to start shell")
		return
	}

	t := &terminalConn{
		workspace: workspace,
		conn:      conn,
		cmd:       cmd,
		ptmx:      ptmx,
		log:       log,
	}
	m.register(t)
	defer m.unregister(t)

	log.Info("terminal attached",
		zap.Uint16("cols", cols), zap.Uint16("rows", rows))
	t.run()
	log.Info("terminal detached")
}

// CloseWorkspace tears down every terminal attached to the workspace.
// Called when the workspace stops or is deleted.
func (m *Multiplexer) CloseWorkspace(workspace string) {
	m.mu.Lock()
	conns := make([]*terminalConn, 0, len(m.index[workspace]))
	for t := range m.index[workspace] {
		conns = append(conns, t)
	}
	m.mu.Unlock()

	for _, t := range conns {
		t.closeWith(websocket.CloseGoingAway, "workspace stopped")
	}
}

// Count returns the number of open terminals for the workspace.
func (m *Multiplexer) Count(workspace string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index[workspace])
}

func (m *Multiplexer) register(t *terminalConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index[t.workspace] == nil {
		m.index[t.workspace] = make(map[*terminalConn]struct{})
	}
	m.index[t.workspace][t] = struct{}{}
}

func (m *Multiplexer) unregister(t *terminalConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.index[t.workspace], t)
	if len(m.index[t.workspace]) == 0 {
		delete(m.index, t.workspace)
	}
}

func windowSize(r *http.Request) (cols, rows uint16) {
	cols, rows = defaultCols, defaultRows
	if v, err := strconv.Atoi(r.URL.Query().Get("cols")); err == nil && v > 0 && v <= 1000 {
		cols = uint16(v)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("rows")); err == nil && v > 0 && v <= 1000 {
		rows = uint16(v)
	}
	return cols, rows
}
