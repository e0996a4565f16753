package terminal

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/perrydev/perry/internal/common/logger"
)

// resizeRequest is the in-band control message clients send as a text
// frame to resize the terminal.
type resizeRequest struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// parseResize probes a text frame for a resize request. Only frames that
// start with '{' are inspected; everything else is terminal input and
// passes through untouched, including JSON-looking text the user typed
// that is not a resize message.
func parseResize(data []byte) (cols, rows uint16, ok bool) {
	if len(data) == 0 || data[0] != '{' {
		return 0, 0, false
	}
	var req resizeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Type != "resize" {
		return 0, 0, false
	}
	return req.Cols, req.Rows, true
}

// terminalConn is one live WebSocket-to-pty bridge. All WebSocket writes
// go through writeMu; gorilla connections do not allow concurrent
// writers.
type terminalConn struct {
	workspace string
	conn      *websocket.Conn
	cmd       *exec.Cmd
	ptmx      *os.File
	log       *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// run pumps both directions until the shell exits or the socket closes.
func (t *terminalConn) run() {
	done := make(chan struct{})

	// pty -> websocket
	go func() {
		defer close(done)
		buf := make([]byte, 8192)
		for {
			n, err := t.ptmx.Read(buf)
			if n > 0 {
				if werr := t.write(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return // pty closed; the shell exited
			}
		}
	}()

	// websocket -> pty
	go func() {
		for {
			msgType, data, err := t.conn.ReadMessage()
			if err != nil {
				// Client went away; end the shell.
				t.terminate()
				return
			}
			if msgType == websocket.TextMessage {
				if cols, rows, ok := parseResize(data); ok {
					t.resize(cols, rows)
					continue
				}
				// Not a control message; fall through as input.
			}
			if _, err := t.ptmx.Write(data); err != nil {
				return
			}
		}
	}()

	<-done

	exitCode := 0
	if err := t.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	t.closeWith(websocket.CloseNormalClosure,
		fmt.Sprintf("Process exited with code %d", exitCode))
}

func (t *terminalConn) resize(cols, rows uint16) {
	if cols == 0 || rows == 0 {
		return
	}
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		t.log.Warn("resizing pty", zap.Error(err))
	}
}

func (t *terminalConn) write(msgType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(msgType, data)
}

// closeWith sends a close frame once and tears everything down.
func (t *terminalConn) closeWith(code int, reason string) {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason))
		t.writeMu.Unlock()
		t.conn.Close()
		t.terminate()
	})
}

// terminate asks the shell to exit and releases the pty. Closing the
// pty unblocks the read pump.
func (t *terminalConn) terminate() {
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Signal(syscall.SIGTERM)
	}
	if t.ptmx != nil {
		t.ptmx.Close()
	}
}
