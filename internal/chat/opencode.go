package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/syncer"
	"github.com/perrydev/perry/internal/transcript"
)

// openCodeAdapter drives the opencode CLI. opencode has no persistent
// stdin protocol, so each turn spawns `opencode run` continuing the
// same native session.
type openCodeAdapter struct {
	driver container.Engine
	log    *logger.Logger

	mu        sync.Mutex
	emitMu    sync.Mutex
	container string
	workDir   string
	model     string
	env       map[string]string
	nativeID  string
	current   *exec.Cmd
	events    chan Event
	disposed  bool
}

func newOpenCodeAdapter(deps AdapterDeps) *openCodeAdapter {
	return &openCodeAdapter{
		driver: deps.Driver,
		log:    deps.Logger.WithFields(zap.String("component", "opencode_adapter")),
		events: make(chan Event, 64),
	}
}

func (a *openCodeAdapter) Kind() sessions.AgentKind { return sessions.AgentOpenCode }

func (a *openCodeAdapter) Events() <-chan Event { return a.events }

func (a *openCodeAdapter) Start(ctx context.Context, opts StartOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.container = opts.ContainerName
	a.model = opts.Model
	a.env = opts.Env
	a.nativeID = opts.ResumeNativeID
	a.workDir = opts.WorkDir
	if a.workDir == "" {
		a.workDir = syncer.WorkspaceHome
	}
	return nil
}

func (a *openCodeAdapter) SendMessage(ctx context.Context, content string) error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return perrors.Newf(perrors.AgentError, "session is disposed")
	}
	if a.current != nil {
		a.mu.Unlock()
		return perrors.Newf(perrors.Conflict, "a turn is already in flight")
	}

	argv := []string{"opencode", "run", "--format", "json"}
	if a.model != "" {
		argv = append(argv, "--model", a.model)
	}
	if a.nativeID != "" {
		argv = append(argv, "--session", a.nativeID)
	}
	argv = append(argv, content)

	cmd := a.driver.ExecCommand(context.Background(), a.container, argv,
		container.ExecOptions{User: syncer.WorkspaceUser, WorkDir: a.workDir, Env: a.env})
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.mu.Unlock()
		return perrors.Wrap(perrors.AgentError, "opening agent stdout", err)
	}
	if err := cmd.Start(); err != nil {
		a.mu.Unlock()
		return perrors.Wrap(perrors.AgentError, "starting opencode", err)
	}
	a.current = cmd
	a.mu.Unlock()

	go a.runTurn(cmd, stdout)
	return nil
}

// opencodeEvent is the union of JSON events `opencode run --format json`
// prints, one per line.
type opencodeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID,omitempty"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	CallID    string `json:"callID,omitempty"`
	State     *struct {
		Status string `json:"status"`
		Output string `json:"output,omitempty"`
	} `json:"state,omitempty"`
}

func (a *openCodeAdapter) runTurn(cmd *exec.Cmd, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev opencodeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			a.log.Warn("unparseable opencode event", zap.Error(err))
			continue
		}
		a.dispatch(&ev)
	}

	err := cmd.Wait()
	a.mu.Lock()
	a.current = nil
	disposed := a.disposed
	a.mu.Unlock()
	if disposed {
		return
	}
	if err != nil {
		a.emit(Event{Type: transcript.MessageError, Content: "opencode exited: " + err.Error()})
		return
	}
	a.emit(Event{Type: transcript.MessageDone})
}

func (a *openCodeAdapter) dispatch(ev *opencodeEvent) {
	if ev.SessionID != "" {
		a.mu.Lock()
		first := a.nativeID == ""
		a.nativeID = ev.SessionID
		a.mu.Unlock()
		if first {
			a.emit(Event{Type: transcript.MessageSystem, NativeSessionID: ev.SessionID})
		}
	}

	switch ev.Type {
	case "text":
		if ev.Text != "" {
			a.emit(Event{Type: transcript.MessageAssistant, Content: ev.Text})
		}
	case "tool":
		a.emit(Event{Type: transcript.MessageToolUse, ToolName: ev.Tool, ToolID: ev.CallID})
		if ev.State != nil && ev.State.Status == "completed" {
			a.emit(Event{Type: transcript.MessageToolResult, Content: ev.State.Output, ToolID: ev.CallID})
		}
	}
}

func (a *openCodeAdapter) SetModel(ctx context.Context, model string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = model
	return nil
}

// Interrupt kills the in-flight turn process. The native session stays
// resumable for the next prompt.
func (a *openCodeAdapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	cmd := a.current
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGINT)
}

func (a *openCodeAdapter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	cmd := a.current
	a.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	a.emitMu.Lock()
	close(a.events)
	a.emitMu.Unlock()
}

// emit delivers an event unless the adapter was disposed. The send
// happens under emitMu so Dispose cannot close the channel mid-send.
func (a *openCodeAdapter) emit(ev Event) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if a.isDisposed() {
		return
	}
	a.events <- ev
}

func (a *openCodeAdapter) isDisposed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disposed
}
