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

// codexAdapter drives the codex CLI. Like opencode, codex runs one
// process per turn: `codex exec --json`, resuming the recorded thread on
// subsequent turns.
type codexAdapter struct {
	driver container.Engine
	log    *logger.Logger

	mu        sync.Mutex
	emitMu    sync.Mutex
	container string
	workDir   string
	model     string
	env       map[string]string
	threadID  string
	current   *exec.Cmd
	events    chan Event
	disposed  bool
}

func newCodexAdapter(deps AdapterDeps) *codexAdapter {
	return &codexAdapter{
		driver: deps.Driver,
		log:    deps.Logger.WithFields(zap.String("component", "codex_adapter")),
		events: make(chan Event, 64),
	}
}

func (a *codexAdapter) Kind() sessions.AgentKind { return sessions.AgentCodex }

func (a *codexAdapter) Events() <-chan Event { return a.events }

func (a *codexAdapter) Start(ctx context.Context, opts StartOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.container = opts.ContainerName
	a.model = opts.Model
	a.env = opts.Env
	a.threadID = opts.ResumeNativeID
	a.workDir = opts.WorkDir
	if a.workDir == "" {
		a.workDir = syncer.WorkspaceHome
	}
	return nil
}

func (a *codexAdapter) SendMessage(ctx context.Context, content string) error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return perrors.Newf(perrors.AgentError, "session is disposed")
	}
	if a.current != nil {
		a.mu.Unlock()
		return perrors.Newf(perrors.Conflict, "a turn is already in flight")
	}

	argv := []string{"codex", "exec", "--json", "--skip-git-repo-check"}
	if a.model != "" {
		argv = append(argv, "--model", a.model)
	}
	if a.threadID != "" {
		argv = append(argv, "resume", a.threadID)
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
		return perrors.Wrap(perrors.AgentError, "starting codex", err)
	}
	a.current = cmd
	a.mu.Unlock()

	go a.runTurn(cmd, stdout)
	return nil
}

// codexEvent is one line of `codex exec --json` output.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Item *struct {
		ID               string `json:"id"`
		Type             string `json:"item_type"`
		Text             string `json:"text,omitempty"`
		Command          string `json:"command,omitempty"`
		AggregatedOutput string `json:"aggregated_output,omitempty"`
	} `json:"item,omitempty"`
}

func (a *codexAdapter) runTurn(cmd *exec.Cmd, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)

	failed := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			a.log.Warn("unparseable codex event", zap.Error(err))
			continue
		}
		if a.dispatch(&ev) {
			failed = true
		}
	}

	err := cmd.Wait()
	a.mu.Lock()
	a.current = nil
	disposed := a.disposed
	a.mu.Unlock()
	if disposed {
		return
	}
	if err != nil && !failed {
		a.emit(Event{Type: transcript.MessageError, Content: "codex exited: " + err.Error()})
		return
	}
	if !failed {
		a.emit(Event{Type: transcript.MessageDone})
	}
}

// dispatch maps one codex event onto the common stream. It reports
// whether the event already terminated the turn.
func (a *codexAdapter) dispatch(ev *codexEvent) bool {
	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" {
			a.mu.Lock()
			first := a.threadID == ""
			a.threadID = ev.ThreadID
			a.mu.Unlock()
			if first {
				a.emit(Event{Type: transcript.MessageSystem, NativeSessionID: ev.ThreadID})
			}
		}

	case "item.completed":
		if ev.Item == nil {
			return false
		}
		switch ev.Item.Type {
		case "agent_message":
			if ev.Item.Text != "" {
				a.emit(Event{Type: transcript.MessageAssistant, Content: ev.Item.Text})
			}
		case "command_execution":
			a.emit(Event{Type: transcript.MessageToolUse, ToolName: "shell", ToolID: ev.Item.ID})
			a.emit(Event{Type: transcript.MessageToolResult, Content: ev.Item.AggregatedOutput, ToolID: ev.Item.ID})
		}

	case "turn.failed", "error":
		msg := "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		a.emit(Event{Type: transcript.MessageError, Content: msg})
		return true
	}
	return false
}

func (a *codexAdapter) SetModel(ctx context.Context, model string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = model
	return nil
}

func (a *codexAdapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	cmd := a.current
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGINT)
}

func (a *codexAdapter) Dispose() {
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

func (a *codexAdapter) emit(ev Event) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	disposed := a.disposed
	a.mu.Unlock()
	if disposed {
		return
	}
	a.events <- ev
}
